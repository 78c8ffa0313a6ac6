// Package resolve turns FROM references into base images.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/forge/internal/store"
	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when a reference names no known image
var ErrNotFound = errors.New("image not found")

// ScratchRef names the empty base image
const ScratchRef = "scratch"

// Resolver finds the image a FROM reference names
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*store.Image, error)
}

// Scratch returns the empty base image.
func Scratch() *store.Image {
	cfg := store.ImageConfig{WorkingDir: "/"}.WithEnv("PATH", store.DefaultPath)
	return store.NewImage("", nil, cfg)
}

// Local resolves references against the store: tags, full image IDs and
// the scratch image.
type Local struct {
	store *store.Store
}

// NewLocal creates a resolver backed by the store catalog.
func NewLocal(s *store.Store) *Local {
	return &Local{store: s}
}

// Resolve implements Resolver
func (l *Local) Resolve(ctx context.Context, ref string) (*store.Image, error) {
	if ref == ScratchRef {
		return Scratch(), nil
	}

	id := digest.Digest(ref)
	if !strings.HasPrefix(ref, string(digest.Canonical)+":") {
		tagged, err := l.store.LookupTag(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		if err != nil {
			return nil, err
		}
		id = tagged
	}

	img, err := l.store.GetImage(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}

	clog.FromContext(ctx).Debug("resolved locally", "ref", ref, "image", img.ID)
	return img, nil
}

// Chain tries each resolver in order and returns the first match.
type Chain []Resolver

// Resolve implements Resolver
func (c Chain) Resolve(ctx context.Context, ref string) (*store.Image, error) {
	for _, r := range c {
		img, err := r.Resolve(ctx, ref)
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}
