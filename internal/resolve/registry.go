package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	goruntime "runtime"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/joshrwolf/forge/internal/store"
)

// Registry pulls base images from an OCI registry, flattens them into a
// single rootfs layer and tags the result locally, so later builds resolve
// the same reference without network access.
type Registry struct {
	store    *store.Store
	platform v1.Platform
	opts     []name.Option
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithDefaultRegistry sets the registry used for references without one.
func WithDefaultRegistry(reg string) RegistryOption {
	return func(r *Registry) {
		if reg != "" {
			r.opts = append(r.opts, name.WithDefaultRegistry(reg))
		}
	}
}

// WithInsecure allows plain http registries.
func WithInsecure() RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, name.Insecure)
	}
}

// NewRegistry creates a registry resolver importing into s.
func NewRegistry(s *store.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    s,
		platform: v1.Platform{OS: "linux", Architecture: goruntime.GOARCH},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve implements Resolver
func (r *Registry) Resolve(ctx context.Context, ref string) (*store.Image, error) {
	log := clog.FromContext(ctx)

	parsed, err := name.ParseReference(ref, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, ref, err)
	}

	log.Info("pulling base image", "ref", parsed.Name(), "platform", r.platform.String())
	remoteImg, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithPlatform(r.platform),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && (terr.StatusCode == http.StatusNotFound || terr.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("pulling %s: %w", ref, err)
	}

	cf, err := remoteImg.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("reading config of %s: %w", ref, err)
	}

	rootfs := mutate.Extract(remoteImg)
	defer rootfs.Close()

	img, err := r.store.ImportRootfs(ctx, rootfs, configFrom(cf))
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", ref, err)
	}

	if err := r.store.Tag(ctx, ref, img.ID); err != nil {
		return nil, err
	}
	log.Info("pulled base image", "ref", ref, "image", img.ID)
	return img, nil
}

// configFrom keeps the parts of an OCI config a forge image carries. The
// effective command is entrypoint followed by cmd, as docker runs it.
func configFrom(cf *v1.ConfigFile) store.ImageConfig {
	if cf == nil {
		return store.ImageConfig{}
	}
	cfg := store.ImageConfig{
		WorkingDir: cf.Config.WorkingDir,
		Env:        append([]string(nil), cf.Config.Env...),
	}
	argv := append(append([]string(nil), cf.Config.Entrypoint...), cf.Config.Cmd...)
	if len(argv) > 0 {
		cfg.Entrypoint = argv
	}
	return cfg
}
