// Package oci exports forge images as docker-loadable tarballs.
package oci

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/joshrwolf/forge/internal/store"
)

// Image converts a stored image into a v1.Image. Layer blobs are read from
// the store lazily.
func Image(s *store.Store, img *store.Image) (v1.Image, error) {
	layers := make([]v1.Layer, 0, len(img.Layers))
	for _, id := range img.Layers {
		l, err := tarball.LayerFromFile(s.LayerPath(id))
		if err != nil {
			return nil, fmt.Errorf("opening layer %s: %w", id, err)
		}
		layers = append(layers, l)
	}

	out, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return nil, fmt.Errorf("appending layers: %w", err)
	}

	cf, err := out.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cf = cf.DeepCopy()
	cf.OS = "linux"
	cf.Architecture = goruntime.GOARCH
	cf.Created = v1.Time{Time: img.Created}
	cf.Config.WorkingDir = img.Config.WorkingDir
	cf.Config.Entrypoint = img.Config.Entrypoint
	cf.Config.Env = img.Config.Env

	return mutate.ConfigFile(out, cf)
}

// Save writes img to path as a tarball tagged with tag
func Save(ctx context.Context, s *store.Store, img *store.Image, tag, path string) error {
	log := clog.FromContext(ctx)

	// Parse the tag
	ref, err := name.NewTag(tag)
	if err != nil {
		return fmt.Errorf("parsing tag %q: %w", tag, err)
	}

	out, err := Image(s, img)
	if err != nil {
		return err
	}

	// Write to file
	log.Info("writing image to tarball", "path", path, "tag", ref.Name())
	if err := tarball.WriteToFile(path, ref, out); err != nil {
		return fmt.Errorf("writing tarball: %w", err)
	}
	return nil
}
