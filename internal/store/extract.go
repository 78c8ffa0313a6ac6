package store

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/forge/internal/archive"
	"github.com/opencontainers/go-digest"
)

// Extract applies layers base to top into dir. Later layers shadow earlier
// ones and their whiteouts remove what lies below.
func (s *Store) Extract(ctx context.Context, layers []digest.Digest, dir string) error {
	log := clog.FromContext(ctx)

	for _, id := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.extractLayer(id, dir)
		if err != nil {
			return err
		}
		log.Debug("extracted layer", "layer", id, "bytes", n)
	}
	return nil
}

func (s *Store) extractLayer(id digest.Digest, dir string) (int64, error) {
	rc, err := s.OpenLayer(id)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := archive.Apply(dir, rc)
	if err != nil {
		return n, fmt.Errorf("extracting layer %s: %w", id, err)
	}
	return n, nil
}
