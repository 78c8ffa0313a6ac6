package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"
)

// importInstruction is the canonical instruction of imported base layers
const importInstruction = "IMPORT"

// ImportRootfs stores a root filesystem tarball, plain or gzip-compressed,
// as a single-layer base image. Importing identical content twice yields the
// same layer.
func (s *Store) ImportRootfs(ctx context.Context, r io.Reader, cfg ImageConfig) (*Image, error) {
	log := clog.FromContext(ctx)

	spool, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "import-*.tar")
	if err != nil {
		return nil, fmt.Errorf("creating import spool: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := pgzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("decompressing rootfs: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	d := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(spool, d.Hash()), src); err != nil {
		return nil, fmt.Errorf("reading rootfs: %w", err)
	}
	content := d.Digest()
	log.Debug("spooled rootfs", "digest", content)

	layer, hit, err := s.Put(ctx, "", importInstruction, content, func(context.Context) (Delta, error) {
		return func(w io.Writer) error {
			if _, err := spool.Seek(0, io.SeekStart); err != nil {
				return err
			}
			_, err := io.Copy(w, spool)
			return err
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing rootfs layer: %w", err)
	}
	log.Info("imported rootfs", "layer", layer.ID, "cached", hit)

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/"
	}
	if _, ok := cfg.Getenv("PATH"); !ok {
		cfg = cfg.WithEnv("PATH", DefaultPath)
	}

	img := NewImage(layer.ID, []digest.Digest{layer.ID}, cfg)
	if err := s.PutImage(img); err != nil {
		return nil, err
	}
	return img, nil
}
