// Package store is the content-addressed home of layers and images.
//
// Layers and image manifests are immutable files addressed by digest. A
// layer becomes visible only when its staging directory is renamed into
// place, so readers never observe a partially written layer. Tags and
// container history live in a small sqlite catalog next to them.
package store

import (
	"context"
	// Registers sha256 for digest.Canonical
	_ "crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"

	// Registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a layer, image or tag does not exist
var ErrNotFound = errors.New("not found")

const (
	layersDir     = "layers"
	imagesDir     = "images"
	tmpDir        = "tmp"
	containersDir = "containers"
	catalogFile   = "catalog.db"

	layerMetadata = "layer.json"
	layerBlob     = "layer.tar.gz"
)

// Store is a handle on an opened store directory. It is safe for concurrent
// use, and several processes may open the same directory.
type Store struct {
	root string
	db   *sql.DB

	layers *lru.Cache[digest.Digest, *Layer]

	mu       sync.Mutex
	inflight map[digest.Digest]chan struct{}
}

// Open opens or creates the store rooted at root.
func Open(ctx context.Context, root string) (*Store, error) {
	log := clog.FromContext(ctx)

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving store root: %w", err)
	}

	for _, dir := range []string{layersDir, imagesDir, tmpDir, containersDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	cache, err := lru.New[digest.Digest, *Layer](1024)
	if err != nil {
		return nil, fmt.Errorf("creating layer cache: %w", err)
	}

	db, err := openCatalog(ctx, filepath.Join(root, catalogFile))
	if err != nil {
		return nil, err
	}

	log.Debug("opened store", "root", root)

	return &Store{
		root:     root,
		db:       db,
		layers:   cache,
		inflight: map[digest.Digest]chan struct{}{},
	}, nil
}

// Close releases the catalog. Layers and images are already durable.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing catalog: %w", err)
	}
	return nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// TempDir creates a scratch directory on the store's filesystem, so that
// its contents can be renamed into the store.
func (s *Store) TempDir(pattern string) (string, error) {
	return os.MkdirTemp(filepath.Join(s.root, tmpDir), pattern)
}

// ContainerDir returns the directory holding the private filesystem of the
// container with the given id.
func (s *Store) ContainerDir(id string) string {
	return filepath.Join(s.root, containersDir, id)
}

// shard spreads digests over 256 subdirectories.
func shard(base string, d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) < 2 {
		return filepath.Join(base, enc)
	}
	return filepath.Join(base, enc[:2], enc)
}

func (s *Store) layerDir(id digest.Digest) string {
	return shard(filepath.Join(s.root, layersDir), id)
}

func (s *Store) imagePath(id digest.Digest) string {
	return shard(filepath.Join(s.root, imagesDir), id) + ".json"
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
