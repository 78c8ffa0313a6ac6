package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"
)

// Layer is an immutable filesystem delta. Its ID is derived from its parent,
// the instruction that produced it and that instruction's external inputs,
// never from the delta itself.
type Layer struct {
	ID          digest.Digest `json:"id"`
	Parent      digest.Digest `json:"parent,omitempty"`
	Instruction string        `json:"instruction"`
	InputDigest digest.Digest `json:"inputDigest,omitempty"`

	// DiffID is the digest of the uncompressed tar stream
	DiffID digest.Digest `json:"diffID,omitempty"`
	// Size is the compressed blob size in bytes
	Size int64 `json:"size"`
	// Empty layers only advance the cache chain and carry no blob
	Empty bool `json:"empty,omitempty"`

	Created time.Time `json:"created"`
}

// Delta writes a layer's tar stream.
type Delta func(w io.Writer) error

// Materializer produces the delta for a layer that is not yet stored. A nil
// Delta records an empty layer.
type Materializer func(ctx context.Context) (Delta, error)

// LayerKey computes the layer ID for an instruction applied on top of
// parent. Fields are length-prefixed so that no two distinct triples share
// an encoding.
func LayerKey(parent digest.Digest, canonical string, input digest.Digest) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	for _, field := range []string{parent.String(), canonical, input.String()} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return d.Digest()
}

// Put returns the layer for (parent, canonical, input). When it already
// exists the layer is returned with hit set and materialize is not called.
// Otherwise materialize runs and its delta is persisted atomically.
//
// Concurrent callers for the same key in this process wait for the first
// one and then reuse its layer; if it fails they retry on their own.
func (s *Store) Put(ctx context.Context, parent digest.Digest, canonical string, input digest.Digest, materialize Materializer) (*Layer, bool, error) {
	log := clog.FromContext(ctx)
	id := LayerKey(parent, canonical, input)

	for {
		l, err := s.Get(id)
		if err == nil {
			return l, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}

		s.mu.Lock()
		wait, busy := s.inflight[id]
		if !busy {
			done := make(chan struct{})
			s.inflight[id] = done
			s.mu.Unlock()

			l, err := s.materialize(ctx, &Layer{
				ID:          id,
				Parent:      parent,
				Instruction: canonical,
				InputDigest: input,
			}, materialize)

			s.mu.Lock()
			delete(s.inflight, id)
			close(done)
			s.mu.Unlock()

			if err != nil {
				return nil, false, err
			}
			return l, false, nil
		}
		s.mu.Unlock()

		log.Debug("waiting for layer in progress", "layer", id)
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (s *Store) materialize(ctx context.Context, l *Layer, materialize Materializer) (*Layer, error) {
	delta, err := materialize(ctx)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, l, delta)
}

// commit stages the layer under tmp/ and renames it into place. The rename
// is the commit point; a layer directory without metadata never exists.
func (s *Store) commit(ctx context.Context, l *Layer, delta Delta) (*Layer, error) {
	log := clog.FromContext(ctx)

	staging, err := s.TempDir("layer-")
	if err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if delta == nil {
		l.Empty = true
	} else if err := writeBlob(filepath.Join(staging, layerBlob), l, delta); err != nil {
		return nil, err
	}

	// A cancelled build must not leave a layer behind
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.Created = time.Now().UTC()
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling layer metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, layerMetadata), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing layer metadata: %w", err)
	}

	final := s.layerDir(l.ID)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("creating layer directory: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		// Another process committed the same key first. Same key, same
		// content, so adopt theirs.
		if existing, gerr := s.Get(l.ID); gerr == nil {
			log.Debug("layer committed concurrently", "layer", l.ID)
			return existing, nil
		}
		return nil, fmt.Errorf("committing layer %s: %w", l.ID, err)
	}
	committed = true

	log.Debug("committed layer", "layer", l.ID, "size", l.Size, "empty", l.Empty)
	s.layers.Add(l.ID, l)

	cp := *l
	return &cp, nil
}

func writeBlob(path string, l *Layer, delta Delta) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating layer blob: %w", err)
	}
	defer f.Close()

	counter := &countingWriter{w: f}
	gz := pgzip.NewWriter(counter)
	diff := digest.Canonical.Digester()

	if err := delta(io.MultiWriter(gz, diff.Hash())); err != nil {
		return fmt.Errorf("writing layer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compressing layer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing layer blob: %w", err)
	}

	l.DiffID = diff.Digest()
	l.Size = counter.n
	return f.Close()
}

// Get returns the layer with the given ID, or ErrNotFound.
func (s *Store) Get(id digest.Digest) (*Layer, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layer id %q: %w", id, err)
	}

	if l, ok := s.layers.Get(id); ok {
		cp := *l
		return &cp, nil
	}

	data, err := os.ReadFile(filepath.Join(s.layerDir(id), layerMetadata))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("layer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading layer metadata: %w", err)
	}

	var l Layer
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing layer metadata: %w", err)
	}
	if l.ID != id {
		return nil, fmt.Errorf("layer metadata at %s names %s", id, l.ID)
	}

	s.layers.Add(id, &l)
	cp := l
	return &cp, nil
}

// LayerPath returns the compressed blob of a non-empty layer.
func (s *Store) LayerPath(id digest.Digest) string {
	return filepath.Join(s.layerDir(id), layerBlob)
}

// OpenLayer returns the uncompressed tar stream of a layer. Empty layers
// yield an empty stream.
func (s *Store) OpenLayer(id digest.Digest) (io.ReadCloser, error) {
	l, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if l.Empty {
		return io.NopCloser(strings.NewReader("")), nil
	}

	f, err := os.Open(s.LayerPath(id))
	if err != nil {
		return nil, fmt.Errorf("opening layer blob: %w", err)
	}
	gz, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decompressing layer %s: %w", id, err)
	}
	return &layerReader{Reader: gz, file: f}, nil
}

type layerReader struct {
	*pgzip.Reader
	file *os.File
}

func (r *layerReader) Close() error {
	err := r.Reader.Close()
	if ferr := r.file.Close(); err == nil {
		err = ferr
	}
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
