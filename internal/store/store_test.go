package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func deltaOf(data []byte) Materializer {
	return func(context.Context) (Delta, error) {
		return func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}, nil
	}
}

func TestLayerKey(t *testing.T) {
	parent := digest.FromString("parent")
	input := digest.FromString("input")

	a := LayerKey(parent, "RUN echo hi", input)
	if b := LayerKey(parent, "RUN echo hi", input); a != b {
		t.Errorf("LayerKey() not deterministic: %s != %s", a, b)
	}

	others := []digest.Digest{
		LayerKey("", "RUN echo hi", input),
		LayerKey(parent, "RUN echo ho", input),
		LayerKey(parent, "RUN echo hi", ""),
	}
	for i, o := range others {
		if o == a {
			t.Errorf("variant %d collides with base key", i)
		}
	}

	// Shifting bytes between fields must change the key
	if LayerKey("", "ab", "") == LayerKey("", "a", "b") {
		t.Error("field boundaries are not part of the key")
	}
}

func TestPutMissThenHit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	data := tarOf(t, map[string]string{"hello.txt": "hello"})

	var calls int
	m := func(ctx context.Context) (Delta, error) {
		calls++
		return deltaOf(data)(ctx)
	}

	l1, hit, err := s.Put(ctx, "", "RUN make", "", m)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if hit {
		t.Error("first Put() reported a cache hit")
	}
	if l1.DiffID != digest.FromBytes(data) {
		t.Errorf("DiffID = %s, want %s", l1.DiffID, digest.FromBytes(data))
	}
	if l1.Empty || l1.Size == 0 {
		t.Errorf("unexpected layer %+v", l1)
	}

	l2, hit, err := s.Put(ctx, "", "RUN make", "", m)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !hit {
		t.Error("second Put() missed the cache")
	}
	if calls != 1 {
		t.Errorf("materialize called %d times, want 1", calls)
	}
	if l1.ID != l2.ID {
		t.Errorf("layer ids differ: %s != %s", l1.ID, l2.ID)
	}

	rc, err := s.OpenLayer(l1.ID)
	if err != nil {
		t.Fatalf("OpenLayer() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("OpenLayer() returned different bytes than were stored")
	}
}

func TestPutEmptyLayer(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	l, _, err := s.Put(ctx, "", `WORKDIR /app`, "", func(context.Context) (Delta, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !l.Empty {
		t.Error("expected an empty layer")
	}
	if _, err := os.Stat(s.LayerPath(l.ID)); !os.IsNotExist(err) {
		t.Errorf("empty layer has a blob: %v", err)
	}

	rc, err := s.OpenLayer(l.ID)
	if err != nil {
		t.Fatalf("OpenLayer() error = %v", err)
	}
	defer rc.Close()
	if b, _ := io.ReadAll(rc); len(b) != 0 {
		t.Errorf("empty layer yielded %d bytes", len(b))
	}
}

func TestPutMaterializeErrorLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	boom := errors.New("boom")

	_, _, err := s.Put(ctx, "", "RUN false", "", func(context.Context) (Delta, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Put() error = %v, want %v", err, boom)
	}

	if _, err := s.Get(LayerKey("", "RUN false", "")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	assertTmpEmpty(t, s)
}

func TestPutCancelledLeavesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := openTestStore(t)
	data := tarOf(t, map[string]string{"a": "a"})

	_, _, err := s.Put(ctx, "", "RUN slow", "", func(ctx context.Context) (Delta, error) {
		cancel()
		return deltaOf(data)(ctx)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Put() error = %v, want context.Canceled", err)
	}

	if _, err := s.Get(LayerKey("", "RUN slow", "")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	assertTmpEmpty(t, s)
}

func TestPutConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	data := tarOf(t, map[string]string{"a": "a"})

	var calls atomic.Int32
	release := make(chan struct{})
	m := func(ctx context.Context) (Delta, error) {
		calls.Add(1)
		<-release
		return deltaOf(data)(ctx)
	}

	const n = 8
	var wg sync.WaitGroup
	ids := make([]digest.Digest, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, _, err := s.Put(ctx, "", "RUN once", "", m)
			errs[i] = err
			if l != nil {
				ids[i] = l.ID
			}
		}()
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Put() #%d error = %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("Put() #%d returned %s, want %s", i, ids[i], ids[0])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("materialize called %d times, want 1", got)
	}
}

func TestGetIgnoresUncommittedLayer(t *testing.T) {
	s := openTestStore(t)
	id := LayerKey("", "RUN partial", "")

	// A directory without metadata is what a crash before commit looks like
	if err := os.MkdirAll(s.layerDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestImageID(t *testing.T) {
	top := digest.FromString("top")
	layers := []digest.Digest{digest.FromString("a"), top}
	cfg := ImageConfig{WorkingDir: "/app", Entrypoint: []string{"/bin/app"}}

	a := NewImage(top, layers, cfg)
	b := NewImage(top, layers, cfg)
	if a.ID != b.ID {
		t.Errorf("image ids differ: %s != %s", a.ID, b.ID)
	}

	cfg.WorkingDir = "/srv"
	if c := NewImage(top, layers, cfg); c.ID == a.ID {
		t.Error("config change did not change the image id")
	}
}

func TestPutGetImage(t *testing.T) {
	s := openTestStore(t)
	img := NewImage(digest.FromString("top"), nil, ImageConfig{WorkingDir: "/", Env: []string{"A=1"}})

	if err := s.PutImage(img); err != nil {
		t.Fatalf("PutImage() error = %v", err)
	}
	got, err := s.GetImage(img.ID)
	if err != nil {
		t.Fatalf("GetImage() error = %v", err)
	}
	if diff := cmp.Diff(img.Config, got.Config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if got.ID != img.ID || got.Top != img.Top {
		t.Errorf("GetImage() = %+v, want %+v", got, img)
	}

	if _, err := s.GetImage(digest.FromString("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetImage() error = %v, want ErrNotFound", err)
	}

	img.Config.WorkingDir = "/tampered"
	if err := s.PutImage(img); err == nil {
		t.Error("PutImage() accepted an image whose id does not match")
	}
}

func TestImageConfigEnv(t *testing.T) {
	cfg := ImageConfig{Env: []string{"PATH=/bin", "A=1"}}
	cfg = cfg.WithEnv("A", "2").WithEnv("B", "3")

	want := []string{"PATH=/bin", "A=2", "B=3"}
	if diff := cmp.Diff(want, cfg.Env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	if v, ok := cfg.Getenv("A"); !ok || v != "2" {
		t.Errorf("Getenv(A) = %q, %v", v, ok)
	}
	if _, ok := cfg.Getenv("MISSING"); ok {
		t.Error("Getenv(MISSING) reported a value")
	}
}

func TestImportRootfs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	data := tarOf(t, map[string]string{"bin/sh": "#!"})

	plain, err := s.ImportRootfs(ctx, bytes.NewReader(data), ImageConfig{})
	if err != nil {
		t.Fatalf("ImportRootfs() error = %v", err)
	}
	if len(plain.Layers) != 1 {
		t.Fatalf("imported image has %d layers, want 1", len(plain.Layers))
	}
	if plain.Config.WorkingDir != "/" {
		t.Errorf("WorkingDir = %q, want /", plain.Config.WorkingDir)
	}
	if v, _ := plain.Config.Getenv("PATH"); v != DefaultPath {
		t.Errorf("PATH = %q, want %q", v, DefaultPath)
	}

	// The same content gzip-compressed is the same base image
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(data)
	zw.Close()

	compressed, err := s.ImportRootfs(ctx, &gz, ImageConfig{})
	if err != nil {
		t.Fatalf("ImportRootfs() error = %v", err)
	}
	if compressed.ID != plain.ID {
		t.Errorf("gzip import id = %s, want %s", compressed.ID, plain.ID)
	}
}

func assertTmpEmpty(t *testing.T, s *Store) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Root(), tmpDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("tmp/ holds %d leftover entries", len(entries))
	}
}

func TestExtractShadowsLowerLayers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	lower, _, err := s.Put(ctx, "", "lower", "", deltaOf(tarOf(t, map[string]string{
		"etc/motd": "old",
		"etc/keep": "keep",
	})))
	if err != nil {
		t.Fatal(err)
	}
	upper, _, err := s.Put(ctx, lower.ID, "upper", "", deltaOf(tarOf(t, map[string]string{
		"etc/motd": "new",
	})))
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := s.Extract(ctx, []digest.Digest{lower.ID, upper.ID}, dir); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	for name, want := range map[string]string{"etc/motd": "new", "etc/keep": "keep"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}
