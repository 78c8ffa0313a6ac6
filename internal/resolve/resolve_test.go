package resolve

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/joshrwolf/forge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func importBase(t *testing.T, s *store.Store) *store.Image {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "etc/", Mode: 0o755, Typeflag: tar.TypeDir})
	tw.Close()

	img, err := s.ImportRootfs(context.Background(), &buf, store.ImageConfig{})
	if err != nil {
		t.Fatalf("ImportRootfs() error = %v", err)
	}
	return img
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := importBase(t, s)
	if err := s.Tag(ctx, "base", base.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		ref     string
		want    *store.Image
		wantErr error
	}{
		{name: "tag", ref: "base", want: base},
		{name: "explicit latest", ref: "base:latest", want: base},
		{name: "image id", ref: base.ID.String(), want: base},
		{name: "scratch", ref: ScratchRef, want: Scratch()},
		{name: "unknown tag", ref: "missing:1", wantErr: ErrNotFound},
		{name: "unknown id", ref: "sha256:" + string(bytes.Repeat([]byte("0"), 64)), wantErr: ErrNotFound},
	}

	r := NewLocal(s)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.ID != tt.want.ID {
				t.Errorf("Resolve() = %s, want %s", got.ID, tt.want.ID)
			}
		})
	}
}

type fakeResolver struct {
	img   *store.Image
	err   error
	calls int
}

func (f *fakeResolver) Resolve(context.Context, string) (*store.Image, error) {
	f.calls++
	return f.img, f.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	img := Scratch()

	t.Run("falls through not found", func(t *testing.T) {
		miss := &fakeResolver{err: ErrNotFound}
		hit := &fakeResolver{img: img}
		got, err := Chain{miss, hit}.Resolve(ctx, "x")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != img || miss.calls != 1 || hit.calls != 1 {
			t.Errorf("unexpected resolution: got=%v miss=%d hit=%d", got, miss.calls, hit.calls)
		}
	})

	t.Run("stops on other errors", func(t *testing.T) {
		boom := errors.New("registry down")
		failing := &fakeResolver{err: boom}
		next := &fakeResolver{img: img}
		if _, err := (Chain{failing, next}).Resolve(ctx, "x"); !errors.Is(err, boom) {
			t.Errorf("Resolve() error = %v, want %v", err, boom)
		}
		if next.calls != 0 {
			t.Error("chain continued after a hard error")
		}
	})

	t.Run("all miss", func(t *testing.T) {
		if _, err := (Chain{&fakeResolver{err: ErrNotFound}}).Resolve(ctx, "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve() error = %v, want ErrNotFound", err)
		}
	})
}

func TestConfigFrom(t *testing.T) {
	cf := &v1.ConfigFile{Config: v1.Config{
		WorkingDir: "/srv",
		Entrypoint: []string{"/bin/tini", "--"},
		Cmd:        []string{"app"},
		Env:        []string{"PATH=/bin"},
	}}
	want := store.ImageConfig{
		WorkingDir: "/srv",
		Entrypoint: []string{"/bin/tini", "--", "app"},
		Env:        []string{"PATH=/bin"},
	}
	if diff := cmp.Diff(want, configFrom(cf)); diff != "" {
		t.Errorf("configFrom() mismatch (-want +got):\n%s", diff)
	}
}
