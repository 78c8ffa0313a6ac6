package oci

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/joshrwolf/forge/internal/store"
)

func TestSave(t *testing.T) {
	ctx := context.Background()

	s, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := "#!/bin/sh\n"
	tw.WriteHeader(&tar.Header{Name: "bin/app", Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg})
	tw.Write([]byte(content))
	tw.Close()

	img, err := s.ImportRootfs(ctx, &buf, store.ImageConfig{
		WorkingDir: "/srv",
		Entrypoint: []string{"/bin/app"},
	})
	if err != nil {
		t.Fatalf("ImportRootfs() error = %v", err)
	}

	// Create output path
	path := filepath.Join(t.TempDir(), "image.tar")
	if err := Save(ctx, s, img, "forge-test:latest", path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	tag, err := name.NewTag("forge-test:latest")
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := tarball.ImageFromPath(path, &tag)
	if err != nil {
		t.Fatalf("ImageFromPath() error = %v", err)
	}

	cf, err := loaded.ConfigFile()
	if err != nil {
		t.Fatal(err)
	}
	if cf.Config.WorkingDir != "/srv" {
		t.Errorf("WorkingDir = %q, want /srv", cf.Config.WorkingDir)
	}
	if diff := cmp.Diff([]string{"/bin/app"}, cf.Config.Entrypoint); diff != "" {
		t.Errorf("entrypoint mismatch (-want +got):\n%s", diff)
	}

	// Diff IDs match what the store recorded for each layer
	if len(cf.RootFS.DiffIDs) != len(img.Layers) {
		t.Fatalf("tarball has %d layers, want %d", len(cf.RootFS.DiffIDs), len(img.Layers))
	}
	for i, id := range img.Layers {
		l, err := s.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if got := cf.RootFS.DiffIDs[i].String(); got != l.DiffID.String() {
			t.Errorf("layer %d diff id = %s, want %s", i, got, l.DiffID)
		}
	}
}
