package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joshrwolf/forge/internal/build"
	"github.com/joshrwolf/forge/internal/forgefile"
	"github.com/joshrwolf/forge/internal/runtime"
	"github.com/joshrwolf/forge/internal/store"
	"github.com/opencontainers/go-digest"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "container exit", err: &exitStatus{code: 7}, want: 7},
		{name: "parse", err: &forgefile.ParseError{Kind: forgefile.ErrMissingBase}, want: exitParse},
		{name: "wrapped parse", err: fmt.Errorf("loading: %w", &forgefile.ParseError{Kind: forgefile.ErrMalformed, Line: 3}), want: exitParse},
		{name: "build", err: &build.BuildError{Kind: build.ErrInstructionFailed, Line: 2, ExitCode: 1}, want: exitBuild},
		{name: "runtime", err: &runtime.RuntimeError{Kind: runtime.ErrNoEntrypoint}, want: exitRuntime},
		{name: "other", err: errors.New("boom"), want: exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMergeShebangArgs(t *testing.T) {
	dir := t.TempDir()

	withArgs := filepath.Join(dir, "app.forge")
	if err := os.WriteFile(withArgs, []byte("#!/usr/bin/env forge\n#!forge --keep --run-timeout '5m'\nFROM scratch\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "Forgefile")
	if err := os.WriteFile(plain, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "no args",
			args: nil,
			want: nil,
		},
		{
			name: "subcommand",
			args: []string{"images"},
			want: nil,
		},
		{
			name: "flag first",
			args: []string{"--log-level", "debug", "images"},
			want: nil,
		},
		{
			name: "missing file",
			args: []string{filepath.Join(dir, "nope")},
			want: nil,
		},
		{
			name: "directory",
			args: []string{dir},
			want: nil,
		},
		{
			name: "header args",
			args: []string{withArgs, "hello", "--flag"},
			want: []string{"build", "--file", withArgs, "--run", "--keep", "--run-timeout", "5m", "--", "hello", "--flag"},
		},
		{
			name: "no header",
			args: []string{plain},
			want: []string{"build", "--file", plain, "--run", "--"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeShebangArgs(newRootCmd(context.Background()), tt.args)
			if err != nil {
				t.Fatalf("mergeShebangArgs() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mergeShebangArgs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContainerStatus(t *testing.T) {
	code := 3
	zero := 0
	tests := []struct {
		name string
		rec  store.ContainerRecord
		want string
	}{
		{name: "running", rec: store.ContainerRecord{}, want: "running"},
		{name: "failed to start", rec: store.ContainerRecord{Finished: time.Now()}, want: "failed to start"},
		{name: "exited", rec: store.ContainerRecord{Finished: time.Now(), ExitCode: &code}, want: "exited (3)"},
		{name: "exited cleanly", rec: store.ContainerRecord{Finished: time.Now(), ExitCode: &zero}, want: "exited (0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containerStatus(tt.rec); got != tt.want {
				t.Errorf("containerStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSaveTag(t *testing.T) {
	img := &store.Image{ID: digest.FromString("image")}
	short := img.ID.Encoded()[:12]

	tests := []struct {
		ref  string
		want string
	}{
		{ref: "app", want: "app:latest"},
		{ref: "registry.local:5000/app:v1", want: "registry.local:5000/app:v1"},
		{ref: img.ID.String(), want: "forge.local/image:" + short},
		{ref: "scratch", want: "forge.local/image:" + short},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			if got := saveTag(tt.ref, img); got != tt.want {
				t.Errorf("saveTag() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildParseErrorLeavesStoreUntouched(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "Forgefile")
	if err := os.WriteFile(file, []byte("RUN echo hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	storeDir := filepath.Join(dir, "store")

	cmd := newRootCmd(context.Background())
	cmd.SetArgs([]string{"build", "--file", file, "--store", storeDir, "--config", ""})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	if !errors.Is(err, forgefile.ErrMissingBase) {
		t.Fatalf("Execute() error = %v, want %v", err, forgefile.ErrMissingBase)
	}
	if got := exitCode(err); got != exitParse {
		t.Errorf("exitCode() = %d, want %d", got, exitParse)
	}
	if _, err := os.Stat(storeDir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("store directory created before parsing: %v", err)
	}
}
