package runtime_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/joshrwolf/forge/internal/runtime"
	"github.com/joshrwolf/forge/internal/runtime/runtimetest"
	"github.com/joshrwolf/forge/internal/store"
)

func setup(t *testing.T) (*store.Store, *store.Image) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	msg := "hello from the image\n"
	tw.WriteHeader(&tar.Header{Name: "etc/", Mode: 0o755, Typeflag: tar.TypeDir})
	tw.WriteHeader(&tar.Header{Name: "etc/motd", Mode: 0o644, Size: int64(len(msg)), Typeflag: tar.TypeReg})
	tw.Write([]byte(msg))
	tw.Close()

	img, err := s.ImportRootfs(ctx, &buf, store.ImageConfig{
		WorkingDir: "/srv",
		Entrypoint: []string{"/bin/sh", "-c", "cat /etc/motd && exit 7"},
	})
	if err != nil {
		t.Fatalf("ImportRootfs() error = %v", err)
	}
	return s, img
}

func TestRunEntrypoint(t *testing.T) {
	ctx := context.Background()
	s, img := setup(t)
	fake := &runtimetest.Fake{}
	rt := runtime.New(s, fake)

	var stdout bytes.Buffer
	code, err := rt.Run(ctx, img, runtime.RunOptions{Stdout: &stdout})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 7 {
		t.Errorf("Run() exit code = %d, want 7", code)
	}
	if got := stdout.String(); got != "hello from the image\n" {
		t.Errorf("stdout = %q", got)
	}

	spec := fake.Specs()[0]
	if spec.Workdir != "/srv" {
		t.Errorf("Workdir = %q, want /srv", spec.Workdir)
	}

	// The container filesystem is gone after exit
	if _, err := os.Stat(spec.Rootfs); !os.IsNotExist(err) {
		t.Errorf("container rootfs still present: %v", err)
	}

	recs, err := s.Containers(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ExitCode == nil || *recs[0].ExitCode != 7 {
		t.Errorf("unexpected history %+v", recs)
	}
}

func TestRunArgsOverride(t *testing.T) {
	ctx := context.Background()
	s, img := setup(t)
	rt := runtime.New(s, &runtimetest.Fake{})

	code, err := rt.Run(ctx, img, runtime.RunOptions{Args: []string{"exit", "42"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 42 {
		t.Errorf("Run() exit code = %d, want 42", code)
	}
}

func TestRunNoEntrypoint(t *testing.T) {
	ctx := context.Background()
	s, img := setup(t)
	fake := &runtimetest.Fake{}
	rt := runtime.New(s, fake)

	bare := store.NewImage(img.Top, img.Layers, store.ImageConfig{WorkingDir: "/"})

	_, err := rt.Run(ctx, bare, runtime.RunOptions{})
	if !errors.Is(err, runtime.ErrNoEntrypoint) {
		t.Fatalf("Run() error = %v, want ErrNoEntrypoint", err)
	}
	if fake.Runs() != 0 {
		t.Error("a process was started without a command")
	}

	// An explicit command makes the same image runnable
	code, err := rt.Run(ctx, bare, runtime.RunOptions{Args: []string{"exit", "3"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 3 {
		t.Errorf("Run() exit code = %d, want 3", code)
	}
}

func TestRunEnvAndKeep(t *testing.T) {
	ctx := context.Background()
	s, img := setup(t)
	fake := &runtimetest.Fake{}
	rt := runtime.New(s, fake, runtime.WithLimits(runtime.DefaultLimits))

	var stdout bytes.Buffer
	_, err := rt.Run(ctx, img, runtime.RunOptions{
		Args:   []string{"env"},
		Env:    []string{"GREETING=hi"},
		Stdout: &stdout,
		Keep:   true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !strings.Contains(stdout.String(), "GREETING=hi\n") {
		t.Errorf("env missing GREETING: %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "PATH="+store.DefaultPath) {
		t.Errorf("env missing image PATH: %q", stdout.String())
	}

	spec := fake.Specs()[0]
	if spec.Limits != runtime.DefaultLimits {
		t.Errorf("Limits = %+v, want %+v", spec.Limits, runtime.DefaultLimits)
	}
	if _, err := os.Stat(spec.Rootfs + "/etc/motd"); err != nil {
		t.Errorf("kept container is missing its filesystem: %v", err)
	}
}

func TestRunSetupFailure(t *testing.T) {
	ctx := context.Background()
	s, img := setup(t)
	rt := runtime.New(s, &runtimetest.Fake{StartErr: errors.New("no namespaces")})

	_, err := rt.Run(ctx, img, runtime.RunOptions{})
	if !errors.Is(err, runtime.ErrIsolationSetupFailed) {
		t.Fatalf("Run() error = %v, want ErrIsolationSetupFailed", err)
	}
	var rerr *runtime.RuntimeError
	if !errors.As(err, &rerr) || rerr.Container == "" {
		t.Errorf("error does not name the container: %v", err)
	}
}

func TestRunWaitFailureIsNotSetupFailure(t *testing.T) {
	ctx := context.Background()
	s, img := setup(t)
	waitErr := errors.New("lost track of process")
	rt := runtime.New(s, &runtimetest.Fake{WaitErr: waitErr})

	_, err := rt.Run(ctx, img, runtime.RunOptions{Stdout: io.Discard})
	if !errors.Is(err, waitErr) {
		t.Fatalf("Run() error = %v, want %v", err, waitErr)
	}
	if errors.Is(err, runtime.ErrIsolationSetupFailed) {
		t.Errorf("Run() error = %v, a failed Wait is not a setup failure", err)
	}
	var rerr *runtime.RuntimeError
	if errors.As(err, &rerr) {
		t.Errorf("Run() error = %v, want a plain wrapped error", err)
	}

	recs, err := s.Containers(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Finished.IsZero() || recs[0].ExitCode != nil {
		t.Errorf("history = %+v, want one finished run without exit code", recs)
	}
}

func TestRunConcurrentContainersAreIndependent(t *testing.T) {
	ctx := context.Background()
	s, img := setup(t)
	fake := &runtimetest.Fake{}
	rt := runtime.New(s, fake)

	const n = 4
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each container deletes the file only from its own copy
			codes[i], _ = rt.Run(ctx, img, runtime.RunOptions{
				Args: []string{"/bin/sh", "-c", "cat /etc/motd && rm /etc/motd"},
			})
		}()
	}
	wg.Wait()

	for i, code := range codes {
		if code != 0 {
			t.Errorf("container %d exited %d", i, code)
		}
	}

	roots := map[string]bool{}
	for _, spec := range fake.Specs() {
		roots[spec.Rootfs] = true
	}
	if len(roots) != n {
		t.Errorf("%d distinct root filesystems, want %d", len(roots), n)
	}
}

func TestExitStatus(t *testing.T) {
	if code, err := runtime.ExitStatus(nil); code != 0 || err != nil {
		t.Errorf("ExitStatus(nil) = %d, %v", code, err)
	}
	boom := errors.New("boom")
	if _, err := runtime.ExitStatus(boom); !errors.Is(err, boom) {
		t.Errorf("ExitStatus() error = %v, want %v", err, boom)
	}
}
