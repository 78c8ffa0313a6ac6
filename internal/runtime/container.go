package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/joshrwolf/forge/internal/store"
)

// Runtime runs images from a store through an Isolator
type Runtime struct {
	store    *store.Store
	isolator Isolator
	limits   Limits
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLimits bounds every container the runtime starts.
func WithLimits(l Limits) Option {
	return func(r *Runtime) {
		r.limits = l
	}
}

// New creates a runtime. The store is only read.
func New(s *store.Store, isolator Isolator, opts ...Option) *Runtime {
	r := &Runtime{store: s, isolator: isolator}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOptions configures a single container run
type RunOptions struct {
	// Args replaces the image entrypoint when set
	Args []string

	// Env holds KEY=VALUE pairs layered over the image environment
	Env []string

	// Stdin/stdout/stderr (optional, defaults to os.Std*)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Keep leaves the container filesystem in place after exit
	Keep bool
}

// Run starts a container from img, waits for it and returns its exit code.
// Each run gets a private copy of the image filesystem that is discarded on
// exit unless opts.Keep is set.
func (r *Runtime) Run(ctx context.Context, img *store.Image, opts RunOptions) (int, error) {
	argv := opts.Args
	if len(argv) == 0 {
		argv = img.Config.Entrypoint
	}
	if len(argv) == 0 {
		return -1, &RuntimeError{Kind: ErrNoEntrypoint, Err: fmt.Errorf("image %s", img.ID)}
	}

	id := uuid.NewString()
	log := clog.FromContext(ctx).With("container", id[:12])
	ctx = clog.WithLogger(ctx, log)

	dir := r.store.ContainerDir(id)
	rootfs := filepath.Join(dir, "rootfs")
	if !opts.Keep {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn("removing container filesystem", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return -1, &RuntimeError{Kind: ErrIsolationSetupFailed, Container: id, Err: err}
	}
	if err := r.store.Extract(ctx, img.Layers, rootfs); err != nil {
		return -1, &RuntimeError{Kind: ErrIsolationSetupFailed, Container: id, Err: err}
	}

	workdir := img.Config.WorkingDir
	if workdir == "" {
		workdir = "/"
	}
	if err := PrepareWorkdir(rootfs, workdir); err != nil {
		return -1, &RuntimeError{Kind: ErrIsolationSetupFailed, Container: id, Err: err}
	}

	cfg := img.Config
	for _, kv := range opts.Env {
		k, v, _ := strings.Cut(kv, "=")
		cfg = cfg.WithEnv(k, v)
	}

	spec := Spec{
		Rootfs:  rootfs,
		Argv:    argv,
		Workdir: workdir,
		Env:     cfg.Env,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Limits:  r.limits,
	}
	if opts.Stdin != nil {
		spec.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		spec.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		spec.Stderr = opts.Stderr
	}

	if err := r.store.RecordContainer(ctx, store.ContainerRecord{
		ID:      id,
		Image:   img.ID,
		Argv:    argv,
		Started: time.Now(),
	}); err != nil {
		return -1, err
	}

	log.Info("starting container", "image", img.ID, "argv", argv, "isolation", r.isolator.String())
	proc, err := r.isolator.Start(ctx, spec)
	if err != nil {
		r.finish(ctx, id, nil)
		var rerr *RuntimeError
		if errors.As(err, &rerr) {
			rerr.Container = id
			return -1, rerr
		}
		return -1, &RuntimeError{Kind: ErrIsolationSetupFailed, Container: id, Err: err}
	}

	// The process ran, so a failure here is not a setup failure
	code, err := proc.Wait()
	if err != nil {
		r.finish(ctx, id, nil)
		return -1, fmt.Errorf("waiting for container %s: %w", id, err)
	}

	r.finish(ctx, id, &code)
	log.Info("container exited", "code", code)
	return code, nil
}

// finish records the exit even when ctx is already cancelled.
func (r *Runtime) finish(ctx context.Context, id string, code *int) {
	if err := r.store.FinishContainer(context.WithoutCancel(ctx), id, code, time.Now()); err != nil {
		clog.FromContext(ctx).Warn("recording container exit", "error", err)
	}
}

// PrepareWorkdir creates workdir inside rootfs without escaping it.
func PrepareWorkdir(rootfs, workdir string) error {
	full, err := securejoin.SecureJoin(rootfs, workdir)
	if err != nil {
		return fmt.Errorf("resolving workdir %s: %w", workdir, err)
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("creating workdir %s: %w", workdir, err)
	}
	return nil
}
