// Package build executes Forgefiles against the layer store.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/forge/internal/archive"
	"github.com/joshrwolf/forge/internal/forgefile"
	"github.com/joshrwolf/forge/internal/resolve"
	"github.com/joshrwolf/forge/internal/runtime"
	"github.com/joshrwolf/forge/internal/store"
	"github.com/opencontainers/go-digest"
)

// Builder builds images from Forgefiles
type Builder struct {
	store    *store.Store
	resolver resolve.Resolver
	isolator runtime.Isolator

	runTimeout time.Duration
	limits     runtime.Limits
	tags       []string
	progress   Progress
	output     io.Writer
}

// Event describes one executed build step
type Event struct {
	Step        int
	Total       int
	Instruction forgefile.Instruction
	Layer       digest.Digest
	Cached      bool
}

// Progress receives an Event after every build step
type Progress func(Event)

// Option configures a Builder
type Option func(*Builder)

// WithRunTimeout bounds the execution of every RUN instruction.
func WithRunTimeout(d time.Duration) Option {
	return func(b *Builder) {
		b.runTimeout = d
	}
}

// WithLimits bounds the resources of RUN instructions.
func WithLimits(l runtime.Limits) Option {
	return func(b *Builder) {
		b.limits = l
	}
}

// WithTag tags the built image. It may be given more than once.
func WithTag(tag string) Option {
	return func(b *Builder) {
		if tag != "" {
			b.tags = append(b.tags, tag)
		}
	}
}

// WithProgress reports every step to fn.
func WithProgress(fn Progress) Option {
	return func(b *Builder) {
		b.progress = fn
	}
}

// WithOutput sends the output of RUN instructions to w.
func WithOutput(w io.Writer) Option {
	return func(b *Builder) {
		b.output = w
	}
}

// New creates a new Builder
func New(s *store.Store, resolver resolve.Resolver, isolator runtime.Isolator, opts ...Option) *Builder {
	b := &Builder{
		store:    s,
		resolver: resolver,
		isolator: isolator,
		output:   os.Stderr,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// state is what a build carries from one instruction to the next
type state struct {
	chain  digest.Digest
	layers []digest.Digest
	config store.ImageConfig

	// rootfs is the working filesystem, extracted on the first cache miss
	rootfs string
}

// Build executes ff and returns the resulting image. Instructions run
// strictly in order; each one either reuses a cached layer or materializes
// a new one on top of everything before it.
func (b *Builder) Build(ctx context.Context, ff *forgefile.Forgefile) (*store.Image, error) {
	log := clog.FromContext(ctx)

	from := ff.Base()
	base, err := b.resolver.Resolve(ctx, from.Ref)
	if err != nil {
		return nil, &BuildError{Kind: ErrBaseNotFound, Line: from.Line(), Instruction: from.String(), Err: err}
	}
	log.Info("resolved base image", "ref", from.Ref, "image", base.ID)

	st := &state{
		chain:  base.Top,
		layers: append([]digest.Digest(nil), base.Layers...),
		config: baseConfig(base.Config),
	}
	defer func() {
		if st.rootfs != "" {
			if err := os.RemoveAll(st.rootfs); err != nil {
				log.Warn("removing build filesystem", "path", st.rootfs, "error", err)
			}
		}
	}()

	steps := ff.Steps()
	for i, inst := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		layer, hit, err := b.step(ctx, ff, st, inst)
		if err != nil {
			return nil, err
		}

		st.chain = layer.ID
		if !layer.Empty {
			st.layers = append(st.layers, layer.ID)
		}
		st.config = applyConfig(st.config, inst)

		log.Info("step", "n", fmt.Sprintf("%d/%d", i+1, len(steps)), "instruction", inst, "layer", layer.ID.Encoded()[:12], "cached", hit)
		if b.progress != nil {
			b.progress(Event{Step: i + 1, Total: len(steps), Instruction: inst, Layer: layer.ID, Cached: hit})
		}
	}

	img := store.NewImage(st.chain, st.layers, st.config)
	if err := b.store.PutImage(img); err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}
	for _, tag := range b.tags {
		if err := b.store.Tag(ctx, tag, img.ID); err != nil {
			return nil, fmt.Errorf("tagging image: %w", err)
		}
		log.Info("tagged image", "tag", store.NormalizeTag(tag))
	}

	log.Info("built image", "image", img.ID, "layers", len(img.Layers))
	return img, nil
}

func (b *Builder) step(ctx context.Context, ff *forgefile.Forgefile, st *state, inst forgefile.Instruction) (*store.Layer, bool, error) {
	var input digest.Digest
	var materialize store.Materializer

	switch inst := inst.(type) {
	case forgefile.Run:
		materialize = func(ctx context.Context) (store.Delta, error) {
			return b.run(ctx, st, inst)
		}

	case forgefile.Copy:
		src, info, err := copySource(ff.ContextDir, inst.Src)
		if isNotExist(err) {
			return nil, false, &BuildError{Kind: ErrSourceNotFound, Line: inst.Line(), Instruction: inst.String(), Err: err}
		}
		if err != nil {
			return nil, false, fmt.Errorf("line %d: %w", inst.Line(), err)
		}
		if input, err = hashSource(ctx, src); err != nil {
			return nil, false, fmt.Errorf("line %d: %w", inst.Line(), err)
		}
		materialize = func(ctx context.Context) (store.Delta, error) {
			return b.copy(ctx, st, inst, src, info)
		}

	default:
		// Metadata only; the step exists to advance the chain
		materialize = func(context.Context) (store.Delta, error) {
			return nil, nil
		}
	}

	layer, hit, err := b.store.Put(ctx, st.chain, inst.Canonical(), input, materialize)
	if err != nil {
		return nil, false, err
	}

	// Keep an already extracted working filesystem in step with the chain
	if hit && st.rootfs != "" && !layer.Empty {
		if err := b.store.Extract(ctx, []digest.Digest{layer.ID}, st.rootfs); err != nil {
			return nil, false, err
		}
	}
	return layer, hit, nil
}

// workspace returns the working filesystem, extracting it on first use.
func (b *Builder) workspace(ctx context.Context, st *state) (string, error) {
	if st.rootfs != "" {
		return st.rootfs, nil
	}

	dir, err := b.store.TempDir("build-")
	if err != nil {
		return "", fmt.Errorf("creating build filesystem: %w", err)
	}
	st.rootfs = dir

	clog.FromContext(ctx).Debug("extracting build filesystem", "layers", len(st.layers), "path", dir)
	if err := b.store.Extract(ctx, st.layers, dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (b *Builder) run(ctx context.Context, st *state, inst forgefile.Run) (store.Delta, error) {
	rootfs, err := b.workspace(ctx, st)
	if err != nil {
		return nil, err
	}

	before, err := archive.Scan(rootfs)
	if err != nil {
		return nil, err
	}
	if err := runtime.PrepareWorkdir(rootfs, st.config.WorkingDir); err != nil {
		return nil, err
	}

	runCtx := ctx
	if b.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.runTimeout)
		defer cancel()
	}

	proc, err := b.isolator.Start(runCtx, runtime.Spec{
		Rootfs:  rootfs,
		Argv:    inst.Argv(),
		Workdir: st.config.WorkingDir,
		Env:     st.config.Env,
		Stdout:  b.output,
		Stderr:  b.output,
		Limits:  b.limits,
	})
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", inst.Line(), err)
	}
	code, err := proc.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &BuildError{Kind: ErrTimeout, Line: inst.Line(), Instruction: inst.String(), Err: fmt.Errorf("after %s", b.runTimeout)}
	case err != nil:
		return nil, fmt.Errorf("line %d: %w", inst.Line(), err)
	case code != 0:
		return nil, &BuildError{Kind: ErrInstructionFailed, Line: inst.Line(), Instruction: inst.String(), ExitCode: code}
	}

	after, err := archive.Scan(rootfs)
	if err != nil {
		return nil, err
	}
	changes := archive.Changes(before, after)
	clog.FromContext(ctx).Debug("run changed filesystem", "changes", len(changes))
	if len(changes) == 0 {
		return nil, nil
	}

	return func(w io.Writer) error {
		return archive.WriteChanges(w, rootfs, changes)
	}, nil
}

func (b *Builder) copy(ctx context.Context, st *state, inst forgefile.Copy, src string, info os.FileInfo) (store.Delta, error) {
	rootfs, err := b.workspace(ctx, st)
	if err != nil {
		return nil, err
	}

	// Relative destinations land in the workdir, which must exist for them
	if err := runtime.PrepareWorkdir(rootfs, st.config.WorkingDir); err != nil {
		return nil, err
	}

	dst := inst.Dst
	if !path.IsAbs(dst) {
		trailing := len(dst) > 0 && dst[len(dst)-1] == '/'
		dst = path.Join(st.config.WorkingDir, dst)
		if trailing {
			dst += "/"
		}
	}

	written, err := copyInto(rootfs, src, info, dst)
	if err != nil {
		return nil, fmt.Errorf("line %d: copying %s: %w", inst.Line(), inst.Src, err)
	}

	return func(w io.Writer) error {
		return archive.WriteEntries(w, rootfs, written)
	}, nil
}

// baseConfig fills in what every build starts from.
func baseConfig(cfg store.ImageConfig) store.ImageConfig {
	cfg.Env = append([]string(nil), cfg.Env...)
	cfg.Entrypoint = append([]string(nil), cfg.Entrypoint...)
	if len(cfg.Entrypoint) == 0 {
		cfg.Entrypoint = nil
	}
	if len(cfg.Env) == 0 {
		cfg.Env = nil
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/"
	}
	if _, ok := cfg.Getenv("PATH"); !ok {
		cfg = cfg.WithEnv("PATH", store.DefaultPath)
	}
	return cfg
}

// applyConfig records the metadata an instruction sets.
func applyConfig(cfg store.ImageConfig, inst forgefile.Instruction) store.ImageConfig {
	switch inst := inst.(type) {
	case forgefile.Workdir:
		dir := inst.Path
		if !path.IsAbs(dir) {
			dir = path.Join(cfg.WorkingDir, dir)
		}
		cfg.WorkingDir = path.Clean(dir)
	case forgefile.Entrypoint:
		cfg.Entrypoint = append([]string(nil), inst.Argv...)
	case forgefile.Env:
		cfg = cfg.WithEnv(inst.Key, inst.Value)
	}
	return cfg
}
