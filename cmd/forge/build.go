package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/forge/internal/build"
	"github.com/joshrwolf/forge/internal/forgefile"
	"github.com/joshrwolf/forge/internal/runtime"
	"github.com/spf13/cobra"
)

type buildOptions struct {
	file       string
	contextDir string
	tags       []string
	runTimeout time.Duration
	run        bool
	keep       bool
}

func (o *options) buildCmd() *cobra.Command {
	bo := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build [flags] [-- container args]",
		Short: "Build an image from a Forgefile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !bo.run && len(args) > 0 {
				return fmt.Errorf("unexpected arguments %v (container arguments need --run)", args)
			}
			return o.build(cmd, bo, args)
		},
	}

	cmd.Flags().StringVarP(&bo.file, "file", "f", "Forgefile", "path to the Forgefile")
	cmd.Flags().StringVar(&bo.contextDir, "context", "", "build context directory (default: the Forgefile's directory)")
	cmd.Flags().StringArrayVarP(&bo.tags, "tag", "t", nil, "tag the image (repeatable)")
	cmd.Flags().DurationVar(&bo.runTimeout, "run-timeout", 0, "time limit for each RUN instruction (default from config)")
	cmd.Flags().BoolVar(&bo.run, "run", false, "run the image after building it")
	cmd.Flags().BoolVar(&bo.keep, "keep", false, "keep the container filesystem after --run")
	return cmd
}

func (o *options) build(cmd *cobra.Command, bo *buildOptions, args []string) error {
	ctx := cmd.Context()
	log := clog.FromContext(ctx)

	// Parse errors must surface before the store is touched
	ff, err := forgefile.ParseFile(bo.file)
	if err != nil {
		return err
	}
	if bo.contextDir != "" {
		if ff.ContextDir, err = filepath.Abs(bo.contextDir); err != nil {
			return fmt.Errorf("resolving context: %w", err)
		}
	}
	header, err := readHeader(bo.file)
	if err != nil {
		return err
	}

	e, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	// Settings embedded in the Forgefile come before config defaults and
	// after explicit flags
	tags := bo.tags
	timeout := e.cfg.RunTimeout
	if header.Options != nil {
		tags = append(tags, header.Options.Tags...)
		if header.Options.RunTimeout > 0 {
			timeout = header.Options.RunTimeout
		}
	}
	if cmd.Flags().Changed("run-timeout") {
		timeout = bo.runTimeout
	}

	iso := e.isolator(ctx)
	bopts := []build.Option{
		build.WithRunTimeout(timeout),
		build.WithLimits(e.cfg.ResourceLimits()),
		build.WithOutput(cmd.ErrOrStderr()),
		build.WithProgress(func(ev build.Event) {
			cached := ""
			if ev.Cached {
				cached = " (cached)"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Step %d/%d : %s%s\n", ev.Step, ev.Total, ev.Instruction, cached)
		}),
	}
	for _, tag := range tags {
		bopts = append(bopts, build.WithTag(tag))
	}

	log.Info("building", "forgefile", bo.file, "context", ff.ContextDir, "isolation", iso.String())
	img, err := build.New(e.store, e.resolver(), iso, bopts...).Build(ctx, ff)
	if err != nil {
		return err
	}

	if !bo.run {
		fmt.Fprintln(cmd.OutOrStdout(), img.ID)
		return nil
	}

	code, err := runtime.New(e.store, iso, runtime.WithLimits(e.cfg.ResourceLimits())).Run(ctx, img, runtime.RunOptions{
		Args:   args,
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		Keep:   bo.keep,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitStatus{code: code}
	}
	return nil
}

func readHeader(path string) (*forgefile.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening forgefile: %w", err)
	}
	defer f.Close()
	return forgefile.ParseHeader(f)
}
