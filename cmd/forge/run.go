package main

import (
	"fmt"

	"github.com/joshrwolf/forge/internal/runtime"
	"github.com/spf13/cobra"
)

type runOptions struct {
	env  []string
	keep bool
}

func (o *options) runCmd() *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] IMAGE [ARG...]",
		Short: "Run an image as an isolated process",
		Long:  "Run an image as an isolated process. Arguments after IMAGE replace the image entrypoint. The exit code of the container becomes the exit code of forge.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, ro, args[0], args[1:])
		},
	}
	// Everything after IMAGE belongs to the container
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().StringArrayVarP(&ro.env, "env", "e", nil, "set an environment variable (KEY=VALUE, repeatable)")
	cmd.Flags().BoolVar(&ro.keep, "keep", false, "keep the container filesystem after exit")
	return cmd
}

func (o *options) run(cmd *cobra.Command, ro *runOptions, ref string, args []string) error {
	ctx := cmd.Context()

	e, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	img, err := e.resolver().Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", ref, err)
	}

	rt := runtime.New(e.store, e.isolator(ctx), runtime.WithLimits(e.cfg.ResourceLimits()))
	code, err := rt.Run(ctx, img, runtime.RunOptions{
		Args:   args,
		Env:    ro.env,
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		Keep:   ro.keep,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitStatus{code: code}
	}
	return nil
}
