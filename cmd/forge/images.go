package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/joshrwolf/forge/internal/oci"
	"github.com/joshrwolf/forge/internal/resolve"
	"github.com/joshrwolf/forge/internal/store"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
)

// newTable renders rows as borderless, space separated columns
func newTable(headers ...string) *table.Table {
	cell := lipgloss.NewStyle().PaddingRight(3)
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, col int) lipgloss.Style { return cell }).
		Headers(headers...)
}

func shortID(d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func (o *options) imagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List tagged images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			tags, err := e.store.Tags(ctx)
			if err != nil {
				return err
			}

			t := newTable("TAG", "IMAGE ID", "LAYERS", "UPDATED")
			for _, tag := range tags {
				layers := "?"
				if img, err := e.store.GetImage(tag.Image); err == nil {
					layers = fmt.Sprint(len(img.Layers))
				}
				t.Row(tag.Name, shortID(tag.Image), layers, since(tag.Updated))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

func (o *options) psCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List recent container runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			recs, err := e.store.Containers(ctx, limit)
			if err != nil {
				return err
			}

			t := newTable("CONTAINER ID", "IMAGE", "COMMAND", "STARTED", "STATUS")
			for _, rec := range recs {
				t.Row(rec.ID[:min(12, len(rec.ID))], shortID(rec.Image), strings.Join(rec.Argv, " "), since(rec.Started), containerStatus(rec))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "last", "n", 20, "show the n most recent runs (0 for all)")
	return cmd
}

func containerStatus(rec store.ContainerRecord) string {
	switch {
	case rec.Finished.IsZero():
		return "running"
	case rec.ExitCode == nil:
		return "failed to start"
	}
	return fmt.Sprintf("exited (%d)", *rec.ExitCode)
}

func (o *options) tagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag IMAGE NAME",
		Short: "Point a tag at an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			img, err := resolve.NewLocal(e.store).Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return e.store.Tag(ctx, args[1], img.ID)
		},
	}
}

func (o *options) importCmd() *cobra.Command {
	var (
		tag        string
		workdir    string
		entrypoint string
		env        []string
	)

	cmd := &cobra.Command{
		Use:   "import FILE|-",
		Short: "Import a root filesystem tarball as a base image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening rootfs: %w", err)
				}
				defer f.Close()
				r = f
			}

			cfg := store.ImageConfig{WorkingDir: workdir, Env: env}
			if entrypoint != "" {
				if err := json.Unmarshal([]byte(entrypoint), &cfg.Entrypoint); err != nil {
					cfg.Entrypoint = []string{"/bin/sh", "-c", entrypoint}
				}
			}

			img, err := e.store.ImportRootfs(ctx, r, cfg)
			if err != nil {
				return err
			}
			if tag != "" {
				if err := e.store.Tag(ctx, tag, img.ID); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), img.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "tag the imported image")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory of the image")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "entrypoint, as a JSON array or a shell command")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "environment variable (KEY=VALUE, repeatable)")
	return cmd
}

func (o *options) pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull REF",
		Short: "Pull a base image from a registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			img, err := e.registry().Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), img.ID)
			return nil
		},
	}
}

func (o *options) saveCmd() *cobra.Command {
	var (
		output string
		tag    string
	)

	cmd := &cobra.Command{
		Use:   "save IMAGE",
		Short: "Write an image to a docker-loadable tarball",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			img, err := resolve.NewLocal(e.store).Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if tag == "" {
				tag = saveTag(args[0], img)
			}
			return oci.Save(ctx, e.store, img, tag, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "image.tar", "output tarball")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "tag recorded in the tarball (default: IMAGE when it is a tag)")
	return cmd
}

// saveTag names a saved image after the reference it was saved by, unless
// that reference is a bare image ID.
func saveTag(ref string, img *store.Image) string {
	if strings.HasPrefix(ref, string(digest.Canonical)+":") || ref == resolve.ScratchRef {
		return "forge.local/image:" + shortID(img.ID)
	}
	return store.NormalizeTag(ref)
}
