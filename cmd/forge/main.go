package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/google/shlex"
	"github.com/joshrwolf/forge/internal/build"
	"github.com/joshrwolf/forge/internal/config"
	"github.com/joshrwolf/forge/internal/forgefile"
	"github.com/joshrwolf/forge/internal/resolve"
	"github.com/joshrwolf/forge/internal/runtime"
	"github.com/joshrwolf/forge/internal/runtime/docker"
	"github.com/joshrwolf/forge/internal/runtime/native"
	"github.com/joshrwolf/forge/internal/store"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Process exit codes for each error kind
const (
	exitFailure = 1
	exitParse   = 2
	exitBuild   = 3
	exitRuntime = 4
)

type options struct {
	logLevel slag.Level

	configPath string
	storeDir   string
	isolation  string
}

// setupLogging configures logging for the command
func (o *options) setupLogging(ctx context.Context) context.Context {
	lopts := charmlog.Options{
		Level:           charmlog.Level(o.logLevel),
		ReportTimestamp: true,
	}
	// Machine-readable logs when nobody is watching
	if fd := os.Stderr.Fd(); !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		lopts.Formatter = charmlog.JSONFormatter
	}
	l := charmlog.NewWithOptions(os.Stderr, lopts)
	ctx = clog.WithLogger(ctx, clog.New(l))
	slog.SetDefault(slog.New(l))
	return ctx
}

// exitStatus carries a container's exit code out of a command
type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := run(ctx)
	cancel()
	if err == nil {
		return
	}

	var status *exitStatus
	if !errors.As(err, &status) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var (
		status *exitStatus
		perr   *forgefile.ParseError
		berr   *build.BuildError
		rerr   *runtime.RuntimeError
	)
	switch {
	case err == nil:
		return 0
	case errors.As(err, &status):
		return status.code
	case errors.As(err, &perr):
		return exitParse
	case errors.As(err, &berr):
		return exitBuild
	case errors.As(err, &rerr):
		return exitRuntime
	}
	return exitFailure
}

func run(ctx context.Context) error {
	rootCmd := newRootCmd(ctx)

	// Merge shebang args if we're executing a Forgefile
	merged, err := mergeShebangArgs(rootCmd, os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse shebang args: %w", err)
	}
	if merged != nil {
		rootCmd.SetArgs(merged)
	}

	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd(ctx context.Context) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "forge",
		Short:         "Build container images from Forgefiles and run them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx = opts.setupLogging(ctx)
			cmd.SetContext(ctx)
			return nil
		},
	}

	// Define flags
	rootCmd.PersistentFlags().Var(&opts.logLevel, "log-level", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&opts.storeDir, "store", "", "store directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.isolation, "isolation", "", "isolation backend: native or docker (overrides config)")

	rootCmd.AddCommand(
		opts.buildCmd(),
		opts.runCmd(),
		opts.imagesCmd(),
		opts.psCmd(),
		opts.tagCmd(),
		opts.importCmd(),
		opts.pullCmd(),
		opts.saveCmd(),
	)
	return rootCmd
}

// engine bundles what every command needs
type engine struct {
	cfg   *config.Config
	store *store.Store
}

func (o *options) open(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.storeDir != "" {
		cfg.StoreDir = o.storeDir
	}
	if o.isolation != "" {
		cfg.Isolation = o.isolation
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := store.Open(ctx, cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return &engine{cfg: cfg, store: s}, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}

// isolator returns the configured backend
func (e *engine) isolator(ctx context.Context) runtime.Isolator {
	var iso runtime.Isolator
	switch e.cfg.Isolation {
	case config.IsolationDocker:
		iso = docker.New()
	default:
		iso = native.New()
	}
	if !iso.Available(ctx) {
		clog.FromContext(ctx).Warn("isolation backend is not available, RUN and run will fail", "isolation", iso.String())
	}
	return iso
}

// resolver looks locally first and falls back to the registry
func (e *engine) resolver() resolve.Resolver {
	local := resolve.NewLocal(e.store)
	if e.cfg.Registry.Offline {
		return local
	}
	return resolve.Chain{local, e.registry()}
}

func (e *engine) registry() *resolve.Registry {
	ropts := []resolve.RegistryOption{resolve.WithDefaultRegistry(e.cfg.Registry.Default)}
	if e.cfg.Registry.Insecure {
		ropts = append(ropts, resolve.WithInsecure())
	}
	return resolve.NewRegistry(e.store, ropts...)
}

// mergeShebangArgs turns "forge ./Forgefile args..." into a build-and-run
// invocation, adding any #!forge arguments from the file's header. It returns
// nil when args are a regular command line.
func mergeShebangArgs(cmd *cobra.Command, args []string) ([]string, error) {
	// Check if first arg looks like a Forgefile path
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return nil, nil
	}
	if sub, _, err := cmd.Find(args); err == nil && sub != cmd {
		return nil, nil
	}

	path := args[0]
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, nil // Not a file
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening forgefile: %w", err)
	}
	defer f.Close()

	header, err := forgefile.ParseHeader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing forgefile header: %w", err)
	}

	// Build merged args: build flags + shebang flags + container args
	merged := []string{"build", "--file", path, "--run"}
	for _, arg := range header.ShebangArgs {
		fields, err := shlex.Split(arg)
		if err != nil {
			return nil, fmt.Errorf("splitting %q: %w", arg, err)
		}
		merged = append(merged, fields...)
	}
	merged = append(merged, "--")
	merged = append(merged, args[1:]...)
	return merged, nil
}
