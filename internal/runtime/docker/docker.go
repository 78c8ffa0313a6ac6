package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/joshrwolf/forge/internal/archive"
	"github.com/joshrwolf/forge/internal/runtime"
)

// Docker runtime implementation
type Docker struct {
	// Path to docker binary (default: "docker")
	dockerPath string
}

// New creates a new Docker runtime
func New() *Docker {
	return &Docker{
		dockerPath: "docker",
	}
}

// Start implements runtime.Isolator. The rootfs is imported as a throwaway
// docker image that is removed once the container exits.
func (d *Docker) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	log := clog.FromContext(ctx)

	// Import the rootfs as an image
	imageID, err := d.importRootfs(ctx, spec.Rootfs)
	if err != nil {
		return nil, runtime.SetupError(fmt.Errorf("importing rootfs: %w", err))
	}
	log.Debug("imported rootfs", "id", imageID)

	// Build docker run command
	args := d.buildRunArgs(spec, imageID)

	// Create the command
	cmd := exec.CommandContext(ctx, d.dockerPath, args...)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	// Run the container
	log.Debug("running container", "args", args)
	if err := cmd.Start(); err != nil {
		d.removeImage(ctx, imageID)
		return nil, runtime.SetupError(fmt.Errorf("docker run: %w", err))
	}
	return &process{d: d, ctx: ctx, cmd: cmd, imageID: imageID}, nil
}

type process struct {
	d       *Docker
	ctx     context.Context
	cmd     *exec.Cmd
	imageID string
}

func (p *process) Wait() (int, error) {
	err := p.cmd.Wait()
	p.d.removeImage(p.ctx, p.imageID)
	return runtime.ExitStatus(err)
}

// importRootfs streams the rootfs into docker import and returns the image ID
func (d *Docker) importRootfs(ctx context.Context, rootfs string) (string, error) {
	log := clog.FromContext(ctx)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.WriteDir(pw, rootfs))
	}()
	defer pr.Close()

	// docker import - (tar on stdin)
	cmd := exec.CommandContext(ctx, d.dockerPath, "import", "-")
	cmd.Stdin = pr
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("docker import failed: %w, output: %s", err, stderr.String())
	}

	// Output format: "sha256:<hex>"
	outputStr := string(output)
	log.Debug("docker import output", "output", outputStr)
	return parseImportOutput(outputStr)
}

func parseImportOutput(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "sha256:") {
			return line, nil
		}
	}
	return "", fmt.Errorf("could not parse image id from docker import output: %s", out)
}

// removeImage deletes the throwaway image, even if ctx is already cancelled
func (d *Docker) removeImage(ctx context.Context, imageID string) {
	cmd := exec.CommandContext(context.WithoutCancel(ctx), d.dockerPath, "rmi", "--force", imageID)
	if output, err := cmd.CombinedOutput(); err != nil {
		clog.FromContext(ctx).Warn("removing docker image", "id", imageID, "error", err, "output", string(output))
	}
}

// buildRunArgs builds the docker run arguments
func (d *Docker) buildRunArgs(spec runtime.Spec, imageID string) []string {
	args := []string{"run", "--rm"}

	// Keep stdin open when the caller provides one
	if spec.Stdin != nil {
		args = append(args, "-i")
	}

	// Networking is not configured for containers
	args = append(args, "--network", "none")

	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}

	// Environment variables
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}

	// Resource limits
	if l := spec.Limits; !l.IsZero() {
		if l.CPUPercent > 0 {
			args = append(args, "--cpus", fmt.Sprintf("%.2f", float64(l.CPUPercent)/100))
		}
		if l.MemoryBytes > 0 {
			args = append(args, "--memory", fmt.Sprintf("%d", l.MemoryBytes))
		}
		if l.Pids > 0 {
			args = append(args, "--pids-limit", fmt.Sprintf("%d", l.Pids))
		}
	}

	// Image, then the command to run
	args = append(args, imageID)
	args = append(args, spec.Argv...)

	return args
}

// Available checks if docker is available
func (d *Docker) Available(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, d.dockerPath, "version", "--format", "json")
	return cmd.Run() == nil
}

// String returns the runtime name
func (d *Docker) String() string {
	return "docker"
}
