//go:build linux

package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/joshrwolf/forge/internal/runtime"
	"golang.org/x/sys/unix"
)

// Start implements runtime.Isolator
func (n *Native) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	log := clog.FromContext(ctx)

	if len(spec.Argv) == 0 {
		return nil, runtime.SetupError(errors.New("empty command"))
	}
	bin, ok := lookPath(spec.Rootfs, spec.Argv[0], spec.Env)
	if !ok {
		return nil, runtime.SetupError(fmt.Errorf("%s: executable not found in container", spec.Argv[0]))
	}

	cmd := exec.CommandContext(ctx, path.Clean(bin))
	cmd.Args = spec.Argv
	cmd.Env = spec.Env
	cmd.Dir = spec.Workdir
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     spec.Rootfs,
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC,
		Setpgid:    true,
		Pdeathsig:  syscall.SIGKILL,
	}

	// Kill the whole process group, not just the direct child
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	p := &process{cmd: cmd}
	if !spec.Limits.IsZero() {
		cg, err := n.createCgroup(spec.Limits)
		if err != nil {
			log.Warn("running without resource limits", "error", err)
		} else {
			p.cgroup = cg
			cmd.SysProcAttr.UseCgroupFD = true
			cmd.SysProcAttr.CgroupFD = int(cg.fd.Fd())
		}
	}

	log.Debug("starting process", "path", bin, "argv", spec.Argv, "rootfs", spec.Rootfs)
	if err := cmd.Start(); err != nil {
		p.cleanup(ctx)
		return nil, runtime.SetupError(fmt.Errorf("starting %s: %w", spec.Argv[0], err))
	}
	return p, nil
}

// Available checks if namespaces and chroot can be used
func (n *Native) Available(ctx context.Context) bool {
	return os.Geteuid() == 0
}

type process struct {
	cmd    *exec.Cmd
	cgroup *cgroup
}

func (p *process) Wait() (int, error) {
	err := p.cmd.Wait()
	p.cleanup(context.Background())
	return runtime.ExitStatus(err)
}

func (p *process) cleanup(ctx context.Context) {
	if p.cgroup == nil {
		return
	}
	if err := p.cgroup.remove(); err != nil {
		clog.FromContext(ctx).Warn("removing cgroup", "path", p.cgroup.dir, "error", err)
	}
	p.cgroup = nil
}

type cgroup struct {
	dir string
	fd  *os.File
}

func (n *Native) createCgroup(l runtime.Limits) (*cgroup, error) {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return nil, fmt.Errorf("cgroup v2 is not mounted: %w", err)
	}
	if err := os.MkdirAll(n.cgroupRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating cgroup root: %w", err)
	}

	// Controllers must be delegated to the parent of the container's group
	_ = os.WriteFile(filepath.Join(filepath.Dir(n.cgroupRoot), "cgroup.subtree_control"), []byte("+cpu +memory +pids"), 0o644)
	if err := os.WriteFile(filepath.Join(n.cgroupRoot, "cgroup.subtree_control"), []byte("+cpu +memory +pids"), 0o644); err != nil {
		return nil, fmt.Errorf("enabling controllers: %w", err)
	}

	dir := filepath.Join(n.cgroupRoot, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cgroup: %w", err)
	}

	files := map[string]string{}
	if l.CPUPercent > 0 {
		const period = 100000
		files["cpu.max"] = fmt.Sprintf("%d %d", l.CPUPercent*period/100, period)
	}
	if l.MemoryBytes > 0 {
		files["memory.max"] = strconv.FormatInt(l.MemoryBytes, 10)
	}
	if l.Pids > 0 {
		files["pids.max"] = strconv.FormatInt(l.Pids, 10)
	}
	for name, value := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644); err != nil {
			_ = os.Remove(dir)
			return nil, fmt.Errorf("setting %s: %w", name, err)
		}
	}

	fd, err := os.Open(dir)
	if err != nil {
		_ = os.Remove(dir)
		return nil, fmt.Errorf("opening cgroup: %w", err)
	}
	return &cgroup{dir: dir, fd: fd}, nil
}

func (c *cgroup) remove() error {
	c.fd.Close()
	return os.Remove(c.dir)
}
