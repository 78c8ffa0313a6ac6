// Package runtime runs images as isolated processes.
package runtime

import (
	"context"
	"io"
)

// Isolator starts a process confined to a root filesystem. Backends decide
// which primitives provide the confinement.
type Isolator interface {
	// Start launches the process described by spec
	Start(ctx context.Context, spec Spec) (Process, error)

	// Available reports whether the backend can run on this host
	Available(ctx context.Context) bool

	String() string
}

// Process is a started isolated process
type Process interface {
	// Wait blocks until the process exits and returns its exit code. A
	// process killed by a signal exits with 128 plus the signal number.
	Wait() (int, error)
}

// Spec describes a process to isolate
type Spec struct {
	// Rootfs is the host directory that becomes the process's "/"
	Rootfs string

	Argv []string

	// Workdir is the working directory inside Rootfs
	Workdir string

	// Env is the complete environment; nothing is inherited from the host
	Env []string

	// Stdin/stdout/stderr (nil means no stream)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Limits Limits
}

// Limits bounds the resources of an isolated process. Zero values mean no
// limit.
type Limits struct {
	// CPUPercent is the share of one CPU, 100 being a full core
	CPUPercent int `yaml:"cpuPercent" envconfig:"CPU_PERCENT"`

	MemoryBytes int64 `yaml:"memoryBytes" envconfig:"MEMORY_BYTES"`

	Pids int64 `yaml:"pids" envconfig:"PIDS"`
}

// DefaultLimits are applied when limits are enabled without values
var DefaultLimits = Limits{
	CPUPercent:  50,
	MemoryBytes: 512 << 20,
	Pids:        100,
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l == Limits{}
}
