package build

import (
	"errors"
	"fmt"
)

var (
	// ErrBaseNotFound means the FROM reference could not be resolved
	ErrBaseNotFound = errors.New("base image not found")

	// ErrSourceNotFound means a COPY source is missing from the build context
	ErrSourceNotFound = errors.New("copy source not found")

	// ErrInstructionFailed means a RUN command exited non-zero
	ErrInstructionFailed = errors.New("instruction failed")

	// ErrTimeout means a RUN command exceeded the run timeout
	ErrTimeout = errors.New("instruction timed out")
)

// BuildError reports the instruction a build stopped at
type BuildError struct {
	Kind        error
	Line        int
	Instruction string

	// ExitCode is set for ErrInstructionFailed
	ExitCode int

	Err error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("line %d: %s", e.Line, e.Kind)
	if e.Instruction != "" {
		msg += fmt.Sprintf(" (%s)", e.Instruction)
	}
	if e.Kind == ErrInstructionFailed {
		msg += fmt.Sprintf(": exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind.
func (e *BuildError) Is(target error) bool {
	return target == e.Kind
}

func (e *BuildError) Unwrap() error { return e.Err }
