package runtime

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

var (
	// ErrNoEntrypoint means neither the image nor the caller named a command
	ErrNoEntrypoint = errors.New("no entrypoint")

	// ErrIsolationSetupFailed means the container could not be started
	ErrIsolationSetupFailed = errors.New("isolation setup failed")
)

// RuntimeError is returned when a container cannot be run
type RuntimeError struct {
	Kind      error
	Container string
	Err       error
}

func (e *RuntimeError) Error() string {
	msg := e.Kind.Error()
	if e.Container != "" {
		msg = fmt.Sprintf("container %s: %s", e.Container, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind.
func (e *RuntimeError) Is(target error) bool {
	return target == e.Kind
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// SetupError wraps err as an isolation setup failure.
func SetupError(err error) error {
	return &RuntimeError{Kind: ErrIsolationSetupFailed, Err: err}
}

// ExitStatus converts the result of exec.Cmd.Wait into an exit code.
func ExitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1, err
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return ee.ExitCode(), nil
}
