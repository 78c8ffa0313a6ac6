// Package runtimetest provides an in-process Isolator for tests.
//
// The fake understands a handful of shell-like commands joined by "&&" and
// applies them directly to the root filesystem, so builds and runs can be
// tested without privileges:
//
//	echo TEXT > FILE   write TEXT and a newline to FILE
//	echo TEXT          write TEXT to stdout
//	cat FILE           copy FILE to stdout
//	mkdir DIR          create DIR and its parents
//	rm FILE            remove FILE or directory
//	chown UID:GID FILE change the numeric owner of FILE
//	env                print the environment to stdout
//	pwd                print the working directory to stdout
//	sleep              block until the context is done
//	exit N             stop with exit code N
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/joshrwolf/forge/internal/runtime"
)

// Fake is a runtime.Isolator that interprets commands in-process
type Fake struct {
	mu    sync.Mutex
	specs []runtime.Spec

	// StartErr, when set, is returned by every Start
	StartErr error

	// WaitErr, when set, is returned by Wait after the command has run
	WaitErr error
}

// Specs returns every spec passed to Start, in order.
func (f *Fake) Specs() []runtime.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Spec(nil), f.specs...)
}

// Runs counts the processes started.
func (f *Fake) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// Start implements runtime.Isolator
func (f *Fake) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if f.StartErr != nil {
		return nil, runtime.SetupError(f.StartErr)
	}

	p := &process{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.code, p.err = interpret(ctx, spec)
		if f.WaitErr != nil {
			p.code, p.err = -1, f.WaitErr
		}
	}()
	return p, nil
}

// Available implements runtime.Isolator
func (f *Fake) Available(context.Context) bool { return true }

func (f *Fake) String() string { return "fake" }

type process struct {
	done chan struct{}
	code int
	err  error
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func interpret(ctx context.Context, spec runtime.Spec) (int, error) {
	script := strings.Join(spec.Argv, " ")
	if len(spec.Argv) == 3 && spec.Argv[1] == "-c" {
		script = spec.Argv[2]
	}

	stdout := spec.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	for _, cmd := range strings.Split(script, "&&") {
		code, err := step(ctx, spec, stdout, strings.Fields(cmd))
		if err != nil || code != 0 {
			return code, err
		}
	}
	return 0, nil
}

func step(ctx context.Context, spec runtime.Spec, stdout io.Writer, args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}

	resolve := func(p string) (string, error) {
		if !path.IsAbs(p) {
			p = path.Join(spec.Workdir, p)
		}
		return securejoin.SecureJoin(spec.Rootfs, p)
	}

	switch args[0] {
	case "echo":
		if n := len(args); n >= 3 && args[n-2] == ">" {
			target, err := resolve(args[n-1])
			if err != nil {
				return 1, nil
			}
			text := strings.Join(args[1:n-2], " ") + "\n"
			if err := os.WriteFile(target, []byte(text), 0o644); err != nil {
				fmt.Fprintln(stdout, err)
				return 1, nil
			}
			return 0, nil
		}
		fmt.Fprintln(stdout, strings.Join(args[1:], " "))
	case "cat":
		for _, a := range args[1:] {
			target, err := resolve(a)
			if err != nil {
				return 1, nil
			}
			data, err := os.ReadFile(target)
			if err != nil {
				return 1, nil
			}
			stdout.Write(data)
		}
	case "mkdir":
		for _, a := range args[1:] {
			if a == "-p" {
				continue
			}
			target, err := resolve(a)
			if err != nil {
				return 1, nil
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 1, nil
			}
		}
	case "rm":
		for _, a := range args[1:] {
			if strings.HasPrefix(a, "-") {
				continue
			}
			target, err := resolve(a)
			if err != nil {
				return 1, nil
			}
			if err := os.RemoveAll(target); err != nil {
				return 1, nil
			}
		}
	case "chown":
		if len(args) < 3 {
			return 1, nil
		}
		u, g, _ := strings.Cut(args[1], ":")
		uid, err := strconv.Atoi(u)
		if err != nil {
			return 1, nil
		}
		gid := -1
		if g != "" {
			if gid, err = strconv.Atoi(g); err != nil {
				return 1, nil
			}
		}
		for _, a := range args[2:] {
			target, err := resolve(a)
			if err != nil {
				return 1, nil
			}
			if err := os.Lchown(target, uid, gid); err != nil {
				fmt.Fprintln(stdout, err)
				return 1, nil
			}
		}
	case "env":
		for _, kv := range spec.Env {
			fmt.Fprintln(stdout, kv)
		}
	case "pwd":
		fmt.Fprintln(stdout, spec.Workdir)
	case "sleep":
		<-ctx.Done()
		return 137, nil
	case "exit":
		if len(args) < 2 {
			return 0, nil
		}
		code, err := strconv.Atoi(args[1])
		if err != nil {
			return 2, nil
		}
		return code, nil
	case "true":
	case "false":
		return 1, nil
	default:
		return 127, nil
	}
	return 0, nil
}
