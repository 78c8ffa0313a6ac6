//go:build !linux

package native

import (
	"context"
	"errors"

	"github.com/joshrwolf/forge/internal/runtime"
)

// Start implements runtime.Isolator
func (n *Native) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	return nil, runtime.SetupError(errors.New("native isolation requires linux"))
}

// Available reports false outside linux
func (n *Native) Available(ctx context.Context) bool {
	return false
}
