// Package native isolates containers with Linux namespaces, chroot and
// cgroup v2 resource limits. It needs root.
package native

import (
	"os"
	"path"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// DefaultCgroupRoot is the cgroup v2 directory containers are placed under
const DefaultCgroupRoot = "/sys/fs/cgroup/forge"

// Native runtime implementation
type Native struct {
	cgroupRoot string
}

// Option configures a Native isolator
type Option func(*Native)

// WithCgroupRoot places container cgroups under dir.
func WithCgroupRoot(dir string) Option {
	return func(n *Native) {
		n.cgroupRoot = dir
	}
}

// New creates a native isolator
func New(opts ...Option) *Native {
	n := &Native{cgroupRoot: DefaultCgroupRoot}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// String returns the runtime name
func (n *Native) String() string {
	return "native"
}

// lookPath finds file inside rootfs using the container's PATH. The result
// is a path as seen from inside the container.
func lookPath(rootfs, file string, env []string) (string, bool) {
	if strings.Contains(file, "/") {
		return file, true
	}

	dirs := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			dirs = v
		}
	}

	for _, dir := range strings.Split(dirs, ":") {
		if dir == "" {
			continue
		}
		candidate := path.Join(dir, file)
		host, err := securejoin.SecureJoin(rootfs, candidate)
		if err != nil {
			continue
		}
		fi, err := os.Stat(host)
		if err != nil {
			continue
		}
		if fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0 {
			return candidate, true
		}
	}
	return "", false
}
