package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// copySource resolves a COPY source inside the build context.
func copySource(contextDir, src string) (string, fs.FileInfo, error) {
	full, err := securejoin.SecureJoin(contextDir, src)
	if err != nil {
		return "", nil, err
	}
	fi, err := os.Lstat(full)
	if err != nil {
		return "", nil, err
	}
	return full, fi, nil
}

type sourceFile struct {
	rel  string
	full string
	mode fs.FileMode
	sum  string
}

// hashSource digests the relative path, mode and content of every entry
// below src. Modification times are ignored, so touching a file without
// changing it keeps the cache valid.
func hashSource(ctx context.Context, src string) (digest.Digest, error) {
	var files []*sourceFile
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, &sourceFile{
			rel:  filepath.ToSlash(rel),
			full: p,
			mode: info.Mode(),
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return f.digest()
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("hashing %s: %w", src, err)
	}

	// WalkDir visits in lexical order, so the combination is stable
	d := digest.Canonical.Digester()
	for _, f := range files {
		fmt.Fprintf(d.Hash(), "%s\x00%o\x00%s\n", f.rel, uint32(f.mode), f.sum)
	}
	return d.Digest(), nil
}

func (f *sourceFile) digest() error {
	switch {
	case f.mode&fs.ModeSymlink != 0:
		link, err := os.Readlink(f.full)
		if err != nil {
			return err
		}
		f.sum = "link:" + link
	case f.mode.IsRegular():
		fh, err := os.Open(f.full)
		if err != nil {
			return err
		}
		defer fh.Close()
		h := sha256.New()
		if _, err := io.Copy(h, fh); err != nil {
			return err
		}
		f.sum = hex.EncodeToString(h.Sum(nil))
	}
	return nil
}

// copyInto copies src from the build context into rootfs at dst, a path
// inside the image. It returns every image path it created or overwrote,
// relative to the rootfs root.
//
// A directory source copies its contents. A file lands at dst, or inside dst
// when dst ends in "/" or is an existing directory.
func copyInto(rootfs, src string, info fs.FileInfo, dst string) ([]string, error) {
	intoDir := strings.HasSuffix(dst, "/")
	dst = path.Clean(dst)

	if info.IsDir() {
		entries, err := os.ReadDir(src)
		if err != nil {
			return nil, err
		}
		existed := false
		if host, err := securejoin.SecureJoin(rootfs, dst); err == nil {
			if _, err := os.Lstat(host); err == nil {
				existed = true
			}
		}
		if err := mkdirIn(rootfs, dst, info.Mode().Perm()); err != nil {
			return nil, err
		}

		var written []string
		if r := rel(dst); r != "" && !existed {
			written = append(written, r)
		}
		for _, e := range entries {
			paths, err := copyTree(rootfs, filepath.Join(src, e.Name()), path.Join(dst, e.Name()))
			if err != nil {
				return nil, err
			}
			written = append(written, paths...)
		}
		return written, nil
	}

	if !intoDir {
		if host, err := securejoin.SecureJoin(rootfs, dst); err == nil {
			if fi, err := os.Stat(host); err == nil && fi.IsDir() {
				intoDir = true
			}
		}
	}
	if intoDir {
		dst = path.Join(dst, filepath.Base(src))
	}
	return copyTree(rootfs, src, dst)
}

// copyTree copies the host path src to the image path dst, recursively. It
// returns the image paths it wrote.
func copyTree(rootfs, src, dst string) ([]string, error) {
	var written []string
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		r, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := path.Join(dst, filepath.ToSlash(r))
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			if err := mkdirIn(rootfs, target, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			host, err := hostPath(rootfs, target)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, host); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			host, err := hostPath(rootfs, target)
			if err != nil {
				return err
			}
			if err := copyFile(p, host, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			return nil
		}
		if r := rel(target); r != "" {
			written = append(written, r)
		}
		return nil
	})
	return written, err
}

// hostPath resolves an image path to a host path whose parent exists and
// lies inside rootfs. Whatever occupies the final component is removed,
// unless it is a directory.
func hostPath(rootfs, p string) (string, error) {
	dir, base := path.Split(p)
	if err := mkdirIn(rootfs, dir, 0o755); err != nil {
		return "", err
	}
	parent, err := securejoin.SecureJoin(rootfs, dir)
	if err != nil {
		return "", err
	}
	host := filepath.Join(parent, base)
	if fi, err := os.Lstat(host); err == nil && !fi.IsDir() {
		if err := os.Remove(host); err != nil {
			return "", err
		}
	}
	return host, nil
}

func mkdirIn(rootfs, p string, perm fs.FileMode) error {
	host, err := securejoin.SecureJoin(rootfs, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(host, perm|0o700); err != nil {
		return err
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

func rel(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
