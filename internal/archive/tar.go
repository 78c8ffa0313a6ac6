package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = whiteoutPrefix + whiteoutPrefix + ".opq"
)

// WriteChanges encodes changes below root as a tar stream. Deleted paths
// become whiteout entries; deletions under an already deleted directory are
// folded into the parent's whiteout.
func WriteChanges(w io.Writer, root string, changes []Change) error {
	tw := tar.NewWriter(w)

	deleted := map[string]bool{}
	for _, c := range changes {
		if c.Kind == ChangeDelete {
			deleted[c.Path] = true
		}
	}

	for _, c := range changes {
		switch c.Kind {
		case ChangeDelete:
			if hasDeletedAncestor(c.Path, deleted) {
				continue
			}
			dir, base := path.Split(c.Path)
			hdr := &tar.Header{
				Name:     dir + whiteoutPrefix + base,
				Typeflag: tar.TypeReg,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("writing whiteout for %s: %w", c.Path, err)
			}
		default:
			if err := writeEntry(tw, root, c.Path); err != nil {
				return err
			}
		}
	}

	return tw.Close()
}

// WritePaths encodes the given relative paths, their contents when they are
// directories, and their parent directories as a tar stream.
func WritePaths(w io.Writer, root string, paths []string) error {
	tw := tar.NewWriter(w)
	seen := map[string]bool{}

	add := func(rel string) error {
		if rel == "" || rel == "." || seen[rel] {
			return nil
		}
		seen[rel] = true
		return writeEntry(tw, root, rel)
	}

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, p := range sorted {
		p = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")

		// Parents first so the layer records their modes
		parts := strings.Split(p, "/")
		for i := 1; i < len(parts); i++ {
			if err := add(strings.Join(parts[:i], "/")); err != nil {
				return err
			}
		}

		err := filepath.WalkDir(filepath.Join(root, filepath.FromSlash(p)), func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, full)
			if err != nil {
				return err
			}
			return add(filepath.ToSlash(rel))
		})
		if err != nil {
			return fmt.Errorf("archiving %s: %w", p, err)
		}
	}

	return tw.Close()
}

// WriteEntries encodes exactly the given relative paths and their parent
// directories. Directories are written as single entries; their contents are
// only included when listed.
func WriteEntries(w io.Writer, root string, paths []string) error {
	tw := tar.NewWriter(w)
	seen := map[string]bool{}

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, p := range sorted {
		p = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
		if p == "" {
			continue
		}
		parts := strings.Split(p, "/")
		for i := 1; i <= len(parts); i++ {
			rel := strings.Join(parts[:i], "/")
			if seen[rel] {
				continue
			}
			seen[rel] = true
			if err := writeEntry(tw, root, rel); err != nil {
				return err
			}
		}
	}

	return tw.Close()
}

// WriteDir encodes the whole tree below root as a tar stream.
func WriteDir(w io.Writer, root string) error {
	return WritePaths(w, root, []string{"."})
}

func writeEntry(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	// Sockets cannot be archived and are not part of an image
	if info.Mode()&fs.ModeSocket != 0 {
		return nil
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(full); err != nil {
			return fmt.Errorf("readlink %s: %w", rel, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header for %s: %w", rel, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", rel, err)
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// Apply extracts a layer tar stream onto root. Whiteout entries remove the
// path they name; entries never escape root. It returns the number of
// content bytes written.
func Apply(root string, r io.Reader) (int64, error) {
	tr := tar.NewReader(r)
	chown := os.Geteuid() == 0

	var written int64
	var dirs []*tar.Header

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, fmt.Errorf("reading layer: %w", err)
		}

		name := path.Clean("/" + hdr.Name)
		if name == "/" {
			continue
		}
		dir, base := path.Split(name)

		parent, err := securejoin.SecureJoin(root, dir)
		if err != nil {
			return written, fmt.Errorf("resolving %s: %w", dir, err)
		}

		if base == whiteoutOpaque {
			if err := clearDir(parent); err != nil {
				return written, err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			target, err := whiteoutTarget(root, dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err != nil {
				return written, fmt.Errorf("whiteout %s: %w", name, err)
			}
			if err := os.RemoveAll(target); err != nil {
				return written, fmt.Errorf("removing %s: %w", name, err)
			}
			continue
		}

		if err := os.MkdirAll(parent, 0o755); err != nil {
			return written, fmt.Errorf("creating %s: %w", dir, err)
		}
		target := filepath.Join(parent, base)

		// Replace whatever is there unless both are directories
		if fi, err := os.Lstat(target); err == nil {
			if !(fi.IsDir() && hdr.Typeflag == tar.TypeDir) {
				if err := os.RemoveAll(target); err != nil {
					return written, fmt.Errorf("replacing %s: %w", name, err)
				}
			}
		}

		mode := fs.FileMode(hdr.Mode) & fs.ModePerm
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode); err != nil {
				return written, fmt.Errorf("creating %s: %w", name, err)
			}
			dirs = append(dirs, hdr)
		case tar.TypeReg:
			n, err := writeFile(target, tr, mode)
			written += n
			if err != nil {
				return written, fmt.Errorf("writing %s: %w", name, err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return written, fmt.Errorf("linking %s: %w", name, err)
			}
		case tar.TypeLink:
			src, err := securejoin.SecureJoin(root, hdr.Linkname)
			if err != nil {
				return written, fmt.Errorf("resolving %s: %w", hdr.Linkname, err)
			}
			if err := os.Link(src, target); err != nil {
				return written, fmt.Errorf("linking %s: %w", name, err)
			}
		default:
			// Devices and fifos need privileges the build does not assume
			continue
		}

		if chown {
			_ = os.Lchown(target, hdr.Uid, hdr.Gid)
		}
		if hdr.Typeflag != tar.TypeSymlink {
			if err := os.Chmod(target, mode|modeBits(hdr.Mode)); err != nil {
				return written, fmt.Errorf("chmod %s: %w", name, err)
			}
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		}
	}

	// Children touch their parent's mtime, so restore directories last
	for _, hdr := range dirs {
		target, err := securejoin.SecureJoin(root, hdr.Name)
		if err == nil {
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		}
	}

	return written, nil
}

// ErrInvalidWhiteout is returned for a whiteout that does not name a single
// entry below the layer root
var ErrInvalidWhiteout = errors.New("invalid whiteout")

// whiteoutTarget resolves the path a whiteout removes. It must be a plain
// name strictly below root.
func whiteoutTarget(root, dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidWhiteout
	}
	target, err := securejoin.SecureJoin(root, path.Join(dir, name))
	if err != nil {
		return "", err
	}
	r, err := filepath.Rel(root, target)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrInvalidWhiteout
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) (int64, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// modeBits carries setuid, setgid and sticky from a tar mode.
func modeBits(m int64) fs.FileMode {
	var mode fs.FileMode
	if m&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if m&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if m&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}
