// Package archive computes filesystem change sets and encodes them as layer
// tarballs using the OCI whiteout convention.
package archive

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot records the metadata of every path below a root directory, keyed
// by slash-separated path relative to the root.
type Snapshot map[string]entry

type entry struct {
	mode  fs.FileMode
	size  int64
	mtime time.Time
	link  string
	uid   int
	gid   int
}

// ChangeKind classifies a Change
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "A"
	case ChangeModify:
		return "C"
	case ChangeDelete:
		return "D"
	}
	return "?"
}

// Change is a single path difference between two snapshots
type Change struct {
	Path string
	Kind ChangeKind
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// Scan walks root without following symlinks.
func Scan(root string) (Snapshot, error) {
	snap := Snapshot{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		e := entry{
			mode:  info.Mode(),
			size:  info.Size(),
			mtime: info.ModTime(),
		}
		e.uid, e.gid = owner(info)
		if info.Mode()&fs.ModeSymlink != 0 {
			if e.link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		snap[filepath.ToSlash(rel)] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return snap, nil
}

// Changes returns the differences from before to after, sorted by path.
// Directories are reported as modified only when their mode or owner
// changes; their mtime moves with every child and carries no content of its
// own.
func Changes(before, after Snapshot) []Change {
	var changes []Change

	for p, a := range after {
		b, ok := before[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: ChangeAdd})
		case a.mode.IsDir() && b.mode.IsDir():
			if a.mode != b.mode || a.uid != b.uid || a.gid != b.gid {
				changes = append(changes, Change{Path: p, Kind: ChangeModify})
			}
		case a.mode != b.mode || a.size != b.size || !a.mtime.Equal(b.mtime) || a.link != b.link || a.uid != b.uid || a.gid != b.gid:
			changes = append(changes, Change{Path: p, Kind: ChangeModify})
		}
	}

	for p := range before {
		if _, ok := after[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: ChangeDelete})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes
}

// hasDeletedAncestor reports whether one of p's parents is in deleted.
func hasDeletedAncestor(p string, deleted map[string]bool) bool {
	for {
		i := strings.LastIndex(p, "/")
		if i < 0 {
			return false
		}
		p = p[:i]
		if deleted[p] {
			return true
		}
	}
}
