package nodepack

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	log "github.com/sirupsen/logrus"
)

// SyncExclusions is the set of top-level entry names present at the final
// install path before staging began. Entries in this set are never created,
// modified or deleted during stage-out: the execution root is shared with
// platform-managed files which must survive untouched.
type SyncExclusions map[string]struct{}

// SnapshotExclusions captures the top-level entries currently at path.
func SnapshotExclusions(path string) (SyncExclusions, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SyncExclusions{}, nil
		}
		return nil, SyncFailureErr{Path: path, Err: err}
	}

	res := make(SyncExclusions, len(entries))
	for _, entry := range entries {
		res[entry.Name()] = struct{}{}
	}
	return res, nil
}

// Excludes reports whether rel originates from an excluded top-level entry.
func (e SyncExclusions) Excludes(rel string) bool {
	if e == nil {
		return false
	}
	top := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		top = rel[:i]
	}
	_, ok := e[top]
	return ok
}

// StageIn recursively copies src into dst, preserving attributes. Entries
// already present at dst are overwritten in place but never deleted.
func StageIn(src, dst string) error {
	log.WithField("src", src).WithField("dst", dst).Debug("staging build tree in")
	return copyTree(src, dst, nil)
}

// StageOut recursively copies src into dst except paths originating from an
// excluded top-level entry. Files at dst that are absent from src are left
// alone.
func StageOut(src, dst string, exclusions SyncExclusions) error {
	log.WithField("src", src).WithField("dst", dst).Debug("staging build tree out")
	return copyTree(src, dst, exclusions)
}

func copyTree(src, dst string, exclusions SyncExclusions) error {
	err := godirwalk.Walk(src, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == src {
				return nil
			}

			rel, err := filepath.Rel(src, osPathname)
			if err != nil {
				return err
			}
			if exclusions.Excludes(rel) {
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			target := filepath.Join(dst, rel)
			fi, err := os.Lstat(osPathname)
			if err != nil {
				return err
			}

			switch {
			case fi.Mode()&os.ModeSymlink != 0:
				linkTarget, err := os.Readlink(osPathname)
				if err != nil {
					return err
				}
				os.Remove(target)
				return os.Symlink(linkTarget, target)
			case de.IsDir():
				return os.MkdirAll(target, fi.Mode().Perm())
			default:
				return copyFileWithTimes(osPathname, target, fi)
			}
		},
		Unsorted: true,
	})
	if err != nil {
		return SyncFailureErr{Path: src, Err: err}
	}
	return nil
}

func copyFileWithTimes(src, dst string, fi os.FileInfo) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Chmod(dst, fi.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
