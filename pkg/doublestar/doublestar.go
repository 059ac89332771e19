// Package doublestar implements filepath.Match-style globbing with support
// for ** matching an arbitrary number of path segments. It is used to locate
// compiled addons and shared libraries in deep dependency trees.
package doublestar

import (
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
)

// Glob walks base and returns all paths matching pattern. The pattern is
// interpreted relative to base. Unreadable entries are skipped rather than
// failing the walk.
func Glob(base, pattern string) ([]string, error) {
	var res []string
	err := godirwalk.Walk(base, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == base {
				return nil
			}

			rel := strings.TrimPrefix(osPathname, base+"/")
			m, prune, err := Match(pattern, rel)
			if err != nil {
				return err
			}
			if m {
				res = append(res, osPathname)
			}
			if prune && de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		},
		FollowSymbolicLinks: true,
		Unsorted:            true,
		ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Match reports whether path matches pattern. It behaves like filepath.Match
// except that a ** segment matches any number of path segments. prune is true
// when no path below this one can match either, which lets Glob skip whole
// subtrees.
func Match(pattern, path string) (matches bool, prune bool, err error) {
	if pattern == path {
		return true, false, nil
	}
	return matchSegments(
		strings.Split(filepath.ToSlash(pattern), "/"),
		strings.Split(filepath.ToSlash(path), "/"),
	)
}

func matchSegments(pattern, path []string) (matches bool, prune bool, err error) {
	for i, seg := range pattern {
		if i >= len(path) {
			// path is shorter than the pattern - descendants may
			// still match, so don't prune
			return false, false, nil
		}

		if seg == "**" {
			if i == len(pattern)-1 {
				// trailing ** swallows the rest of the path
				return true, false, nil
			}
			// try the remainder of the pattern at every depth
			for j := i; j < len(path); j++ {
				m, _, err := matchSegments(pattern[i+1:], path[j:])
				if err != nil {
					return false, false, err
				}
				if m {
					return true, false, nil
				}
			}
			return false, false, nil
		}

		m, err := filepath.Match(seg, path[i])
		if err != nil {
			return false, false, err
		}
		if !m {
			// pattern and path diverge here, nothing below matches
			return false, true, nil
		}
	}

	// pattern exhausted; only an exact-length path matches
	return len(pattern) == len(path), false, nil
}
