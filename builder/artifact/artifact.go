// Package artifact selects the output of a build inside its working tree and
// copies it into run history.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"
)

// NoMatchError is returned when a glob matched nothing in the tree.
type NoMatchError struct {
	Pattern string
}

func (e *NoMatchError) Error() string {
	return "no file matched " + e.Pattern
}

// ErrOutsideRoot is returned for a result path that leads out of the tree,
// lexically or through a symlink.
var ErrOutsideRoot = errors.New("result path leaves the working directory")

// IsPattern reports whether expr contains glob metacharacters. Brackets are
// taken literally, so dist/app[1].zip is a plain path.
func IsPattern(expr string) bool {
	return strings.ContainsAny(expr, "*?{")
}

// confine checks that rel, relative to root, names an entry inside root
// once symlinks are resolved.
func confine(root, rel string) error {
	joined := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, joined) {
		return fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return err
	}
	if !within(realRoot, real) {
		return fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Resolve turns a configured result path into a concrete path relative to
// root. A literal path is only checked for existence. Either way the result
// must stay inside root, symlinks included. A pattern is matched
// against every file and directory of a depth-first walk of root; the first
// match wins and is returned with a leading slash.
func Resolve(root, expr string) (string, error) {
	if !IsPattern(expr) {
		joined := filepath.Join(root, filepath.FromSlash(expr))
		if !within(root, joined) {
			return "", fmt.Errorf("%s: %w", expr, ErrOutsideRoot)
		}
		if _, err := os.Stat(joined); err != nil {
			return "", fmt.Errorf("%s does not exist: %w", expr, err)
		}
		if err := confine(root, expr); err != nil {
			return "", err
		}
		return expr, nil
	}

	pattern := normalize(expr)
	var match string
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
		sub := normalize(rel)
		ok, err := doublestar.Match(pattern, sub)
		if err != nil {
			return fmt.Errorf("bad pattern %s: %w", expr, err)
		}
		if ok {
			match = sub
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if match == "" {
		return "", &NoMatchError{Pattern: expr}
	}
	if err := confine(root, match); err != nil {
		return "", err
	}
	return match, nil
}

// normalize turns p into a slash separated path with a single leading slash.
func normalize(p string) string {
	p = strings.ReplaceAll(filepath.ToSlash(p), "\\", "/")
	return path.Clean("/" + p)
}

// Copy copies src to dst. A file is written to dst itself, a directory has
// its content merged into dst. Existing files are overwritten, modes and
// modification times are kept, hidden entries below src are skipped.
// Symlinks, sockets and devices below src are not copied; their slash
// separated paths relative to src are returned in skipped.
func Copy(src, dst string) (skipped []string, err error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, err
		}
		return nil, copyFile(src, dst, info)
	}

	type dirTimes struct {
		path string
		info fs.FileInfo
	}
	var dirs []dirTimes
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != src && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			dirs = append(dirs, dirTimes{target, fi})
			return os.MkdirAll(target, fi.Mode().Perm()|0700)
		case fi.Mode().IsRegular():
			return copyFile(p, target, fi)
		default:
			skipped = append(skipped, filepath.ToSlash(rel))
			return nil
		}
	})
	if err != nil {
		return skipped, err
	}
	// children bump their parent's mtime, so directories are stamped last
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chtimes(dirs[i].path, dirs[i].info.ModTime(), dirs[i].info.ModTime()); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// read-only leftovers from an earlier run would refuse O_TRUNC
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
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
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
