package system

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrSymlink is returned when a path below a trusted base crosses a
// symlink. Tenants own those trees, so the daemon never follows links
// there while running as root.
var ErrSymlink = errors.New("path crosses a symlink")

// ErrOutsideBase is returned when the target is not below the base
var ErrOutsideBase = errors.New("path is outside its base directory")

func relBelow(base, p string) ([]string, error) {
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideBase, p)
	}
	if rel == "." {
		return nil, nil
	}
	return strings.Split(rel, string(filepath.Separator)), nil
}

// MkdirBelow creates dir and its missing parents below base. base itself
// is trusted; every component between base and dir must be a real
// directory, never a symlink.
func MkdirBelow(base, dir string, perm os.FileMode) error {
	base = filepath.Clean(base)
	parts, err := relBelow(base, filepath.Clean(dir))
	if err != nil {
		return err
	}
	cur := base
	for _, part := range parts {
		cur = filepath.Join(cur, part)
		if err := mkdirNoFollow(cur, perm); err != nil {
			return err
		}
	}
	return nil
}

func mkdirNoFollow(p string, perm os.FileMode) error {
	err := os.Mkdir(p, perm)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s", ErrSymlink, p)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p)
	}
	return nil
}

// CreateBelow opens path for writing, creating or truncating it. Parents
// are created with MkdirBelow and a symlink at path itself is refused.
func CreateBelow(base, path string, perm os.FileMode) (*os.File, error) {
	if err := MkdirBelow(base, filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if info, err := os.Lstat(path); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|oNoFollow|oNonBlock, perm)
	if err != nil {
		if isSymlinkErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
		}
		return nil, err
	}
	return f, nil
}

// OpenNoFollow opens path for reading unless it is a symlink
func OpenNoFollow(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|oNoFollow|oNonBlock, 0)
	if err != nil {
		if isSymlinkErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
		}
		return nil, err
	}
	return f, nil
}
