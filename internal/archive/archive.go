// Package archive builds and unpacks zip archives for the file manager.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rehmatworks/fastcp-engine/internal/system"
)

var (
	ErrUnsafeMember  = errors.New("archive member escapes destination")
	ErrNothingToPack = errors.New("no entries selected")
	ErrInvalidName   = errors.New("invalid archive name")
)

// maxNameAttempts bounds the name-1, name-2 ... search
const maxNameAttempts = 10000

// Create zips the selected top-level entries of root (with their full
// subtrees) into root/<seed>.zip, or <seed>-N.zip if that is taken.
// Entry names are relative to root. An existing archive is never
// overwritten.
func Create(root, seed string, selected []string) (string, error) {
	root = filepath.Clean(root)
	seed = strings.TrimSuffix(seed, ".zip")
	if seed == "" || strings.ContainsAny(seed, `/\`) || seed == "." || seed == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, seed)
	}

	entries, err := topLevel(root, selected)
	if err != nil {
		return "", err
	}

	f, path, err := createUnique(root, seed)
	if err != nil {
		return "", err
	}

	zw := zip.NewWriter(f)
	writeErr := func() error {
		for _, entry := range entries {
			if err := addTree(zw, root, entry, path); err != nil {
				return err
			}
		}
		return zw.Close()
	}()
	closeErr := f.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write archive: %w", writeErr)
	}
	return path, nil
}

// topLevel reduces selected paths to existing direct children of root.
func topLevel(root string, selected []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, sel := range selected {
		p := sel
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		if filepath.Dir(p) != root {
			continue
		}
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrNothingToPack
	}
	return out, nil
}

func createUnique(dir, seed string) (*os.File, string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		name := seed + ".zip"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.zip", seed, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("failed to create archive: %w", err)
		}
	}
	return nil, "", fmt.Errorf("%w: no free name for %q", ErrInvalidName, seed)
}

func addTree(zw *zip.Writer, root, entry, self string) error {
	return filepath.WalkDir(entry, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == self {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		// Symlinks are skipped; only regular files and directories are packed.
		if info.Mode()&fs.ModeSymlink != 0 {
			return nil
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
			_, err := zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := system.OpenNoFollow(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

// Extract unpacks archivePath into dest. Every member is checked before
// anything is written: absolute names, ".." escapes and symlink members
// reject the whole archive. Symlinks already present below dest are never
// followed, so a planted link cannot redirect a write outside it.
func Extract(dest, archivePath string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	dest = filepath.Clean(dest)
	targets := make([]string, len(r.File))
	for i, f := range r.File {
		target, err := memberPath(dest, f)
		if err != nil {
			return err
		}
		targets[i] = target
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	for i, f := range r.File {
		if err := extractOne(dest, f, targets[i]); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func memberPath(dest string, f *zip.File) (string, error) {
	name := strings.ReplaceAll(f.Name, `\`, "/")
	if f.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s is a symlink", ErrUnsafeMember, f.Name)
	}
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafeMember, f.Name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeMember, f.Name)
	}
	return target, nil
}

func extractOne(dest string, f *zip.File, target string) error {
	if f.FileInfo().IsDir() {
		return system.MkdirBelow(dest, target, 0755)
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := system.CreateBelow(dest, target, mode)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		out.Close()
		return err
	}
	_, err = io.Copy(out, rc)
	rc.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
