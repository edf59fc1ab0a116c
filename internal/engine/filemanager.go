package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/pathguard"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

// MaxEditableBytes is the largest file ReadFile returns
const MaxEditableBytes = 10_000_000

// hiddenHomeEntries are left out when a tenant home is listed
var hiddenHomeEntries = map[string]bool{
	"run":           true,
	".profile":      true,
	".bashrc":       true,
	".bash_logout":  true,
	".bash_history": true,
	".local":        true,
}

var (
	errBadName  = errors.New("invalid name")
	errExists   = errors.New("path already exists")
	errTooLarge = errors.New("file too large to edit")
	errNotText  = errors.New("binary files cannot be edited")
	errBadMode  = errors.New("mode must be octal permission bits between 000 and 777")
	errNoPaths  = errors.New("no paths given")
)

// mutablePath checks raw for a mutation. The parent is resolved through
// symlinks and confined again; the last component is kept as given, so a
// link there is acted on itself and never its target.
func (e *Engine) mutablePath(raw string, s pathguard.Subject) (string, error) {
	clean, err := e.paths.IsAllowed(raw, s)
	if err != nil {
		return "", invalid(err)
	}
	parent, err := e.paths.ResolveExisting(filepath.Dir(clean), s)
	if err != nil {
		return "", invalid(err)
	}
	target, err := e.paths.IsAllowed(filepath.Join(parent, filepath.Base(clean)), s)
	if err != nil {
		return "", invalid(err)
	}
	return target, nil
}

// itemName validates a single path component supplied by the client
func itemName(raw string) (string, error) {
	name, err := pathguard.Decode(raw)
	if err != nil {
		return "", invalid(err)
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return "", invalid(fmt.Errorf("%w: %q", errBadName, raw))
	}
	return name, nil
}

// fsError reports refusals of the filesystem helpers as validation errors
func fsError(err error) error {
	switch {
	case errors.Is(err, system.ErrSymlink), errors.Is(err, system.ErrOutsideBase):
		return invalid(err)
	case errors.Is(err, fs.ErrExist):
		return invalid(errExists)
	case errors.Is(err, fs.ErrNotExist):
		return invalid(pathguard.ErrNotFound)
	}
	return err
}

// handOver gives a path created by the daemon to the tenant owning it
func (e *Engine) handOver(ctx context.Context, path string) {
	if home := e.paths.OwnerHome(path); home != "" {
		system.FixOwnership(ctx, e.runner, path, filepath.Base(home))
	}
}

// ListFiles lists a directory of the tenant's sandbox, directories first.
// Account files in the home itself are not shown.
func (e *Engine) ListFiles(ctx context.Context, req models.ListFilesRequest) ([]models.FileEntry, error) {
	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	s := subject(t)
	if _, err := e.paths.ResolveAndCheck(req.Path, s, pathguard.ModeList); err != nil {
		return nil, invalid(err)
	}
	dir, err := e.paths.ResolveExisting(req.Path, s)
	if err != nil {
		return nil, invalid(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	atHome := e.paths.OwnerHome(dir) == dir
	search := strings.ToLower(req.Search)

	files := make([]models.FileEntry, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if atHome && hiddenHomeEntries[strings.ToLower(name)] {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(name), search) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, models.FileEntry{
			Name:    name,
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortStableFunc(files, func(a, b models.FileEntry) int {
		switch {
		case a.IsDir && !b.IsDir:
			return -1
		case !a.IsDir && b.IsDir:
			return 1
		}
		return 0
	})
	return files, nil
}

// ReadFile returns the content of a UTF-8 text file of at most
// MaxEditableBytes
func (e *Engine) ReadFile(ctx context.Context, req models.FileRequest) (*models.FileContent, error) {
	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	path, err := e.paths.ResolveExisting(req.Path, subject(t))
	if err != nil {
		return nil, invalid(err)
	}

	f, err := system.OpenNoFollow(path)
	if err != nil {
		return nil, fsError(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, invalidf("%s is not a regular file", filepath.Base(path))
	}
	if info.Size() > MaxEditableBytes {
		return nil, invalid(errTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(f, MaxEditableBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxEditableBytes {
		return nil, invalid(errTooLarge)
	}
	if !utf8.Valid(data) {
		return nil, invalid(errNotText)
	}
	return &models.FileContent{Path: path, Content: string(data), Size: int64(len(data))}, nil
}

// WriteFile replaces or creates a file with the given content
func (e *Engine) WriteFile(ctx context.Context, req models.WriteFileRequest) error {
	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return err
	}
	target, err := e.mutablePath(req.Path, subject(t))
	if err != nil {
		return err
	}
	if _, err := e.limits.CheckStorage(ctx, t); err != nil {
		return err
	}

	f, err := system.CreateBelow(e.paths.OwnerHome(target), target, 0644)
	if err != nil {
		return fsError(err)
	}
	if _, err := f.WriteString(req.Content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	e.handOver(ctx, target)
	e.logger.Info("file saved", "username", t.Username, "path", target)
	return nil
}

// CreateItem creates an empty file or a directory. Existing entries are
// never replaced.
func (e *Engine) CreateItem(ctx context.Context, req models.CreateItemRequest) (string, error) {
	name, err := itemName(req.Name)
	if err != nil {
		return "", err
	}

	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return "", err
	}
	target, err := e.mutablePath(filepath.Join(req.Path, name), subject(t))
	if err != nil {
		return "", err
	}
	if _, err := e.limits.CheckStorage(ctx, t); err != nil {
		return "", err
	}

	if req.IsDir {
		err = os.Mkdir(target, 0755)
	} else {
		var f *os.File
		// O_EXCL also refuses a symlink at target
		f, err = os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			err = f.Close()
		}
	}
	if err != nil {
		return "", fsError(err)
	}
	e.handOver(ctx, target)
	e.logger.Info("item created", "username", t.Username, "path", target, "dir", req.IsDir)
	return target, nil
}

// DeleteItems removes every given path. A symlink is removed itself, not
// what it points to. Every path is attempted; failures are aggregated.
func (e *Engine) DeleteItems(ctx context.Context, req models.DeleteItemsRequest) error {
	if len(req.Paths) == 0 {
		return invalid(errNoPaths)
	}

	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return err
	}
	s := subject(t)

	var result *multierror.Error
	for _, raw := range req.Paths {
		target, err := e.mutablePath(raw, s)
		if err == nil {
			if _, err = os.Lstat(target); err == nil {
				err = os.RemoveAll(target)
			}
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", filepath.Base(raw), fsError(err)))
			continue
		}
		e.logger.Info("item deleted", "username", t.Username, "path", target)
	}
	return result.ErrorOrNil()
}

// RenameItem renames an entry inside one directory
func (e *Engine) RenameItem(ctx context.Context, req models.RenameItemRequest) error {
	oldName, err := itemName(req.OldName)
	if err != nil {
		return err
	}
	newName, err := itemName(req.NewName)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return err
	}
	s := subject(t)
	src, err := e.mutablePath(filepath.Join(req.Path, oldName), s)
	if err != nil {
		return err
	}
	dst, err := e.mutablePath(filepath.Join(req.Path, newName), s)
	if err != nil {
		return err
	}
	if err := e.move(src, dst); err != nil {
		return err
	}
	e.logger.Info("item renamed", "username", t.Username, "from", src, "to", dst)
	return nil
}

// MoveItems moves entries into an existing directory of the sandbox.
// Entries whose name already exists there are refused.
func (e *Engine) MoveItems(ctx context.Context, req models.MoveItemsRequest) error {
	if len(req.Paths) == 0 {
		return invalid(errNoPaths)
	}

	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return err
	}
	s := subject(t)
	if _, err := e.paths.ResolveAndCheck(req.Dest, s, pathguard.ModeList); err != nil {
		return invalid(err)
	}
	dest, err := e.paths.ResolveExisting(req.Dest, s)
	if err != nil {
		return invalid(err)
	}

	var result *multierror.Error
	for _, raw := range req.Paths {
		src, err := e.mutablePath(raw, s)
		var dst string
		if err == nil {
			dst, err = e.mutablePath(filepath.Join(dest, filepath.Base(src)), s)
		}
		if err == nil {
			err = e.move(src, dst)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", filepath.Base(raw), err))
			continue
		}
		e.logger.Info("item moved", "username", t.Username, "from", src, "to", dst)
	}
	return result.ErrorOrNil()
}

func (e *Engine) move(src, dst string) error {
	if _, err := os.Lstat(src); err != nil {
		return invalid(pathguard.ErrNotFound)
	}
	if _, err := os.Lstat(dst); err == nil {
		return invalid(errExists)
	}
	if err := os.Rename(src, dst); err != nil {
		return fsError(err)
	}
	return nil
}

// Chmod sets the permission bits of a file or directory. Symlinks are
// refused since chmod would change their target.
func (e *Engine) Chmod(ctx context.Context, req models.ChmodRequest) error {
	mode, err := parseMode(req.Mode)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return err
	}
	target, err := e.mutablePath(req.Path, subject(t))
	if err != nil {
		return err
	}
	f, err := system.OpenNoFollow(target)
	if err != nil {
		return fsError(err)
	}
	defer f.Close()
	if err := f.Chmod(mode); err != nil {
		return fmt.Errorf("failed to change mode: %w", err)
	}
	e.logger.Info("mode changed", "username", t.Username, "path", target, "mode", fmt.Sprintf("%03o", mode))
	return nil
}

// parseMode accepts plain permission bits; setuid, setgid and sticky are
// never set for a tenant
func parseMode(raw string) (os.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 8, 32)
	if err != nil || v > 0o777 {
		return 0, invalid(fmt.Errorf("%w: %q", errBadMode, raw))
	}
	return os.FileMode(v), nil
}
