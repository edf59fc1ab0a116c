package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rehmatworks/fastcp-engine/internal/archive"
	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/pathguard"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

// resolveDir confines raw to the tenant sandbox, requires an existing
// directory that is not one of the protected home entries, and follows
// symlinks before re-checking confinement
func (e *Engine) resolveDir(raw string, s pathguard.Subject) (string, error) {
	if _, err := e.paths.IsAllowed(raw, s); err != nil {
		return "", invalid(err)
	}
	dir, err := e.paths.ResolveExisting(raw, s)
	if err != nil {
		return "", invalid(err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", invalid(pathguard.ErrNotDirectory)
	}
	return dir, nil
}

// CreateArchive zips the selected entries of a directory in the tenant's
// sandbox and returns the archive path
func (e *Engine) CreateArchive(ctx context.Context, req models.CreateArchiveRequest) (string, error) {
	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return "", err
	}
	s := subject(t)
	root, err := e.resolveDir(req.Root, s)
	if err != nil {
		return "", err
	}

	selected := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		resolved, err := e.paths.ResolveExisting(p, s)
		if err != nil {
			return "", invalid(fmt.Errorf("%s: %w", filepath.Base(p), err))
		}
		selected = append(selected, resolved)
	}

	if _, err := e.limits.CheckStorage(ctx, t); err != nil {
		return "", err
	}
	path, err := archive.Create(root, req.Name, selected)
	if err != nil {
		return "", invalid(err)
	}
	system.FixOwnership(ctx, e.runner, path, t.Username)
	e.logger.Info("archive created", "username", t.Username, "path", path)
	return path, nil
}

// ExtractArchive unpacks an archive from the tenant's sandbox into an
// existing directory of the sandbox
func (e *Engine) ExtractArchive(ctx context.Context, req models.ExtractArchiveRequest) error {
	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return err
	}
	s := subject(t)
	src, err := e.paths.ResolveExisting(req.Archive, s)
	if err != nil {
		return invalid(err)
	}
	dest, err := e.resolveDir(req.Dest, s)
	if err != nil {
		return err
	}

	if _, err := e.limits.CheckStorage(ctx, t); err != nil {
		return err
	}
	if err := archive.Extract(dest, src); err != nil {
		return invalid(err)
	}
	system.FixOwnership(ctx, e.runner, dest, t.Username)
	e.logger.Info("archive extracted", "username", t.Username, "archive", src, "dest", dest)
	return nil
}
