package sites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

var ErrMissingOwner = errors.New("website has no owner username")

// Manager creates and removes tenant and website directory trees
type Manager struct {
	layout Layout
	runner system.Runner
	logger *slog.Logger
}

// NewManager creates a new directory tree manager
func NewManager(layout Layout, runner system.Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{layout: layout, runner: runner, logger: logger}
}

// Layout returns the path contract the manager writes to
func (m *Manager) Layout() Layout {
	return m.layout
}

// CreateTenantTree ensures base, apps, run and logs exist. Safe to repeat.
func (m *Manager) CreateTenantTree(username string) error {
	if username == "" {
		return ErrMissingOwner
	}
	dirs := []string{
		m.layout.TenantBase(username),
		m.layout.AppsDir(username),
		m.layout.RunDir(username),
		m.layout.LogsDir(username),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// CreateWebsiteTree creates the tenant tree (if missing) plus the
// website's base, public and tmp directories, then hands them to the
// tenant. It returns the website base and whether everything succeeded.
func (m *Manager) CreateWebsiteTree(ctx context.Context, w *models.Website) (string, bool) {
	if err := m.CreateTenantTree(w.Username); err != nil {
		m.logger.Error("failed to create tenant tree", "username", w.Username, "error", err)
		return "", false
	}

	base := m.layout.WebsiteBase(w.Username, w.Slug)
	for _, dir := range []string{base, m.layout.PublicDir(w.Username, w.Slug), m.layout.TmpDir(w.Username, w.Slug)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			m.logger.Error("failed to create website directory", "slug", w.Slug, "dir", dir, "error", err)
			return "", false
		}
	}

	if !system.FixOwnership(ctx, m.runner, base, w.Username) {
		return base, false
	}
	return base, true
}

// DeleteWebsiteTree removes the website base and its socket.
func (m *Manager) DeleteWebsiteTree(w *models.Website) error {
	if w.Username == "" || w.Slug == "" {
		return ErrMissingOwner
	}
	if err := os.RemoveAll(m.layout.WebsiteBase(w.Username, w.Slug)); err != nil {
		return fmt.Errorf("failed to remove website tree: %w", err)
	}
	if err := os.Remove(m.layout.SocketPath(w.Username, w.Slug)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	return nil
}

// DeleteTenantTree removes a tenant's whole home tree.
func (m *Manager) DeleteTenantTree(username string) error {
	if username == "" {
		return ErrMissingOwner
	}
	if err := os.RemoveAll(m.layout.TenantBase(username)); err != nil {
		return fmt.Errorf("failed to remove tenant tree: %w", err)
	}
	return nil
}
