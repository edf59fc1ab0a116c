// Package php writes one php-fpm pool per website so every site runs
// under its tenant's identity on its own socket.
package php

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/signals"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/templates"
)

// DefaultPool is the distribution's shared pool, removed once FastCP
// manages a runtime.
const DefaultPool = "www.conf"

// PoolManager renders and removes per-website pool configs
type PoolManager struct {
	layout   sites.Layout
	renderer *templates.Renderer
	bus      signals.Publisher
	logger   *slog.Logger
}

// NewPoolManager creates a pool manager
func NewPoolManager(layout sites.Layout, renderer *templates.Renderer, bus signals.Publisher, logger *slog.Logger) *PoolManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolManager{layout: layout, renderer: renderer, bus: bus, logger: logger}
}

func (p *PoolManager) context(w *models.Website) templates.Context {
	return templates.Context{
		"ssh_user":    w.Username,
		"ssh_group":   w.Username,
		"app_name":    w.Slug,
		"socket_path": p.layout.SocketPath(w.Username, w.Slug),
		"log_dir":     p.layout.LogsDir(w.Username),
		"tmp_dir":     p.layout.TmpDir(w.Username, w.Slug),
		"php_version": w.PHPVersion,
	}
}

// Generate writes the website's pool for its PHP version and asks the
// runtime to reload.
func (p *PoolManager) Generate(ctx context.Context, w *models.Website) bool {
	if w.Username == "" || w.Slug == "" || w.PHPVersion == "" {
		p.logger.Error("incomplete website for pool config", "slug", w.Slug, "php_version", w.PHPVersion)
		return false
	}

	path := p.layout.PoolConfig(w.PHPVersion, w.Slug)
	if err := p.renderer.RenderToFile(templates.PHPPool, p.context(w), path, 0644); err != nil {
		p.logger.Error("failed to write pool config", "slug", w.Slug, "path", path, "error", err)
		return false
	}

	defaultPool := filepath.Join(p.layout.PoolDir(w.PHPVersion), DefaultPool)
	if err := os.Remove(defaultPool); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to remove default pool", "path", defaultPool, "error", err)
	}

	_ = p.bus.Publish(ctx, signals.Reload, signals.PHPService(w.PHPVersion))
	return true
}

// Delete removes the pool for the website's current PHP version
func (p *PoolManager) Delete(ctx context.Context, w *models.Website) bool {
	return p.DeleteVersion(ctx, w, w.PHPVersion)
}

// DeleteVersion removes the website's pool for a specific PHP version,
// used when a site moves to another runtime.
func (p *PoolManager) DeleteVersion(ctx context.Context, w *models.Website, version string) bool {
	if version == "" || w.Slug == "" {
		return false
	}
	path := p.layout.PoolConfig(version, w.Slug)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		p.logger.Error("failed to remove pool config", "slug", w.Slug, "path", path, "error", err)
		return false
	}
	_ = p.bus.Publish(ctx, signals.Reload, signals.PHPService(version))
	return true
}
