// Package vhost generates nginx virtual hosts for websites.
package vhost

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/signals"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/templates"
)

// Generator writes and removes per-website nginx configs
type Generator struct {
	layout       sites.Layout
	renderer     *templates.Renderer
	bus          signals.Publisher
	wellKnownDir string
	logger       *slog.Logger
}

// NewGenerator creates a new vhost generator
func NewGenerator(layout sites.Layout, renderer *templates.Renderer, bus signals.Publisher, wellKnownDir string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		layout:       layout,
		renderer:     renderer,
		bus:          bus,
		wellKnownDir: wellKnownDir,
		logger:       logger,
	}
}

// HasCertificate reports whether a parseable key and chain exist for slug.
func (g *Generator) HasCertificate(slug string) bool {
	chain, err := os.ReadFile(g.layout.ChainPath(slug))
	if err != nil {
		return false
	}
	key, err := os.ReadFile(g.layout.KeyPath(slug))
	if err != nil {
		return false
	}
	if _, err := certcrypto.ParsePEMBundle(chain); err != nil {
		return false
	}
	if _, err := certcrypto.ParsePEMPrivateKey(key); err != nil {
		return false
	}
	return true
}

func (g *Generator) context(w *models.Website, redirect bool) templates.Context {
	domains := w.DomainNames()
	return templates.Context{
		"primary_domain": domains[0],
		"aliases":        domains[1:],
		"app_name":       w.Slug,
		"web_root":       g.layout.PublicDir(w.Username, w.Slug),
		"socket_path":    g.layout.SocketPath(w.Username, w.Slug),
		"log_dir":        g.layout.LogsDir(w.Username),
		"well_known_dir": g.wellKnownDir,
		"ssl_cert":       g.layout.ChainPath(w.Slug),
		"ssl_key":        g.layout.KeyPath(w.Slug),
		"redirect_https": redirect,
	}
}

// Create writes the website's vhost. With a certificate on disk the HTTPS
// vhost is written and, unless onlyPrimaryProtocol is set, an HTTP vhost
// redirecting to it. Without one only the HTTP vhost is written and any
// stale HTTPS vhost is removed. nginx is restarted on success.
func (g *Generator) Create(ctx context.Context, w *models.Website, onlyPrimaryProtocol bool) bool {
	if len(w.Domains) == 0 {
		g.logger.Error("website has no domains", "slug", w.Slug)
		return false
	}

	httpPath := g.layout.VhostHTTP(w.Slug)
	httpsPath := g.layout.VhostHTTPS(w.Slug)

	if g.HasCertificate(w.Slug) {
		if err := g.renderer.RenderToFile(templates.NginxHTTPS, g.context(w, false), httpsPath, 0644); err != nil {
			g.logger.Error("failed to write https vhost", "slug", w.Slug, "error", err)
			return false
		}
		if onlyPrimaryProtocol {
			removeIfExists(httpPath)
		} else if err := g.renderer.RenderToFile(templates.NginxHTTP, g.context(w, true), httpPath, 0644); err != nil {
			g.logger.Error("failed to write http vhost", "slug", w.Slug, "error", err)
			return false
		}
	} else {
		if err := g.renderer.RenderToFile(templates.NginxHTTP, g.context(w, false), httpPath, 0644); err != nil {
			g.logger.Error("failed to write http vhost", "slug", w.Slug, "error", err)
			return false
		}
		removeIfExists(httpsPath)
	}

	_ = g.bus.Publish(ctx, signals.Restart, signals.ProxyService)
	return true
}

// Delete removes both vhost variants and restarts nginx.
func (g *Generator) Delete(ctx context.Context, w *models.Website) bool {
	ok := true
	for _, path := range []string{g.layout.VhostHTTP(w.Slug), g.layout.VhostHTTPS(w.Slug)} {
		if err := removeIfExists(path); err != nil {
			g.logger.Error("failed to remove vhost", "slug", w.Slug, "path", path, "error", err)
			ok = false
		}
	}
	if ok {
		_ = g.bus.Publish(ctx, signals.Restart, signals.ProxyService)
	}
	return ok
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
