// Package ssl issues and renews Let's Encrypt certificates for websites.
package ssl

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/templates"
)

// RenewBefore is how long before expiry a certificate is renewed
const RenewBefore = 30 * 24 * time.Hour

// Store is the slice of the state store the certificate engine writes to.
// GetWebsite fails once the website is deleted.
type Store interface {
	UpdateDomainSSL(ctx context.Context, d *models.Domain) error
	SetWebsiteSSL(ctx context.Context, id string, hasSSL bool) error
	ListAllWebsites(ctx context.Context) ([]*models.Website, error)
	GetWebsite(ctx context.Context, id string) (*models.Website, error)
}

// VhostWriter regenerates a website's vhosts after its certificate changed
type VhostWriter interface {
	Create(ctx context.Context, w *models.Website, onlyPrimaryProtocol bool) bool
}

type resolver interface {
	IsResolving(ctx context.Context, domain string) (bool, string)
}

// Manager ties domain verification, issuance and certificate files together
type Manager struct {
	store   Store
	layout  sites.Layout
	checker resolver
	issuer  Issuer
	vhosts  VhostWriter
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a certificate manager
func NewManager(store Store, layout sites.Layout, checker *Checker, issuer Issuer, vhosts VhostWriter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		layout:  layout,
		checker: checker,
		issuer:  issuer,
		vhosts:  vhosts,
		logger:  logger,
		now:     time.Now,
	}
}

// NeedsRenewal reports whether certPEM is expired or within RenewBefore of
// expiring. Unparseable input needs renewal.
func NeedsRenewal(certPEM []byte, now time.Time) bool {
	cert, err := certcrypto.ParsePEMCertificate(certPEM)
	if err != nil {
		return true
	}
	return !cert.NotAfter.After(now.Add(RenewBefore))
}

// Due reports whether a website needs an issuance attempt and whether the
// existing key should be reused
func (m *Manager) Due(w *models.Website) (due, renew bool) {
	chain, err := os.ReadFile(m.layout.ChainPath(w.Slug))
	if err != nil {
		return true, false
	}
	for _, d := range w.Domains {
		if !d.SSL {
			return true, true
		}
	}
	return NeedsRenewal(chain, m.now()), true
}

// GetSSL verifies every domain of w, issues a certificate for the ones
// pointing here and installs it. Domains that fail verification are left
// out and keep ssl=false. Every failure is logged and reported as false.
func (m *Manager) GetSSL(ctx context.Context, w *models.Website, renew bool) (ok bool) {
	log := m.logger.With("website", w.ID, "slug", w.Slug)
	defer func() {
		if r := recover(); r != nil {
			log.Error("ssl issuance panicked", "panic", r)
			ok = false
		}
	}()

	now := m.now()
	var verified []*models.Domain
	for i := range w.Domains {
		d := &w.Domains[i]
		resolving, ip := m.checker.IsResolving(ctx, d.Name)
		d.ResolvingIP = ip
		d.LastAttempt = &now
		if resolving {
			verified = append(verified, d)
			continue
		}
		d.SSL = false
		d.SSLError = "domain does not point to this server"
		d.SSLRetryCount++
		m.saveDomain(ctx, d)
	}
	if len(verified) == 0 {
		log.Info("no domain of the website resolves here, skipping ssl")
		return false
	}

	names := make([]string, 0, len(verified))
	for _, d := range verified {
		names = append(names, d.Name)
	}

	if m.covered(w.Slug, names, now) {
		// a new order would repeat the current certificate
		changed := false
		for _, d := range verified {
			if !d.SSL {
				d.SSL = true
				d.SSLError = ""
				m.saveDomain(ctx, d)
				changed = true
			}
		}
		if changed && !m.vhosts.Create(ctx, w, false) {
			log.Warn("vhost regeneration failed")
		}
		log.Info("current certificate already covers every verified domain", "domains", names)
		return false
	}

	var key crypto.PrivateKey
	if renew {
		key = m.existingKey(w.Slug, log)
	}

	bundle, err := m.issuer.Issue(ctx, names, key)
	if err == nil {
		err = m.install(w.Slug, bundle)
	}
	if err != nil {
		log.Error("ssl issuance failed", "domains", names, "error", err)
		for _, d := range verified {
			d.SSLError = err.Error()
			d.SSLRetryCount++
			m.saveDomain(ctx, d)
		}
		return false
	}

	for _, d := range verified {
		d.SSL = true
		d.SSLError = ""
		d.SSLRetryCount = 0
		m.saveDomain(ctx, d)
	}
	w.HasSSL = true
	if err := m.store.SetWebsiteSSL(ctx, w.ID, true); err != nil {
		log.Warn("failed to record website ssl", "error", err)
	}
	if !m.vhosts.Create(ctx, w, false) {
		log.Warn("certificate installed but vhost regeneration failed")
	}

	log.Info("ssl certificate installed", "domains", names)
	return true
}

// covered reports whether the installed certificate is not due for
// renewal and already lists every name
func (m *Manager) covered(slug string, names []string, now time.Time) bool {
	chain, err := os.ReadFile(m.layout.ChainPath(slug))
	if err != nil || NeedsRenewal(chain, now) {
		return false
	}
	cert, err := certcrypto.ParsePEMCertificate(chain)
	if err != nil {
		return false
	}
	for _, name := range names {
		if !slices.Contains(cert.DNSNames, name) {
			return false
		}
	}
	return true
}

// existingKey reads the website's key for reuse; a missing or broken key
// means a fresh one is generated
func (m *Manager) existingKey(slug string, log *slog.Logger) crypto.PrivateKey {
	data, err := os.ReadFile(m.layout.KeyPath(slug))
	if err != nil {
		log.Warn("no existing key to reuse, a new one will be generated", "error", err)
		return nil
	}
	key, err := certcrypto.ParsePEMPrivateKey(data)
	if err != nil {
		log.Warn("existing key unreadable, a new one will be generated", "error", err)
		return nil
	}
	return key
}

func (m *Manager) install(slug string, b *Bundle) error {
	if len(b.PrivateKey) == 0 || len(b.FullChain) == 0 {
		return errors.New("issuer returned an empty bundle")
	}
	if err := os.MkdirAll(m.layout.SSLDir(slug), 0700); err != nil {
		return fmt.Errorf("failed to create ssl dir: %w", err)
	}
	if err := templates.WriteFileAtomic(m.layout.KeyPath(slug), b.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := templates.WriteFileAtomic(m.layout.ChainPath(slug), b.FullChain, 0644); err != nil {
		return fmt.Errorf("failed to write certificate chain: %w", err)
	}
	return nil
}

func (m *Manager) saveDomain(ctx context.Context, d *models.Domain) {
	if err := m.store.UpdateDomainSSL(ctx, d); err != nil {
		m.logger.Warn("failed to record domain ssl state", "domain", d.Name, "error", err)
	}
}

// RemoveCertificate deletes the website's key and chain
func (m *Manager) RemoveCertificate(w *models.Website) error {
	if err := os.RemoveAll(m.layout.SSLDir(w.Slug)); err != nil {
		return fmt.Errorf("failed to remove certificate: %w", err)
	}
	return nil
}
