package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/rehmatworks/fastcp-engine/internal/database"
	"github.com/rehmatworks/fastcp-engine/internal/limits"
	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/saga"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
)

// slugAttempts bounds retries when a concurrent writer claims the slug
const slugAttempts = 5

// CreateWebsite records a website and provisions its directory tree, PHP
// pool and vhost. The first domain is the primary one.
func (e *Engine) CreateWebsite(ctx context.Context, req models.CreateWebsiteRequest) (*models.Website, error) {
	label := strings.TrimSpace(req.Label)
	if label == "" {
		return nil, invalidf("label is required")
	}
	if len(req.Domains) == 0 {
		return nil, invalidf("at least one domain is required")
	}
	phpVersion := req.PHPVersion
	if phpVersion == "" {
		phpVersion = e.cfg.DefaultPHP
	}
	if err := sites.ValidatePHPVersion(phpVersion); err != nil {
		return nil, invalid(err)
	}

	domains := make([]models.Domain, 0, len(req.Domains))
	seen := make(map[string]bool)
	for _, raw := range req.Domains {
		name, err := sites.NormalizeDomain(raw)
		if err != nil {
			return nil, invalid(err)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		domains = append(domains, models.Domain{Name: name})
	}

	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if err := requireProvisioned(t); err != nil {
		return nil, err
	}
	count, err := e.store.CountWebsites(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := limits.Check(t, limits.Websites, int64(count)); err != nil {
		return nil, err
	}
	if _, err := e.limits.CheckStorage(ctx, t); err != nil {
		return nil, err
	}
	if taken, err := e.store.LabelTaken(ctx, label); err != nil {
		return nil, err
	} else if taken {
		return nil, invalidf("label %q is already in use", label)
	}
	for _, d := range domains {
		if exists, err := e.store.DomainExists(ctx, d.Name); err != nil {
			return nil, err
		} else if exists {
			return nil, invalidf("domain %s is already in use", d.Name)
		}
	}

	w := &models.Website{
		ID:          uuid.New().String(),
		TenantID:    t.ID,
		Label:       label,
		PHPVersion:  phpVersion,
		IsWordPress: req.IsWordPress,
		Username:    t.Username,
		Domains:     domains,
	}
	log := e.logger.With("username", t.Username, "label", label)

	steps := []saga.Step{
		{
			Name: "record",
			Do:   func(ctx context.Context) error { return e.insertWebsite(ctx, w) },
			Undo: func(ctx context.Context) error { return e.store.DeleteWebsite(ctx, w.ID) },
		},
		{
			Name: "directories",
			Do: func(ctx context.Context) error {
				if _, ok := e.sites.CreateWebsiteTree(ctx, w); !ok {
					return errors.New("failed to create website directories")
				}
				return nil
			},
			Undo: func(ctx context.Context) error { return e.sites.DeleteWebsiteTree(w) },
		},
		{
			Name: "php pool",
			Do: func(ctx context.Context) error {
				if !e.pools.Generate(ctx, w) {
					return errors.New("failed to write php pool")
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				if !e.pools.Delete(ctx, w) {
					return errors.New("failed to remove php pool")
				}
				return nil
			},
		},
		{
			Name: "vhost",
			Do: func(ctx context.Context) error {
				if !e.vhosts.Create(ctx, w, false) {
					return errors.New("failed to write vhost")
				}
				return nil
			},
		},
	}
	if err := saga.Run(ctx, log, steps); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, invalid(err)
		}
		return nil, err
	}

	log.Info("website created", "slug", w.Slug, "website", w.ID)
	return e.website(ctx, w.ID)
}

// insertWebsite picks a free slug and inserts the record, moving on to
// the next candidate when another writer claimed it first
func (e *Engine) insertWebsite(ctx context.Context, w *models.Website) error {
	taken := func(slug string) (bool, error) { return e.store.SlugTaken(ctx, slug) }
	for attempt := 0; attempt < slugAttempts; attempt++ {
		slug, err := sites.UniqueSlug(w.Label, taken)
		if err != nil {
			return invalid(err)
		}
		w.Slug = slug
		err = e.store.CreateWebsite(ctx, w)
		if !errors.Is(err, database.ErrSlugTaken) {
			return err
		}
		e.logger.Debug("slug claimed concurrently, retrying", "slug", slug)
	}
	return sites.ErrSlugExhausted
}

// DeleteWebsite removes a website's vhost, pool, certificate, files and
// record
func (e *Engine) DeleteWebsite(ctx context.Context, websiteID string) error {
	unlock := e.locks.Lock(websiteKey(websiteID))
	defer unlock()

	w, err := e.website(ctx, websiteID)
	if err != nil {
		return err
	}
	return e.teardownWebsite(ctx, w)
}

// teardownWebsite runs every removal step even when one fails
func (e *Engine) teardownWebsite(ctx context.Context, w *models.Website) error {
	var result *multierror.Error
	if !e.vhosts.Delete(ctx, w) {
		result = multierror.Append(result, errors.New("vhost not removed"))
	}
	if !e.pools.Delete(ctx, w) {
		result = multierror.Append(result, errors.New("php pool not removed"))
	}
	if err := e.ssl.RemoveCertificate(w); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.sites.DeleteWebsiteTree(w); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.store.DeleteWebsite(ctx, w.ID); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to delete website record: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		e.logger.Warn("website teardown incomplete", "slug", w.Slug, "error", err)
		return fmt.Errorf("website %s: %w", w.Slug, err)
	}
	e.logger.Info("website deleted", "slug", w.Slug, "username", w.Username)
	return nil
}

// ChangePHPVersion moves a website's pool to another PHP runtime
func (e *Engine) ChangePHPVersion(ctx context.Context, req models.ChangePHPVersionRequest) (*models.Website, error) {
	if err := sites.ValidatePHPVersion(req.PHPVersion); err != nil {
		return nil, invalid(err)
	}

	unlock := e.locks.Lock(websiteKey(req.WebsiteID))
	defer unlock()

	w, err := e.website(ctx, req.WebsiteID)
	if err != nil {
		return nil, err
	}
	old := w.PHPVersion
	if old == req.PHPVersion {
		return w, nil
	}

	w.PHPVersion = req.PHPVersion
	steps := []saga.Step{
		{
			Name: "php pool",
			Do: func(ctx context.Context) error {
				if !e.pools.Generate(ctx, w) {
					return fmt.Errorf("failed to write php %s pool", w.PHPVersion)
				}
				return nil
			},
			Undo: func(ctx context.Context) error {
				e.pools.DeleteVersion(ctx, w, req.PHPVersion)
				return nil
			},
		},
		{
			Name: "record",
			Do:   func(ctx context.Context) error { return e.store.UpdatePHPVersion(ctx, w.ID, w.PHPVersion) },
		},
	}
	if err := saga.Run(ctx, e.logger, steps); err != nil {
		return nil, err
	}

	if !e.pools.DeleteVersion(ctx, w, old) {
		e.logger.Warn("old php pool not removed", "slug", w.Slug, "php_version", old)
	}
	e.logger.Info("php version changed", "slug", w.Slug, "from", old, "to", w.PHPVersion)
	return w, nil
}

// AddDomain attaches a domain to a website and rewrites its vhost. The
// certificate picks the new domain up on the next scan.
func (e *Engine) AddDomain(ctx context.Context, req models.AddDomainRequest) (*models.Domain, error) {
	name, err := sites.NormalizeDomain(req.Domain)
	if err != nil {
		return nil, invalid(err)
	}

	unlock := e.locks.Lock(websiteKey(req.WebsiteID))
	defer unlock()

	w, err := e.website(ctx, req.WebsiteID)
	if err != nil {
		return nil, err
	}
	d, err := e.store.AddDomain(ctx, w.ID, name)
	if errors.Is(err, database.ErrDuplicate) {
		return nil, invalidf("domain %s is already in use", name)
	}
	if err != nil {
		return nil, err
	}

	w.Domains = append(w.Domains, *d)
	if !e.vhosts.Create(ctx, w, false) {
		if derr := e.store.DeleteDomain(context.WithoutCancel(ctx), d.ID); derr != nil {
			e.logger.Warn("failed to roll back domain", "domain", name, "error", derr)
		}
		return nil, fmt.Errorf("failed to rewrite vhost for %s", w.Slug)
	}
	e.logger.Info("domain added", "slug", w.Slug, "domain", name)
	return d, nil
}

// DeleteDomain detaches a domain. The last domain of a website cannot be
// removed.
func (e *Engine) DeleteDomain(ctx context.Context, req models.DeleteDomainRequest) error {
	unlock := e.locks.Lock(websiteKey(req.WebsiteID))
	defer unlock()

	w, err := e.website(ctx, req.WebsiteID)
	if err != nil {
		return err
	}
	d, err := e.store.GetDomain(ctx, req.DomainID)
	if err != nil {
		return notFound(err, "domain")
	}
	if d.WebsiteID != w.ID {
		return fmt.Errorf("domain: %w", ErrNotFound)
	}
	if len(w.Domains) <= 1 {
		return ErrLastDomain
	}

	// the vhost is rewritten first so a failure leaves record and vhost
	// agreeing on the domain
	all := w.Domains
	remaining := make([]models.Domain, 0, len(all)-1)
	for _, other := range all {
		if other.ID != d.ID {
			remaining = append(remaining, other)
		}
	}
	w.Domains = remaining
	if !e.vhosts.Create(ctx, w, false) {
		w.Domains = all
		if !e.vhosts.Create(context.WithoutCancel(ctx), w, false) {
			e.logger.Warn("failed to restore vhost", "slug", w.Slug, "domain", d.Name)
		}
		return fmt.Errorf("failed to rewrite vhost for %s", w.Slug)
	}
	if err := e.store.DeleteDomain(ctx, d.ID); err != nil {
		w.Domains = all
		if !e.vhosts.Create(context.WithoutCancel(ctx), w, false) {
			e.logger.Warn("failed to restore vhost", "slug", w.Slug, "domain", d.Name)
		}
		return err
	}
	e.logger.Info("domain removed", "slug", w.Slug, "domain", d.Name)
	return nil
}
