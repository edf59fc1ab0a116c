package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/rehmatworks/fastcp-engine/internal/accounts"
	"github.com/rehmatworks/fastcp-engine/internal/database"
	"github.com/rehmatworks/fastcp-engine/internal/models"
)

// CreateTenant records a tenant and provisions its OS account and home
// tree. When provisioning fails the record is removed again, so a failed
// create leaves nothing behind.
func (e *Engine) CreateTenant(ctx context.Context, req models.CreateTenantRequest) (*models.SetupTenantResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := accounts.ValidateUsername(req.Username); err != nil {
		return nil, invalid(err)
	}
	password := req.Password
	req.Password = ""

	t, err := e.store.CreateTenant(ctx, req)
	if errors.Is(err, database.ErrDuplicate) {
		return nil, invalidf("username %s is already taken", req.Username)
	}
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(tenantKey(t.ID))
	defer unlock()

	res, err := e.accounts.SetupTenant(ctx, t, password)
	if err != nil {
		if derr := e.store.DeleteTenant(context.WithoutCancel(ctx), t.ID); derr != nil {
			e.logger.Warn("failed to roll back tenant record", "username", t.Username, "error", derr)
		}
		var se *StepError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, invalid(err)
	}
	e.logger.Info("tenant created", "username", t.Username, "tenant", t.ID)
	return res, nil
}

// SetupTenant creates the OS account and home tree of a recorded tenant
func (e *Engine) SetupTenant(ctx context.Context, req models.SetupTenantRequest) (*models.SetupTenantResult, error) {
	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if t.UID != nil {
		return nil, invalidf("tenant %s is already provisioned", t.Username)
	}
	res, err := e.accounts.SetupTenant(ctx, t, req.Password)
	if err != nil {
		var se *StepError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, invalid(err)
	}
	return res, nil
}

// DeleteTenant tears down everything the tenant owns: websites, databases,
// FTP accounts, the OS account and finally the record. Every part is
// attempted; failures are aggregated.
func (e *Engine) DeleteTenant(ctx context.Context, tenantID int64) error {
	unlock := e.locks.Lock(tenantKey(tenantID))
	defer unlock()

	t, err := e.tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	log := e.logger.With("username", t.Username)
	log.Info("deleting tenant")

	var result *multierror.Error

	websites, err := e.store.ListWebsitesByTenant(ctx, t.ID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, w := range websites {
		if err := e.teardownLocked(ctx, w); err != nil {
			result = multierror.Append(result, err)
		}
	}

	dbs, err := e.store.ListDatabases(ctx, t.ID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, d := range dbs {
		if err := e.teardownDatabase(ctx, d); err != nil {
			result = multierror.Append(result, err)
		}
	}

	ftpAccounts, err := e.store.ListFTPAccounts(ctx, t.ID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, a := range ftpAccounts {
		if err := e.ftp.Delete(ctx, a.Username); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := e.accounts.DeleteAccount(ctx, t.Username); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.store.DeleteTenant(ctx, t.ID); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to delete tenant record: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Warn("tenant teardown incomplete", "error", err)
		return err
	}
	log.Info("tenant deleted")
	return nil
}

// teardownLocked holds the website lock so a running certificate scan
// finishes before the website disappears. Tenant locks are always taken
// before website locks.
func (e *Engine) teardownLocked(ctx context.Context, w *models.Website) error {
	unlock := e.locks.Lock(websiteKey(w.ID))
	defer unlock()
	return e.teardownWebsite(ctx, w)
}

// FixPermissions re-applies ownership and ACLs to a tenant's home and
// every website tree
func (e *Engine) FixPermissions(ctx context.Context, username string) error {
	t, err := e.store.GetTenantByUsername(ctx, username)
	if err != nil {
		return notFound(err, "tenant")
	}
	unlock := e.locks.Lock(tenantKey(t.ID))
	defer unlock()

	if err := e.accounts.FixPermissions(ctx, t.Username); err != nil {
		return err
	}
	websites, err := e.store.ListWebsitesByTenant(ctx, t.ID)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, w := range websites {
		if _, ok := e.sites.CreateWebsiteTree(ctx, w); !ok {
			result = multierror.Append(result, fmt.Errorf("website %s: ownership not fixed", w.Slug))
		}
	}
	return result.ErrorOrNil()
}

// RefreshStorage measures a tenant's home and records the usage
func (e *Engine) RefreshStorage(ctx context.Context, tenantID int64) (int64, error) {
	t, err := e.tenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	used, err := e.limits.DiskUsage(ctx, t.Username)
	if err != nil {
		return 0, fmt.Errorf("failed to measure storage: %w", err)
	}
	if err := e.store.UpdateStorageUsed(ctx, t.ID, used); err != nil {
		return 0, err
	}
	return used, nil
}
