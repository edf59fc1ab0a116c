package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rehmatworks/fastcp-engine/internal/database"
	"github.com/rehmatworks/fastcp-engine/internal/ftp"
	"github.com/rehmatworks/fastcp-engine/internal/limits"
	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/pathguard"
	"github.com/rehmatworks/fastcp-engine/internal/saga"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

// CreateFTPAccount adds a pure-ftpd virtual user whose home is confined
// to the tenant's sandbox
func (e *Engine) CreateFTPAccount(ctx context.Context, req models.CreateFTPAccountRequest) (*models.FTPAccount, error) {
	if err := ftp.ValidateUsername(req.Username); err != nil {
		return nil, invalid(err)
	}
	if req.Password == "" {
		return nil, invalid(ftp.ErrEmptyPassword)
	}
	if req.BandwidthKB < 0 || req.QuotaMB < 0 {
		return nil, invalidf("bandwidth and quota must not be negative")
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
	count, err := e.store.CountFTPAccounts(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := limits.Check(t, limits.FTPAccounts, int64(count)); err != nil {
		return nil, err
	}
	if taken, err := e.store.FTPUsernameTaken(ctx, req.Username); err != nil {
		return nil, err
	} else if taken {
		return nil, invalidf("ftp user %s already exists", req.Username)
	}

	home := req.HomeDir
	if req.WebsiteID != "" {
		w, err := e.website(ctx, req.WebsiteID)
		if err != nil {
			return nil, err
		}
		if w.TenantID != t.ID {
			return nil, fmt.Errorf("website: %w", ErrNotFound)
		}
		if home == "" {
			home = e.layout.WebsiteBase(t.Username, w.Slug)
		}
	}
	if home == "" {
		home = e.layout.AppsDir(t.Username)
	}
	home, err = e.paths.ResolveAndCheck(home, subject(t), pathguard.ModeMutate)
	if err != nil {
		return nil, invalid(err)
	}

	acct := &models.FTPAccount{
		ID:          uuid.New().String(),
		TenantID:    t.ID,
		Username:    req.Username,
		HomeDir:     home,
		WebsiteID:   req.WebsiteID,
		Permissions: req.Permissions,
		BandwidthKB: req.BandwidthKB,
		QuotaMB:     req.QuotaMB,
	}
	steps := []saga.Step{
		{
			// created without following links the tenant may have planted
			Name: "home",
			Do: func(ctx context.Context) error {
				return system.MkdirBelow(e.layout.TenantBase(t.Username), home, 0755)
			},
		},
		{
			Name: "pure-pw",
			Do:   func(ctx context.Context) error { return e.ftp.Create(ctx, acct, req.Password, t.Username) },
			Undo: func(ctx context.Context) error { return e.ftp.Delete(ctx, acct.Username) },
		},
		{
			Name: "record",
			Do:   func(ctx context.Context) error { return e.store.CreateFTPAccount(ctx, acct) },
		},
	}
	if err := saga.Run(ctx, e.logger.With("username", t.Username), steps); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, invalid(err)
		}
		return nil, err
	}
	return acct, nil
}

func (e *Engine) ftpAccount(ctx context.Context, id string) (*models.FTPAccount, error) {
	a, err := e.store.GetFTPAccount(ctx, id)
	if err != nil {
		return nil, notFound(err, "ftp account")
	}
	return a, nil
}

// DeleteFTPAccount removes the virtual user and its record
func (e *Engine) DeleteFTPAccount(ctx context.Context, id string) error {
	a, err := e.ftpAccount(ctx, id)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(tenantKey(a.TenantID))
	defer unlock()

	if err := e.ftp.Delete(ctx, a.Username); err != nil {
		return err
	}
	if err := e.store.DeleteFTPAccount(ctx, a.ID); err != nil {
		return fmt.Errorf("failed to delete ftp record: %w", err)
	}
	e.logger.Info("ftp account deleted", "ftp_user", a.Username)
	return nil
}

// UpdateFTPPassword changes a virtual user's password
func (e *Engine) UpdateFTPPassword(ctx context.Context, id, password string) error {
	if password == "" {
		return invalid(ftp.ErrEmptyPassword)
	}
	a, err := e.ftpAccount(ctx, id)
	if err != nil {
		return err
	}
	return e.ftp.SetPassword(ctx, a.Username, password)
}

// SetFTPLocked locks or unlocks a virtual user
func (e *Engine) SetFTPLocked(ctx context.Context, id string, locked bool) error {
	a, err := e.ftpAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := e.ftp.SetLocked(ctx, a.Username, locked); err != nil {
		return err
	}
	return e.store.SetFTPLocked(ctx, a.ID, locked)
}
