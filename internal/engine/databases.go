package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/rehmatworks/fastcp-engine/internal/database"
	"github.com/rehmatworks/fastcp-engine/internal/limits"
	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/saga"
)

var errNoMySQL = errors.New("database server is not configured")

// CreateDatabase creates a schema and its user for a tenant. Quota and
// name checks run before any statement reaches the server; when
// provisioning fails midway, whatever this call created is dropped.
func (e *Engine) CreateDatabase(ctx context.Context, req models.CreateDatabaseRequest) (*models.Database, error) {
	if e.mysql == nil {
		return nil, errNoMySQL
	}
	if err := database.ValidateIdentifier(req.Name); err != nil {
		return nil, invalid(err)
	}
	if err := database.ValidateIdentifier(req.Username); err != nil {
		return nil, invalid(err)
	}
	if req.Password == "" {
		return nil, invalidf("password is required")
	}

	unlock := e.locks.Lock(tenantKey(req.TenantID))
	defer unlock()

	t, err := e.tenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	count, err := e.store.CountDatabases(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := limits.Check(t, limits.Databases, int64(count)); err != nil {
		return nil, err
	}
	if taken, err := e.store.DatabaseNameTaken(ctx, req.Name, req.Username); err != nil {
		return nil, err
	} else if taken {
		return nil, invalidf("database %s or user %s already exists", req.Name, req.Username)
	}
	if exists, err := e.mysql.Exists(ctx, req.Name, req.Username); err != nil {
		return nil, fmt.Errorf("failed to check database server: %w", err)
	} else if exists {
		return nil, invalidf("database %s or user %s already exists on the server", req.Name, req.Username)
	}

	d := &models.Database{
		ID:       uuid.New().String(),
		TenantID: t.ID,
		Name:     req.Name,
		Username: req.Username,
	}
	drop := func(ctx context.Context) error {
		return e.dropDatabase(ctx, d)
	}
	steps := []saga.Step{
		{
			Name: "server",
			Do: func(ctx context.Context) error {
				err := e.mysql.SetupDB(ctx, d.Username, req.Password, d.Name)
				if err != nil {
					if cerr := drop(context.WithoutCancel(ctx)); cerr != nil {
						e.logger.Warn("database cleanup incomplete", "database", d.Name, "error", cerr)
					}
				}
				return err
			},
			Undo: drop,
		},
		{
			Name: "record",
			Do:   func(ctx context.Context) error { return e.store.CreateDatabase(ctx, d) },
		},
	}
	if err := saga.Run(ctx, e.logger.With("username", t.Username), steps); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, invalid(err)
		}
		return nil, err
	}
	return d, nil
}

// DeleteDatabase drops the schema and user and removes the record
func (e *Engine) DeleteDatabase(ctx context.Context, databaseID string) error {
	d, err := e.store.GetDatabase(ctx, databaseID)
	if err != nil {
		return notFound(err, "database")
	}
	unlock := e.locks.Lock(tenantKey(d.TenantID))
	defer unlock()
	return e.teardownDatabase(ctx, d)
}

func (e *Engine) teardownDatabase(ctx context.Context, d *models.Database) error {
	var result *multierror.Error
	if err := e.dropDatabase(ctx, d); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.store.DeleteDatabase(ctx, d.ID); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to delete database record: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		e.logger.Warn("database teardown incomplete", "database", d.Name, "error", err)
		return err
	}
	e.logger.Info("database deleted", "database", d.Name)
	return nil
}

// dropDatabase removes the schema and both user bindings independently
func (e *Engine) dropDatabase(ctx context.Context, d *models.Database) error {
	if e.mysql == nil {
		return errNoMySQL
	}
	var result *multierror.Error
	if err := e.mysql.DropDB(ctx, d.Name); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.mysql.DropUser(ctx, d.Username); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// UpdateDatabasePassword rotates the password of a database's user
func (e *Engine) UpdateDatabasePassword(ctx context.Context, req models.UpdateDatabasePasswordRequest) error {
	if e.mysql == nil {
		return errNoMySQL
	}
	if req.Password == "" {
		return invalidf("password is required")
	}
	d, err := e.store.GetDatabase(ctx, req.DatabaseID)
	if err != nil {
		return notFound(err, "database")
	}
	if err := e.mysql.UpdatePassword(ctx, d.Username, req.Password); err != nil {
		return err
	}
	e.logger.Info("database password updated", "database", d.Name, "db_user", d.Username)
	return nil
}
