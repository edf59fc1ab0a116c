// Package limits enforces tenant quotas and measures storage usage.
package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

// ErrQuotaExceeded is returned when creating a resource would pass the
// tenant's limit
var ErrQuotaExceeded = errors.New("quota exceeded")

// Resource names a countable tenant resource
type Resource string

const (
	Websites    Resource = "websites"
	Databases   Resource = "databases"
	FTPAccounts Resource = "ftp_accounts"
	Storage     Resource = "storage"
)

// Max returns the tenant's limit for r; 0 means unlimited
func Max(t *models.Tenant, r Resource) int64 {
	switch r {
	case Websites:
		return int64(t.MaxWebsites)
	case Databases:
		return int64(t.MaxDatabases)
	case FTPAccounts:
		return int64(t.MaxFTPAccounts)
	case Storage:
		return t.MaxStorageBytes
	}
	return 0
}

// Check rejects one more unit of r when used already reached the limit.
// Superusers are never limited.
func Check(t *models.Tenant, r Resource, used int64) error {
	if t.IsSuperuser {
		return nil
	}
	limit := Max(t, r)
	if limit > 0 && used >= limit {
		return fmt.Errorf("%w: %s (%d of %d)", ErrQuotaExceeded, r, used, limit)
	}
	return nil
}

// Manager measures resource usage for tenants
type Manager struct {
	runner system.Runner
	layout sites.Layout
	logger *slog.Logger
}

// NewManager creates a new limits manager
func NewManager(runner system.Runner, layout sites.Layout, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runner: runner, layout: layout, logger: logger}
}

// DiskUsage returns the bytes used under the tenant's home
func (m *Manager) DiskUsage(ctx context.Context, username string) (int64, error) {
	// -s summary, -b apparent size in bytes
	output, err := m.runner.Run(ctx, "du", "-sb", m.layout.TenantBase(username))
	if err != nil {
		return 0, err
	}

	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected du output %q", output)
	}
	return strconv.ParseInt(fields[0], 10, 64)
}

// CheckStorage measures the tenant's home and rejects further writes when
// it is at or over the storage limit. The measured value is returned so
// the caller can record it.
func (m *Manager) CheckStorage(ctx context.Context, t *models.Tenant) (int64, error) {
	if t.IsSuperuser || t.MaxStorageBytes <= 0 {
		return 0, nil
	}
	used, err := m.DiskUsage(ctx, t.Username)
	if err != nil {
		m.logger.Warn("failed to measure storage", "username", t.Username, "error", err)
		return 0, nil
	}
	return used, Check(t, Storage, used)
}
