package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rehmatworks/fastcp-engine/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrSlugTaken is returned when another website claimed the slug first
	ErrSlugTaken = errors.New("slug already taken")
	// ErrDuplicate is returned for any other unique constraint violation
	ErrDuplicate = errors.New("record already exists")
)

// DB wraps the SQLite database
type DB struct {
	*sql.DB
}

// Open opens the SQLite database and runs migrations
func Open(path string) (*DB, error) {
	// - _journal_mode=WAL: concurrent readers while the agent writes
	// - _foreign_keys=on: domains cascade with their website
	// - _busy_timeout=5000: wait for locks instead of failing immediately
	connStr := path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000&_temp_store=MEMORY"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			uid INTEGER,
			is_superuser INTEGER DEFAULT 0,
			max_databases INTEGER DEFAULT 0,
			max_websites INTEGER DEFAULT 0,
			max_storage_bytes INTEGER DEFAULT 0,
			max_ftp_accounts INTEGER DEFAULT 0,
			storage_used INTEGER DEFAULT 0,
			password_enc TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS websites (
			id TEXT PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			label TEXT UNIQUE NOT NULL,
			slug TEXT UNIQUE NOT NULL,
			php_version TEXT NOT NULL,
			has_ssl INTEGER DEFAULT 0,
			is_wordpress INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS domains (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			website_id TEXT NOT NULL,
			name TEXT UNIQUE NOT NULL,
			ssl INTEGER DEFAULT 0,
			resolving_ip TEXT DEFAULT '',
			ssl_error TEXT DEFAULT '',
			ssl_retry_count INTEGER DEFAULT 0,
			last_attempt DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (website_id) REFERENCES websites(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS databases (
			id TEXT PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			name TEXT UNIQUE NOT NULL,
			username TEXT UNIQUE NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS ftp_accounts (
			id TEXT PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			username TEXT UNIQUE NOT NULL,
			home_dir TEXT NOT NULL,
			website_id TEXT DEFAULT '',
			permissions TEXT DEFAULT 'rw',
			bandwidth_kb INTEGER DEFAULT 0,
			quota_mb INTEGER DEFAULT 0,
			locked INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_websites_tenant ON websites(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_domains_website ON domains(website_id)`,
		`CREATE INDEX IF NOT EXISTS idx_databases_tenant ON databases(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ftp_tenant ON ftp_accounts(tenant_id)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			// Ignore errors from ALTER TABLE (column may already exist)
			if !strings.Contains(m, "ALTER TABLE") {
				return err
			}
		}
	}

	return nil
}

// uniqueViolation reports whether err is a sqlite UNIQUE constraint failure
func uniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Tenant operations

const tenantColumns = `id, username, uid, is_superuser, max_databases, max_websites,
	max_storage_bytes, max_ftp_accounts, storage_used, COALESCE(password_enc, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*models.Tenant, error) {
	var t models.Tenant
	var uid sql.NullInt64
	if err := row.Scan(&t.ID, &t.Username, &uid, &t.IsSuperuser, &t.MaxDatabases, &t.MaxWebsites,
		&t.MaxStorageBytes, &t.MaxFTPAccounts, &t.StorageUsed, &t.PasswordEnc, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if uid.Valid {
		v := int(uid.Int64)
		t.UID = &v
	}
	return &t, nil
}

func (db *DB) CreateTenant(ctx context.Context, req models.CreateTenantRequest) (*models.Tenant, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO tenants (username, is_superuser, max_databases, max_websites, max_storage_bytes, max_ftp_accounts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.Username, req.IsSuperuser, req.MaxDatabases, req.MaxWebsites, req.MaxStorageBytes, req.MaxFTPAccounts,
	)
	if err != nil {
		if uniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	id, _ := result.LastInsertId()
	return db.GetTenant(ctx, id)
}

func (db *DB) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	t, err := scanTenant(db.QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = ?", id))
	return t, notFound(err)
}

func (db *DB) GetTenantByUsername(ctx context.Context, username string) (*models.Tenant, error) {
	t, err := scanTenant(db.QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE username = ?", username))
	return t, notFound(err)
}

func (db *DB) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetTenantUID records the OS uid once the account exists
func (db *DB) SetTenantUID(ctx context.Context, id int64, uid int) error {
	_, err := db.ExecContext(ctx,
		"UPDATE tenants SET uid = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", uid, id)
	return err
}

// ClearTenantUID marks the OS account as gone
func (db *DB) ClearTenantUID(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx,
		"UPDATE tenants SET uid = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

func (db *DB) SetTenantPassword(ctx context.Context, id int64, encrypted string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE tenants SET password_enc = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", encrypted, id)
	return err
}

func (db *DB) UpdateStorageUsed(ctx context.Context, id int64, bytes int64) error {
	_, err := db.ExecContext(ctx,
		"UPDATE tenants SET storage_used = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", bytes, id)
	return err
}

func (db *DB) DeleteTenant(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, "DELETE FROM tenants WHERE id = ?", id)
	return err
}

// Website operations

const websiteColumns = `w.id, w.tenant_id, w.label, w.slug, w.php_version, w.has_ssl, w.is_wordpress,
	w.created_at, w.updated_at, t.username`

func scanWebsite(row scanner) (*models.Website, error) {
	var w models.Website
	if err := row.Scan(&w.ID, &w.TenantID, &w.Label, &w.Slug, &w.PHPVersion, &w.HasSSL, &w.IsWordPress,
		&w.CreatedAt, &w.UpdatedAt, &w.Username); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWebsite inserts the website and its domains in one transaction.
// A slug collision with a concurrent writer returns ErrSlugTaken so the
// caller can pick the next candidate.
func (db *DB) CreateWebsite(ctx context.Context, w *models.Website) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO websites (id, tenant_id, label, slug, php_version, has_ssl, is_wordpress)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TenantID, w.Label, w.Slug, w.PHPVersion, w.HasSSL, w.IsWordPress,
	)
	if err != nil {
		if uniqueViolation(err) {
			if strings.Contains(err.Error(), "websites.slug") {
				return ErrSlugTaken
			}
			return ErrDuplicate
		}
		return err
	}

	for i := range w.Domains {
		d := &w.Domains[i]
		result, err := tx.ExecContext(ctx,
			"INSERT INTO domains (website_id, name) VALUES (?, ?)", w.ID, d.Name)
		if err != nil {
			if uniqueViolation(err) {
				return fmt.Errorf("domain %s: %w", d.Name, ErrDuplicate)
			}
			return err
		}
		d.ID, _ = result.LastInsertId()
		d.WebsiteID = w.ID
	}

	return tx.Commit()
}

// SlugTaken checks if a slug is already in use by any website
func (db *DB) SlugTaken(ctx context.Context, slug string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM websites WHERE slug = ?", slug).Scan(&count)
	return count > 0, err
}

// LabelTaken checks if a label is already in use by any website
func (db *DB) LabelTaken(ctx context.Context, label string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM websites WHERE label = ?", label).Scan(&count)
	return count > 0, err
}

// GetWebsite loads a website with its owner's username and domains
func (db *DB) GetWebsite(ctx context.Context, id string) (*models.Website, error) {
	w, err := scanWebsite(db.QueryRowContext(ctx,
		"SELECT "+websiteColumns+" FROM websites w JOIN tenants t ON t.id = w.tenant_id WHERE w.id = ?", id))
	if err != nil {
		return nil, notFound(err)
	}
	if w.Domains, err = db.ListDomains(ctx, w.ID); err != nil {
		return nil, err
	}
	return w, nil
}

func (db *DB) ListAllWebsites(ctx context.Context) ([]*models.Website, error) {
	return db.listWebsites(ctx,
		"SELECT "+websiteColumns+" FROM websites w JOIN tenants t ON t.id = w.tenant_id ORDER BY w.created_at")
}

func (db *DB) ListWebsitesByTenant(ctx context.Context, tenantID int64) ([]*models.Website, error) {
	return db.listWebsites(ctx,
		"SELECT "+websiteColumns+" FROM websites w JOIN tenants t ON t.id = w.tenant_id WHERE w.tenant_id = ? ORDER BY w.created_at",
		tenantID)
}

func (db *DB) listWebsites(ctx context.Context, query string, args ...any) ([]*models.Website, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var websites []*models.Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		websites = append(websites, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Single connection: domains are loaded after the outer cursor is closed
	for _, w := range websites {
		if w.Domains, err = db.ListDomains(ctx, w.ID); err != nil {
			return nil, err
		}
	}
	return websites, nil
}

func (db *DB) CountWebsites(ctx context.Context, tenantID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM websites WHERE tenant_id = ?", tenantID).Scan(&count)
	return count, err
}

func (db *DB) UpdatePHPVersion(ctx context.Context, id, version string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE websites SET php_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", version, id)
	return err
}

func (db *DB) SetWebsiteSSL(ctx context.Context, id string, hasSSL bool) error {
	_, err := db.ExecContext(ctx,
		"UPDATE websites SET has_ssl = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", hasSSL, id)
	return err
}

func (db *DB) DeleteWebsite(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM websites WHERE id = ?", id)
	return err
}

// Domain operations

const domainColumns = `id, website_id, name, ssl, COALESCE(resolving_ip, ''), COALESCE(ssl_error, ''),
	ssl_retry_count, last_attempt`

func scanDomain(row scanner) (*models.Domain, error) {
	var d models.Domain
	var last sql.NullTime
	if err := row.Scan(&d.ID, &d.WebsiteID, &d.Name, &d.SSL, &d.ResolvingIP, &d.SSLError,
		&d.SSLRetryCount, &last); err != nil {
		return nil, err
	}
	if last.Valid {
		d.LastAttempt = &last.Time
	}
	return &d, nil
}

func (db *DB) AddDomain(ctx context.Context, websiteID, name string) (*models.Domain, error) {
	result, err := db.ExecContext(ctx, "INSERT INTO domains (website_id, name) VALUES (?, ?)", websiteID, name)
	if err != nil {
		if uniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	id, _ := result.LastInsertId()
	return &models.Domain{ID: id, WebsiteID: websiteID, Name: name}, nil
}

func (db *DB) GetDomain(ctx context.Context, id int64) (*models.Domain, error) {
	d, err := scanDomain(db.QueryRowContext(ctx, "SELECT "+domainColumns+" FROM domains WHERE id = ?", id))
	return d, notFound(err)
}

// ListDomains returns a website's domains, primary first
func (db *DB) ListDomains(ctx context.Context, websiteID string) ([]models.Domain, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+domainColumns+" FROM domains WHERE website_id = ? ORDER BY id", websiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []models.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}

func (db *DB) CountDomains(ctx context.Context, websiteID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM domains WHERE website_id = ?", websiteID).Scan(&count)
	return count, err
}

// DomainExists checks if a domain is already in use (globally)
func (db *DB) DomainExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM domains WHERE name = ?", name).Scan(&count)
	return count > 0, err
}

// UpdateDomainSSL stores the outcome of a verification or issuance attempt
func (db *DB) UpdateDomainSSL(ctx context.Context, d *models.Domain) error {
	_, err := db.ExecContext(ctx,
		`UPDATE domains SET ssl = ?, resolving_ip = ?, ssl_error = ?, ssl_retry_count = ?, last_attempt = ?
		 WHERE id = ?`,
		d.SSL, d.ResolvingIP, d.SSLError, d.SSLRetryCount, d.LastAttempt, d.ID,
	)
	return err
}

func (db *DB) DeleteDomain(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, "DELETE FROM domains WHERE id = ?", id)
	return err
}

// Database operations

func (db *DB) CreateDatabase(ctx context.Context, d *models.Database) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO databases (id, tenant_id, name, username) VALUES (?, ?, ?, ?)",
		d.ID, d.TenantID, d.Name, d.Username,
	)
	if uniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (db *DB) GetDatabase(ctx context.Context, id string) (*models.Database, error) {
	var d models.Database
	err := db.QueryRowContext(ctx,
		"SELECT id, tenant_id, name, username, created_at FROM databases WHERE id = ?",
		id,
	).Scan(&d.ID, &d.TenantID, &d.Name, &d.Username, &d.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (db *DB) ListDatabases(ctx context.Context, tenantID int64) ([]*models.Database, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, tenant_id, name, username, created_at FROM databases WHERE tenant_id = ? ORDER BY created_at",
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dbs []*models.Database
	for rows.Next() {
		var d models.Database
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Username, &d.CreatedAt); err != nil {
			return nil, err
		}
		dbs = append(dbs, &d)
	}
	return dbs, rows.Err()
}

func (db *DB) CountDatabases(ctx context.Context, tenantID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM databases WHERE tenant_id = ?", tenantID).Scan(&count)
	return count, err
}

// DatabaseNameTaken checks the database name and user name against existing records
func (db *DB) DatabaseNameTaken(ctx context.Context, name, username string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM databases WHERE name = ? OR username = ?", name, username,
	).Scan(&count)
	return count > 0, err
}

func (db *DB) DeleteDatabase(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM databases WHERE id = ?", id)
	return err
}

// FTP account operations

const ftpColumns = `id, tenant_id, username, home_dir, COALESCE(website_id, ''), permissions,
	bandwidth_kb, quota_mb, locked, created_at`

func scanFTP(row scanner) (*models.FTPAccount, error) {
	var a models.FTPAccount
	if err := row.Scan(&a.ID, &a.TenantID, &a.Username, &a.HomeDir, &a.WebsiteID, &a.Permissions,
		&a.BandwidthKB, &a.QuotaMB, &a.Locked, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) CreateFTPAccount(ctx context.Context, a *models.FTPAccount) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO ftp_accounts (id, tenant_id, username, home_dir, website_id, permissions, bandwidth_kb, quota_mb, locked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Username, a.HomeDir, a.WebsiteID, a.Permissions, a.BandwidthKB, a.QuotaMB, a.Locked,
	)
	if uniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (db *DB) GetFTPAccount(ctx context.Context, id string) (*models.FTPAccount, error) {
	a, err := scanFTP(db.QueryRowContext(ctx, "SELECT "+ftpColumns+" FROM ftp_accounts WHERE id = ?", id))
	return a, notFound(err)
}

func (db *DB) ListFTPAccounts(ctx context.Context, tenantID int64) ([]*models.FTPAccount, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+ftpColumns+" FROM ftp_accounts WHERE tenant_id = ? ORDER BY created_at", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.FTPAccount
	for rows.Next() {
		a, err := scanFTP(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (db *DB) CountFTPAccounts(ctx context.Context, tenantID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ftp_accounts WHERE tenant_id = ?", tenantID).Scan(&count)
	return count, err
}

func (db *DB) FTPUsernameTaken(ctx context.Context, username string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ftp_accounts WHERE username = ?", username).Scan(&count)
	return count > 0, err
}

func (db *DB) DeleteFTPAccount(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM ftp_accounts WHERE id = ?", id)
	return err
}

func (db *DB) SetFTPLocked(ctx context.Context, id string, locked bool) error {
	_, err := db.ExecContext(ctx, "UPDATE ftp_accounts SET locked = ? WHERE id = ?", locked, id)
	return err
}
