package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"

	"github.com/rehmatworks/fastcp-engine/internal/models"
)

var (
	ErrInvalidIdentifier = errors.New("invalid database identifier")
	ErrDisallowedName    = errors.New("database or user name is reserved")
	ErrMySQLUnavailable  = errors.New("MySQL is not reachable")
)

// disallowedNames can never be used as a tenant database or user name
var disallowedNames = map[string]bool{
	"fastcp":             true,
	"root":               true,
	"mysql":              true,
	"test":               true,
	"information_schema": true,
	"performance_schema": true,
	"sys":                true,
	"ubuntu":             true,
	"admin":              true,
}

var identRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// hosts are the two bindings every tenant user gets: socket and TCP
var hosts = []string{"localhost", "%"}

// ValidateIdentifier checks a database or user name before it is quoted
// into a statement
func ValidateIdentifier(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if disallowedNames[name] {
		return fmt.Errorf("%w: %q", ErrDisallowedName, name)
	}
	return nil
}

// execer is the slice of *sql.DB the provisioning statements need
type execer interface {
	exec(ctx context.Context, query string, args ...any) error
	count(ctx context.Context, query string, args ...any) (int, error)
}

type sqlExecer struct {
	db *sql.DB
}

func (s sqlExecer) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s sqlExecer) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// MySQL provisions tenant schemas and users on the local server over a
// pooled connection
type MySQL struct {
	db     *sql.DB
	conn   execer
	logger *slog.Logger
}

// DSN builds the admin connection string from config. Parameters are
// interpolated client side so account names and passwords can be passed
// as arguments to CREATE USER and ALTER USER.
func DSN(cfg *models.Config) string {
	c := mysql.NewConfig()
	c.User = cfg.MySQLUser
	c.Passwd = cfg.MySQLPassword
	c.Net = "unix"
	c.Addr = cfg.MySQLSocket
	c.InterpolateParams = true
	c.Timeout = 10 * time.Second
	return c.FormatDSN()
}

// OpenMySQL connects to the server, retrying with exponential backoff
// while it comes up
func OpenMySQL(ctx context.Context, cfg *models.Config, logger *slog.Logger) (*MySQL, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("mysql not ready", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrMySQLUnavailable, err)
	}

	return &MySQL{db: db, conn: sqlExecer{db}, logger: logger}, nil
}

func newMySQL(conn execer, logger *slog.Logger) *MySQL {
	if logger == nil {
		logger = slog.Default()
	}
	return &MySQL{conn: conn, logger: logger}
}

// Close releases the pool
func (m *MySQL) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// SetupDB creates the user on both host bindings, the schema, grants and
// flushes. Statements run in that order and the first failure stops the
// sequence; cleaning up what was created is the caller's job.
func (m *MySQL) SetupDB(ctx context.Context, user, password, dbname string) error {
	if err := ValidateIdentifier(user); err != nil {
		return err
	}
	if err := ValidateIdentifier(dbname); err != nil {
		return err
	}

	for _, host := range hosts {
		if err := m.conn.exec(ctx, "CREATE USER ?@? IDENTIFIED BY ?", user, host, password); err != nil {
			return fmt.Errorf("failed to create user %s@%s: %w", user, host, err)
		}
	}
	if err := m.conn.exec(ctx, fmt.Sprintf("CREATE DATABASE `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", dbname)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbname, err)
	}
	for _, host := range hosts {
		if err := m.conn.exec(ctx, fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO ?@?", dbname), user, host); err != nil {
			return fmt.Errorf("failed to grant privileges to %s@%s: %w", user, host, err)
		}
	}
	if err := m.conn.exec(ctx, "FLUSH PRIVILEGES"); err != nil {
		return fmt.Errorf("failed to flush privileges: %w", err)
	}

	m.logger.Info("database provisioned", "database", dbname, "db_user", user)
	return nil
}

// DropDB removes the schema if it exists
func (m *MySQL) DropDB(ctx context.Context, dbname string) error {
	if !identRe.MatchString(dbname) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, dbname)
	}
	if err := m.conn.exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbname)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", dbname, err)
	}
	return nil
}

// DropUser drops both host bindings independently; one failing does not
// stop the other
func (m *MySQL) DropUser(ctx context.Context, user string) error {
	if !identRe.MatchString(user) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, user)
	}
	var result *multierror.Error
	for _, host := range hosts {
		if err := m.conn.exec(ctx, "DROP USER IF EXISTS ?@?", user, host); err != nil {
			result = multierror.Append(result, fmt.Errorf("drop user %s@%s: %w", user, host, err))
		}
	}
	return result.ErrorOrNil()
}

// UpdatePassword sets a new password on both host bindings
func (m *MySQL) UpdatePassword(ctx context.Context, user, password string) error {
	if !identRe.MatchString(user) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, user)
	}
	for _, host := range hosts {
		if err := m.conn.exec(ctx, "ALTER USER ?@? IDENTIFIED BY ?", user, host, password); err != nil {
			return fmt.Errorf("failed to update password for %s@%s: %w", user, host, err)
		}
	}
	return m.conn.exec(ctx, "FLUSH PRIVILEGES")
}

// Exists reports whether the schema or the user is already present on the
// server, used to re-check right before provisioning
func (m *MySQL) Exists(ctx context.Context, dbname, user string) (bool, error) {
	n, err := m.conn.count(ctx, "SELECT COUNT(*) FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?", dbname)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	n, err = m.conn.count(ctx, "SELECT COUNT(*) FROM mysql.user WHERE User = ?", user)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
