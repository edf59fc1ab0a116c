// Package ftp manages pure-ftpd virtual users mapped onto tenant accounts.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

var (
	ErrInvalidUsername = errors.New("invalid FTP username")
	ErrEmptyPassword   = errors.New("FTP password must not be empty")
)

var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_.-]{2,31}$`)

// lockedIP is the only client address a locked account accepts
const lockedIP = "127.0.0.1/32"

// Manager wraps pure-pw. Every change is committed to the PureDB with -m.
type Manager struct {
	runner system.Runner
	logger *slog.Logger
}

// NewManager creates a pure-pw wrapper
func NewManager(runner system.Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runner: runner, logger: logger}
}

// ValidateUsername checks the virtual user name
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return nil
}

// Create adds a virtual user that runs as the tenant's system account.
// pure-ftpd refuses uids below 1000, so the tenant account is used
// rather than the web server user. The home directory must already exist.
func (m *Manager) Create(ctx context.Context, acct *models.FTPAccount, password, systemUser string) error {
	if err := ValidateUsername(acct.Username); err != nil {
		return err
	}
	if password == "" {
		return ErrEmptyPassword
	}
	args := []string{"useradd", acct.Username,
		"-u", systemUser,
		"-g", systemUser,
		"-d", acct.HomeDir,
	}
	if acct.QuotaMB > 0 {
		args = append(args, "-N", strconv.Itoa(acct.QuotaMB))
	}
	if acct.BandwidthKB > 0 {
		bw := strconv.Itoa(acct.BandwidthKB)
		args = append(args, "-t", bw, "-T", bw)
	}
	if acct.Locked {
		args = append(args, "-r", lockedIP)
	}
	args = append(args, "-m")

	if _, err := m.runner.RunWithInput(ctx, password+"\n"+password+"\n", "pure-pw", args...); err != nil {
		return fmt.Errorf("failed to create FTP user: %w", err)
	}
	m.logger.Info("ftp account created", "ftp_user", acct.Username, "home", acct.HomeDir)
	return nil
}

// Delete removes a virtual user
func (m *Manager) Delete(ctx context.Context, username string) error {
	if _, err := m.runner.Run(ctx, "pure-pw", "userdel", username, "-m"); err != nil {
		return fmt.Errorf("failed to delete FTP user: %w", err)
	}
	return nil
}

// SetPassword changes a virtual user's password
func (m *Manager) SetPassword(ctx context.Context, username, password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if _, err := m.runner.RunWithInput(ctx, password+"\n"+password+"\n", "pure-pw", "passwd", username, "-m"); err != nil {
		return fmt.Errorf("failed to update FTP password: %w", err)
	}
	return nil
}

// SetLocked restricts a user to loopback logins, or lifts the restriction
func (m *Manager) SetLocked(ctx context.Context, username string, locked bool) error {
	allow := ""
	if locked {
		allow = lockedIP
	}
	if _, err := m.runner.Run(ctx, "pure-pw", "usermod", username, "-r", allow, "-m"); err != nil {
		return fmt.Errorf("failed to update FTP lock: %w", err)
	}
	return nil
}
