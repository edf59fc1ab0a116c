// Package accounts creates and removes the OS accounts backing tenants.
package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"regexp"

	"github.com/hashicorp/go-multierror"

	"github.com/rehmatworks/fastcp-engine/internal/jail"
	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/saga"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/system"
	"github.com/rehmatworks/fastcp-engine/internal/templates"
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrReservedName    = errors.New("username is reserved")
)

const (
	PasswordLength = 24
	Shell          = "/bin/bash"
)

const (
	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,31}$`)

var reserved = map[string]bool{
	"root":     true,
	"fastcp":   true,
	"www-data": true,
	"nobody":   true,
	"mysql":    true,
	"admin":    true,
	"daemon":   true,
	"ubuntu":   true,
}

// lookupIDs is overridden in tests
var lookupIDs = system.LookupIDs

// Store persists what provisioning learns about the tenant
type Store interface {
	SetTenantUID(ctx context.Context, id int64, uid int) error
	ClearTenantUID(ctx context.Context, id int64) error
	SetTenantPassword(ctx context.Context, id int64, encrypted string) error
}

// Sealer encrypts the generated password before it is recorded
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// Provisioner runs the ordered OS account setup for a tenant
type Provisioner struct {
	store    Store
	sites    *sites.Manager
	jail     *jail.Policy
	renderer *templates.Renderer
	runner   system.Runner
	sealer   Sealer
	logger   *slog.Logger

	// LookupIDs resolves the new account's ids; the system user database
	// is used when nil
	LookupIDs func(username string) (uid, gid int, err error)
}

// NewProvisioner wires the provisioner
func NewProvisioner(store Store, sm *sites.Manager, policy *jail.Policy, renderer *templates.Renderer, runner system.Runner, sealer Sealer, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		store:    store,
		sites:    sm,
		jail:     policy,
		renderer: renderer,
		runner:   runner,
		sealer:   sealer,
		logger:   logger,
	}
}

// ValidateUsername checks a tenant username before it reaches useradd
func ValidateUsername(username string) error {
	if !usernameRe.MatchString(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if reserved[username] {
		return fmt.Errorf("%w: %q", ErrReservedName, username)
	}
	return nil
}

// GeneratePassword returns a random password of n letters and digits
// containing at least one of each
func GeneratePassword(n int) (string, error) {
	if n < 2 {
		return "", fmt.Errorf("password length %d too short", n)
	}
	alphabet := letters + digits
	for {
		buf := make([]byte, n)
		hasLetter, hasDigit := false, false
		for i := range buf {
			idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
			if err != nil {
				return "", err
			}
			c := alphabet[idx.Int64()]
			if idx.Int64() < int64(len(letters)) {
				hasLetter = true
			} else {
				hasDigit = true
			}
			buf[i] = c
		}
		if hasLetter && hasDigit {
			return string(buf), nil
		}
	}
}

// SetupTenant creates the OS account for t and its home tree. When a
// step fails the completed ones are undone in reverse order and a
// *saga.StepError is returned.
func (p *Provisioner) SetupTenant(ctx context.Context, t *models.Tenant, password string) (*models.SetupTenantResult, error) {
	if err := ValidateUsername(t.Username); err != nil {
		return nil, err
	}
	if password == "" {
		var err error
		if password, err = GeneratePassword(PasswordLength); err != nil {
			return nil, fmt.Errorf("failed to generate password: %w", err)
		}
	}

	username := t.Username
	home := p.sites.Layout().TenantBase(username)
	result := &models.SetupTenantResult{Username: username, Password: password}
	log := p.logger.With("username", username)
	log.Info("provisioning tenant account")

	steps := []saga.Step{
		{
			Name: "home tree",
			Do:   func(ctx context.Context) error { return p.sites.CreateTenantTree(username) },
			Undo: func(ctx context.Context) error { return p.sites.DeleteTenantTree(username) },
		},
		{
			Name: "group",
			Do:   func(ctx context.Context) error { return p.run(ctx, "groupadd", username) },
			Undo: func(ctx context.Context) error { return p.run(ctx, "groupdel", username) },
		},
		{
			Name: "user",
			Do: func(ctx context.Context) error {
				return p.run(ctx, "useradd", "-m", "-d", home, "-g", username, "-s", Shell, username)
			},
			Undo: func(ctx context.Context) error { return p.run(ctx, "userdel", username) },
		},
		{
			Name: "password",
			Do: func(ctx context.Context) error {
				if _, err := p.runner.RunWithInput(ctx, username+":"+password, "chpasswd"); err != nil {
					return fmt.Errorf("failed to set password: %w", err)
				}
				return nil
			},
		},
		{
			Name: "jail group",
			Do: func(ctx context.Context) error {
				if err := p.jail.EnsureGroup(ctx); err != nil {
					return err
				}
				return p.jail.AddMember(ctx, username)
			},
			Undo: func(ctx context.Context) error { return p.jail.RemoveMember(ctx, username) },
		},
		{
			Name: "acl",
			Do:   func(ctx context.Context) error { return p.jail.Apply(ctx, username) },
			Undo: func(ctx context.Context) error { return p.jail.Revert(ctx, username) },
		},
		{
			Name: "profile",
			Do:   func(ctx context.Context) error { return p.writeProfile(ctx, username) },
		},
		{
			Name: "uid",
			Do: func(ctx context.Context) error {
				lookup := p.LookupIDs
				if lookup == nil {
					lookup = lookupIDs
				}
				uid, _, err := lookup(username)
				if err != nil {
					return err
				}
				result.UID = uid
				return p.store.SetTenantUID(ctx, t.ID, uid)
			},
			Undo: func(ctx context.Context) error { return p.store.ClearTenantUID(ctx, t.ID) },
		},
		{
			Name: "credentials",
			Do: func(ctx context.Context) error {
				enc, err := p.sealer.Encrypt(password)
				if err != nil {
					return fmt.Errorf("failed to encrypt password: %w", err)
				}
				return p.store.SetTenantPassword(ctx, t.ID, enc)
			},
		},
	}

	if err := saga.Run(ctx, log, steps); err != nil {
		return nil, err
	}

	uid := result.UID
	t.UID = &uid
	log.Info("tenant account ready", "uid", uid)
	return result, nil
}

func (p *Provisioner) writeProfile(ctx context.Context, username string) error {
	home := p.sites.Layout().TenantBase(username)
	files := map[string]string{
		templates.Profile:    ".profile",
		templates.BashLogout: ".bash_logout",
		templates.Bashrc:     ".bashrc",
	}
	data := templates.Context{"ssh_user": username}
	for name, file := range files {
		path := filepath.Join(home, file)
		if err := p.renderer.RenderToFile(name, data, path, 0644); err != nil {
			return err
		}
		if _, err := p.runner.Run(ctx, "chown", username+":"+username, path); err != nil {
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
	}
	return nil
}

// DeleteAccount removes the OS account, its group, jail membership and
// home tree. Every step runs even when an earlier one fails.
func (p *Provisioner) DeleteAccount(ctx context.Context, username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	log := p.logger.With("username", username)

	var result *multierror.Error
	if err := p.jail.RemoveMember(ctx, username); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.run(ctx, "userdel", "-r", username); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.run(ctx, "groupdel", username); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.sites.DeleteTenantTree(username); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Warn("tenant account teardown incomplete", "error", err)
		return err
	}
	log.Info("tenant account removed")
	return nil
}

// FixPermissions re-applies ownership and the ACL policy on a tenant home
func (p *Provisioner) FixPermissions(ctx context.Context, username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := p.sites.CreateTenantTree(username); err != nil {
		return err
	}
	return p.jail.Apply(ctx, username)
}

func (p *Provisioner) run(ctx context.Context, name string, args ...string) error {
	if out, err := p.runner.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, args[0], err, out)
	}
	return nil
}
