// Package engine is the provisioning context: it builds every component
// once and exposes the typed operations the agent serves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rehmatworks/fastcp-engine/internal/accounts"
	"github.com/rehmatworks/fastcp-engine/internal/crypto"
	"github.com/rehmatworks/fastcp-engine/internal/database"
	"github.com/rehmatworks/fastcp-engine/internal/ftp"
	"github.com/rehmatworks/fastcp-engine/internal/jail"
	"github.com/rehmatworks/fastcp-engine/internal/limits"
	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/netguard"
	"github.com/rehmatworks/fastcp-engine/internal/pathguard"
	"github.com/rehmatworks/fastcp-engine/internal/php"
	"github.com/rehmatworks/fastcp-engine/internal/saga"
	"github.com/rehmatworks/fastcp-engine/internal/signals"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/ssl"
	"github.com/rehmatworks/fastcp-engine/internal/system"
	"github.com/rehmatworks/fastcp-engine/internal/templates"
	"github.com/rehmatworks/fastcp-engine/internal/vhost"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrLastDomain     = errors.New("cannot delete the last domain of a website")
	ErrIssueFailed    = errors.New("certificate issuance failed")
	ErrQuotaExceeded  = limits.ErrQuotaExceeded
	ErrNotProvisioned = fmt.Errorf("%w: tenant has no system account", ErrValidation)
)

// StepError reports which provisioning step failed
type StepError = saga.StepError

// DatabaseServer is the MySQL provisioning surface the engine drives
type DatabaseServer interface {
	SetupDB(ctx context.Context, user, password, dbname string) error
	DropDB(ctx context.Context, dbname string) error
	DropUser(ctx context.Context, user string) error
	UpdatePassword(ctx context.Context, user, password string) error
	Exists(ctx context.Context, dbname, user string) (bool, error)
}

// Options holds the external dependencies of the engine. Issuer and
// Guard are built from Config when nil.
type Options struct {
	Config *models.Config
	Store  *database.DB
	MySQL  DatabaseServer
	Runner system.Runner
	Issuer ssl.Issuer
	Guard  *netguard.Guard
	Logger *slog.Logger
}

// Engine owns every provisioning component
type Engine struct {
	cfg    *models.Config
	store  *database.DB
	mysql  DatabaseServer
	runner system.Runner
	logger *slog.Logger
	locks  *system.Locks

	layout   sites.Layout
	bus      *signals.Bus
	sites    *sites.Manager
	pools    *php.PoolManager
	vhosts   *vhost.Generator
	accounts *accounts.Provisioner
	ftp      *ftp.Manager
	limits   *limits.Manager
	paths    *pathguard.Guard
	ssl      *ssl.Manager
	scanner  *ssl.Scanner
}

// New builds the engine. Bus handlers are registered here and nowhere
// else.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil || opts.Runner == nil {
		return nil, errors.New("engine: config, store and runner are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	guard := opts.Guard
	if guard == nil {
		guard = netguard.New(time.Duration(cfg.HTTPTimeoutSec)*time.Second, cfg.DNSServer)
	}

	layout := sites.NewLayout(cfg)
	bus := signals.NewBus(logger)
	bus.Handle(signals.Restart, signals.SystemctlHandler(opts.Runner))
	bus.Handle(signals.Reload, signals.SystemctlHandler(opts.Runner))

	renderer := templates.NewRenderer(cfg.TemplatesDir)
	siteManager := sites.NewManager(layout, opts.Runner, logger)
	vhosts := vhost.NewGenerator(layout, renderer, bus, cfg.WellKnownDir, logger)
	policy := jail.NewPolicy(opts.Runner, layout, cfg.SharedGroup, cfg.WebServerGroup)
	sealer := crypto.NewSealer(filepath.Join(cfg.DataDir, crypto.SecretFile))

	issuer := opts.Issuer
	if issuer == nil {
		timeout := time.Duration(cfg.ACMETimeoutSec) * time.Second
		issuer = ssl.NewLegoIssuer(cfg.ACMEDirectoryURL, filepath.Join(cfg.DataDir, "acme"), cfg.WellKnownDir, timeout, guard, logger)
	}
	sslManager := ssl.NewManager(opts.Store, layout, ssl.NewChecker(guard, logger), issuer, vhosts, logger)
	locks := system.NewLocks()

	paths := pathguard.New(cfg.FileManagerRoot)
	paths.Authorized = func(s pathguard.Subject, owner string) bool {
		_, err := opts.Store.GetTenantByUsername(context.Background(), owner)
		return err == nil
	}

	e := &Engine{
		cfg:      cfg,
		store:    opts.Store,
		mysql:    opts.MySQL,
		runner:   opts.Runner,
		logger:   logger,
		locks:    locks,
		layout:   layout,
		bus:      bus,
		sites:    siteManager,
		pools:    php.NewPoolManager(layout, renderer, bus, logger),
		vhosts:   vhosts,
		accounts: accounts.NewProvisioner(opts.Store, siteManager, policy, renderer, opts.Runner, sealer, logger),
		ftp:      ftp.NewManager(opts.Runner, logger),
		limits:   limits.NewManager(opts.Runner, layout, logger),
		paths:    paths,
		ssl:      sslManager,
		scanner:  ssl.NewScanner(sslManager, locks, logger),
	}
	return e, nil
}

// Scanner returns the certificate scanner for scheduling
func (e *Engine) Scanner() *ssl.Scanner {
	return e.scanner
}

// PublicMessage renders err for a caller. Superusers get the full error;
// tenants get a generic message and the details stay in the log.
func PublicMessage(err error, superuser bool) string {
	if err == nil {
		return ""
	}
	if superuser {
		return err.Error()
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota exceeded"
	case errors.Is(err, ErrLastDomain):
		return ErrLastDomain.Error()
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrValidation):
		return "invalid request"
	case errors.Is(err, ErrIssueFailed):
		return "could not issue certificate, check that the domains point to this server"
	}
	return "operation failed"
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// notFound maps the store's not-found to the engine's
func notFound(err error, what string) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (e *Engine) tenant(ctx context.Context, id int64) (*models.Tenant, error) {
	t, err := e.store.GetTenant(ctx, id)
	if err != nil {
		return nil, notFound(err, "tenant")
	}
	return t, nil
}

func (e *Engine) website(ctx context.Context, id string) (*models.Website, error) {
	w, err := e.store.GetWebsite(ctx, id)
	if err != nil {
		return nil, notFound(err, "website")
	}
	return w, nil
}

func tenantKey(id int64) string   { return fmt.Sprintf("tenant:%d", id) }
func websiteKey(id string) string { return "website:" + id }

// requireProvisioned rejects tenants whose OS account does not exist yet
func requireProvisioned(t *models.Tenant) error {
	if t.UID == nil {
		return ErrNotProvisioned
	}
	return nil
}

func subject(t *models.Tenant) pathguard.Subject {
	return pathguard.Subject{Username: t.Username, IsSuperuser: t.IsSuperuser}
}
