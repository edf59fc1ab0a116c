package ssl

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/rehmatworks/fastcp-engine/internal/netguard"
)

var (
	ErrNoDomains    = errors.New("no verified domains to issue for")
	ErrIssueTimeout = errors.New("certificate issuance timed out")
)

// DefaultIssueTimeout caps one issuance attempt end to end
const DefaultIssueTimeout = 2 * time.Minute

const userAgent = "fastcp-engine"

// Bundle is what a successful issuance hands back to the caller
type Bundle struct {
	PrivateKey []byte // PEM
	FullChain  []byte // PEM, leaf first
}

// Issuer obtains a certificate covering exactly domains. A non-nil key is
// reused for the CSR instead of generating a new one.
type Issuer interface {
	Issue(ctx context.Context, domains []string, key crypto.PrivateKey) (*Bundle, error)
}

// LegoIssuer issues certificates over ACME with HTTP-01 challenges only
type LegoIssuer struct {
	DirectoryURL string
	Timeout      time.Duration

	accounts     *AccountStore
	wellKnownDir string
	guard        *netguard.Guard
	logger       *slog.Logger
}

// NewLegoIssuer creates an issuer sharing one persisted account
func NewLegoIssuer(directoryURL, accountDir, wellKnownDir string, timeout time.Duration, guard *netguard.Guard, logger *slog.Logger) *LegoIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultIssueTimeout
	}
	if directoryURL == "" {
		directoryURL = lego.LEDirectoryProduction
	}
	return &LegoIssuer{
		DirectoryURL: directoryURL,
		Timeout:      timeout,
		accounts:     NewAccountStore(accountDir),
		wellKnownDir: wellKnownDir,
		guard:        guard,
		logger:       logger,
	}
}

func (i *LegoIssuer) newClient(a *Account) (*lego.Client, error) {
	config := lego.NewConfig(a)
	config.CADirURL = i.DirectoryURL
	config.HTTPClient = i.guard.ACMEClient()
	config.Certificate.KeyType = certcrypto.RSA2048
	config.Certificate.Timeout = i.Timeout

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}
	return client, nil
}

// Issue runs one attempt under the outer timeout. Challenge files are
// removed whatever the outcome, including after a timeout.
func (i *LegoIssuer) Issue(ctx context.Context, domains []string, key crypto.PrivateKey) (*Bundle, error) {
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	if err := i.guard.Check(); err != nil {
		return nil, err
	}

	s := newSession(domains, key != nil, i.logger)
	provider := NewWebrootProvider(i.wellKnownDir)
	defer provider.RemoveAll()

	ctx, cancel := context.WithTimeout(ctx, i.Timeout)
	defer cancel()

	type result struct {
		bundle *Bundle
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer provider.RemoveAll()
		b, err := i.obtain(ctx, s, provider, domains, key)
		done <- result{b, err}
	}()

	select {
	case <-ctx.Done():
		return nil, s.fail(fmt.Errorf("%w after %s", ErrIssueTimeout, i.Timeout))
	case r := <-done:
		if r.err != nil {
			return nil, s.fail(r.err)
		}
		i.logger.Info("certificate issued", "domains", domains, "reused_key", key != nil)
		return r.bundle, nil
	}
}

func (i *LegoIssuer) obtain(ctx context.Context, s *session, provider *WebrootProvider, domains []string, key crypto.PrivateKey) (*Bundle, error) {
	account, err := i.accounts.LoadOrCreate(func(a *Account) (*registration.Resource, error) {
		client, err := i.newClient(a)
		if err != nil {
			return nil, err
		}
		return client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	})
	if err != nil {
		return nil, err
	}
	s.advance(AccountReady)

	core, err := api.New(i.guard.ACMEClient(), userAgent, i.DirectoryURL, account.Registration.URI, account.GetPrivateKey())
	if err != nil {
		return nil, fmt.Errorf("failed to reach ACME directory: %w", err)
	}
	flow := &orderFlow{
		client:     coreClient{core: core},
		provider:   provider,
		session:    s,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxWait:    i.Timeout,
	}
	return flow.run(ctx, domains, key)
}
