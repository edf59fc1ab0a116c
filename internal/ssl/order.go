package ssl

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge"
)

var (
	ErrNoHTTP01     = errors.New("authorization offers no http-01 challenge")
	errStillPending = errors.New("still pending")
)

// acmeClient is the part of the ACME protocol one issuance uses
type acmeClient interface {
	NewOrder(domains []string) (acme.ExtendedOrder, error)
	GetOrder(orderURL string) (acme.ExtendedOrder, error)
	GetAuthorization(authzURL string) (acme.Authorization, error)
	KeyAuthorization(token string) (string, error)
	AnswerChallenge(chlgURL string) error
	Finalize(finalizeURL string, csr []byte) (acme.ExtendedOrder, error)
	Certificate(certURL string) ([]byte, error)
}

// coreClient adapts lego's raw ACME API
type coreClient struct {
	core *api.Core
}

func (c coreClient) NewOrder(domains []string) (acme.ExtendedOrder, error) {
	return c.core.Orders.New(domains)
}

func (c coreClient) GetOrder(orderURL string) (acme.ExtendedOrder, error) {
	return c.core.Orders.Get(orderURL)
}

func (c coreClient) GetAuthorization(authzURL string) (acme.Authorization, error) {
	return c.core.Authorizations.Get(authzURL)
}

func (c coreClient) KeyAuthorization(token string) (string, error) {
	return c.core.GetKeyAuthorization(token)
}

func (c coreClient) AnswerChallenge(chlgURL string) error {
	_, err := c.core.Challenges.New(chlgURL)
	return err
}

func (c coreClient) Finalize(finalizeURL string, csr []byte) (acme.ExtendedOrder, error) {
	return c.core.Orders.UpdateForCSR(finalizeURL, csr)
}

func (c coreClient) Certificate(certURL string) ([]byte, error) {
	cert, _, err := c.core.Certificates.Get(certURL, true)
	return cert, err
}

// pendingChallenge is an http-01 challenge that still has to be answered
type pendingChallenge struct {
	authzURL string
	domain   string
	token    string
	url      string
}

// orderFlow drives one order in strict protocol order: every challenge
// file is on disk before the first challenge is answered.
type orderFlow struct {
	client   acmeClient
	provider *WebrootProvider
	session  *session
	// newBackOff paces polling of authorizations and the order
	newBackOff func() backoff.BackOff
	maxWait    time.Duration
}

func (f *orderFlow) run(ctx context.Context, domains []string, key crypto.PrivateKey) (*Bundle, error) {
	order, err := f.client.NewOrder(domains)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	f.session.advance(OrderPlaced)

	pending, err := f.selectChallenges(order)
	if err != nil {
		return nil, err
	}
	f.session.advance(ChallengesSelected)

	for _, p := range pending {
		keyAuth, err := f.client.KeyAuthorization(p.token)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key authorization for %s: %w", p.domain, err)
		}
		if err := f.provider.Present(p.domain, p.token, keyAuth); err != nil {
			return nil, err
		}
	}
	f.session.advance(ChallengesPublished)

	for _, p := range pending {
		if err := f.client.AnswerChallenge(p.url); err != nil {
			return nil, fmt.Errorf("failed to answer challenge for %s: %w", p.domain, err)
		}
	}
	f.session.advance(Answered)

	for _, p := range pending {
		if err := f.awaitAuthorization(ctx, p); err != nil {
			return nil, err
		}
		f.provider.CleanUp(p.domain, p.token, "")
	}

	return f.finalize(ctx, order, domains, key)
}

// selectChallenges fetches every authorization of the order and picks its
// http-01 challenge. Authorizations the CA already considers valid need
// no challenge.
func (f *orderFlow) selectChallenges(order acme.ExtendedOrder) ([]pendingChallenge, error) {
	var pending []pendingChallenge
	for _, authzURL := range order.Authorizations {
		authz, err := f.client.GetAuthorization(authzURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}
		var chlg *acme.Challenge
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == string(challenge.HTTP01) {
				chlg = &authz.Challenges[i]
				break
			}
		}
		if chlg == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoHTTP01, authz.Identifier.Value)
		}
		pending = append(pending, pendingChallenge{
			authzURL: authzURL,
			domain:   authz.Identifier.Value,
			token:    chlg.Token,
			url:      chlg.URL,
		})
	}
	return pending, nil
}

func (f *orderFlow) awaitAuthorization(ctx context.Context, p pendingChallenge) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		authz, err := f.client.GetAuthorization(p.authzURL)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		switch authz.Status {
		case acme.StatusValid:
			return struct{}{}, nil
		case acme.StatusPending, acme.StatusProcessing:
			return struct{}{}, errStillPending
		}
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == string(challenge.HTTP01) && authz.Challenges[i].Error != nil {
				return struct{}{}, backoff.Permanent(authz.Challenges[i].Err())
			}
		}
		return struct{}{}, backoff.Permanent(fmt.Errorf("authorization %s", authz.Status))
	}, backoff.WithBackOff(f.newBackOff()), backoff.WithMaxElapsedTime(f.maxWait))
	if err != nil {
		return fmt.Errorf("validation of %s failed: %w", p.domain, err)
	}
	return nil
}

func (f *orderFlow) finalize(ctx context.Context, order acme.ExtendedOrder, domains []string, key crypto.PrivateKey) (*Bundle, error) {
	if key == nil {
		k, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate key: %w", err)
		}
		key = k
	}
	csr, err := certcrypto.GenerateCSR(key, domains[0], domains, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	final, err := f.client.Finalize(order.Finalize, csr)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize order: %w", err)
	}
	if final.Status != acme.StatusValid {
		final, err = backoff.Retry(ctx, func() (acme.ExtendedOrder, error) {
			o, err := f.client.GetOrder(order.Location)
			if err != nil {
				return o, backoff.Permanent(err)
			}
			switch o.Status {
			case acme.StatusValid:
				return o, nil
			case acme.StatusInvalid:
				return o, backoff.Permanent(fmt.Errorf("order invalid: %w", o.Err()))
			}
			return o, errStillPending
		}, backoff.WithBackOff(f.newBackOff()), backoff.WithMaxElapsedTime(f.maxWait))
		if err != nil {
			return nil, fmt.Errorf("order not issued: %w", err)
		}
	}

	chain, err := f.client.Certificate(final.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to download certificate: %w", err)
	}
	f.session.advance(Finalized)
	return &Bundle{PrivateKey: certcrypto.PEMEncode(key), FullChain: chain}, nil
}
