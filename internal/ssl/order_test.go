package ssl

import (
	"context"
	"crypto/rsa"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
)

// fakeCA serves one order whose authorizations start in the given states.
// It records every call so tests can check the protocol order.
type fakeCA struct {
	t        *testing.T
	provider *WebrootProvider
	authz    map[string]*acme.Authorization
	order    []string
	calls    []string
	failAuth string
}

func newFakeCA(t *testing.T, provider *WebrootProvider, domains map[string]string) *fakeCA {
	ca := &fakeCA{t: t, provider: provider, authz: map[string]*acme.Authorization{}}
	for domain, status := range domains {
		url := "https://ca.test/authz/" + domain
		ca.order = append(ca.order, url)
		ca.authz[url] = &acme.Authorization{
			Status:     status,
			Identifier: acme.Identifier{Type: "dns", Value: domain},
			Challenges: []acme.Challenge{
				{Type: "dns-01", URL: "https://ca.test/chal/dns/" + domain, Token: "dns-" + domain},
				{Type: "http-01", URL: "https://ca.test/chal/http/" + domain, Token: "tok-" + strings.ReplaceAll(domain, ".", "-")},
			},
		}
	}
	return ca
}

func (c *fakeCA) NewOrder(domains []string) (acme.ExtendedOrder, error) {
	c.calls = append(c.calls, "order")
	return acme.ExtendedOrder{
		Order:    acme.Order{Status: acme.StatusPending, Authorizations: c.order, Finalize: "https://ca.test/finalize"},
		Location: "https://ca.test/order/1",
	}, nil
}

func (c *fakeCA) GetOrder(orderURL string) (acme.ExtendedOrder, error) {
	return acme.ExtendedOrder{Order: acme.Order{Status: acme.StatusValid, Certificate: "https://ca.test/cert/1"}}, nil
}

func (c *fakeCA) GetAuthorization(authzURL string) (acme.Authorization, error) {
	return *c.authz[authzURL], nil
}

func (c *fakeCA) KeyAuthorization(token string) (string, error) {
	return token + ".thumbprint", nil
}

func (c *fakeCA) AnswerChallenge(chlgURL string) error {
	// the CA may fetch any token as soon as one challenge is answered, so
	// every token has to be published already
	for _, a := range c.authz {
		if a.Status == acme.StatusValid {
			continue
		}
		path := c.provider.TokenPath(a.Challenges[1].Token)
		if _, err := os.Stat(path); err != nil {
			c.t.Errorf("answering %s before %s was published", chlgURL, path)
		}
	}
	c.calls = append(c.calls, "answer "+chlgURL)
	for _, a := range c.authz {
		if a.Challenges[1].URL != chlgURL {
			continue
		}
		if a.Identifier.Value == c.failAuth {
			a.Status = acme.StatusInvalid
			a.Challenges[1].Error = &acme.ProblemDetails{Type: "urn:ietf:params:acme:error:unauthorized", Detail: "404"}
		} else {
			a.Status = acme.StatusValid
		}
	}
	return nil
}

func (c *fakeCA) Finalize(finalizeURL string, csr []byte) (acme.ExtendedOrder, error) {
	c.calls = append(c.calls, "finalize")
	return acme.ExtendedOrder{Order: acme.Order{Status: acme.StatusProcessing}}, nil
}

func (c *fakeCA) Certificate(certURL string) ([]byte, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		return nil, err
	}
	return certcrypto.GeneratePemCert(key.(*rsa.PrivateKey), "example.com", nil)
}

func newTestFlow(t *testing.T, domains map[string]string) (*orderFlow, *fakeCA) {
	provider := NewWebrootProvider(t.TempDir())
	ca := newFakeCA(t, provider, domains)
	return &orderFlow{
		client:   ca,
		provider: provider,
		session:  newSession(nil, false, slogDiscard()),
		newBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
		maxWait: time.Second,
	}, ca
}

func TestOrderFlowPublishesEveryTokenBeforeAnswering(t *testing.T) {
	flow, ca := newTestFlow(t, map[string]string{
		"example.com":     acme.StatusPending,
		"www.example.com": acme.StatusPending,
		"old.example.com": acme.StatusValid,
	})

	bundle, err := flow.run(context.Background(), []string{"example.com", "www.example.com", "old.example.com"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if flow.session.current() != Finalized {
		t.Fatalf("state = %s", flow.session.current())
	}
	if len(bundle.PrivateKey) == 0 || len(bundle.FullChain) == 0 {
		t.Fatalf("empty bundle")
	}

	answers := 0
	for _, c := range ca.calls {
		if strings.HasPrefix(c, "answer ") {
			answers++
			if strings.Contains(c, "old.example.com") {
				t.Fatalf("an already valid authorization must not be answered")
			}
		}
	}
	if answers != 2 || ca.calls[0] != "order" || ca.calls[len(ca.calls)-1] != "finalize" {
		t.Fatalf("unexpected call order %v", ca.calls)
	}
	if flow.provider.Pending() != 0 {
		t.Fatalf("validated tokens should be cleaned up, %d left", flow.provider.Pending())
	}
}

func TestOrderFlowAllValidStillPublishes(t *testing.T) {
	flow, _ := newTestFlow(t, map[string]string{"example.com": acme.StatusValid})
	if _, err := flow.run(context.Background(), []string{"example.com"}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if flow.session.current() != Finalized {
		t.Fatalf("state = %s", flow.session.current())
	}
}

func TestOrderFlowValidationFailure(t *testing.T) {
	flow, ca := newTestFlow(t, map[string]string{
		"example.com":     acme.StatusPending,
		"bad.example.com": acme.StatusPending,
	})
	ca.failAuth = "bad.example.com"

	_, err := flow.run(context.Background(), []string{"example.com", "bad.example.com"}, nil)
	var problem *acme.ProblemDetails
	if !errors.As(err, &problem) {
		t.Fatalf("expected the CA problem, got %v", err)
	}
	if flow.session.current() != Answered {
		t.Fatalf("failure should be reported after answering, state = %s", flow.session.current())
	}
	for _, c := range ca.calls {
		if c == "finalize" {
			t.Fatalf("a failed order must not be finalized")
		}
	}

	// Issue removes whatever is left on disk
	flow.provider.RemoveAll()
	if flow.provider.Pending() != 0 {
		t.Fatalf("tokens left after RemoveAll")
	}
}

func TestOrderFlowRequiresHTTP01(t *testing.T) {
	flow, ca := newTestFlow(t, map[string]string{"example.com": acme.StatusPending})
	for _, a := range ca.authz {
		a.Challenges = a.Challenges[:1]
	}
	if _, err := flow.run(context.Background(), []string{"example.com"}, nil); !errors.Is(err, ErrNoHTTP01) {
		t.Fatalf("expected ErrNoHTTP01, got %v", err)
	}
	if flow.provider.Pending() != 0 {
		t.Fatalf("nothing should be published")
	}
}
