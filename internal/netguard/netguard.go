// Package netguard owns every outbound HTTP and DNS call the engine makes
// and enforces the network kill switch.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/miekg/dns"

	"github.com/rehmatworks/fastcp-engine/internal/config"
)

var (
	// ErrNetworkDisabled is returned before dialing when FASTCP_DISABLE_NETWORK is set
	ErrNetworkDisabled = errors.New("outbound network access is disabled")
	ErrNoAddress       = errors.New("no A record")
)

// Guard hands out clients that refuse to dial while the kill switch is on
type Guard struct {
	Timeout   time.Duration
	DNSServer string

	// disabled is consulted on every call so the switch can flip at runtime
	disabled func() bool
}

// New creates a guard reading the kill switch from the environment
func New(timeout time.Duration, dnsServer string) *Guard {
	return &Guard{Timeout: timeout, DNSServer: dnsServer, disabled: config.NetworkDisabled}
}

// Check returns ErrNetworkDisabled when outbound calls are not allowed
func (g *Guard) Check() error {
	if g.disabled != nil && g.disabled() {
		return ErrNetworkDisabled
	}
	return nil
}

type guardedTransport struct {
	base  http.RoundTripper
	guard *Guard
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.guard.Check(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Host, err)
	}
	return t.base.RoundTrip(req)
}

// HTTPClient returns a pooled client with the guard's timeout. Redirects
// are not followed: verification must hit the domain itself.
func (g *Guard) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &guardedTransport{base: cleanhttp.DefaultPooledTransport(), guard: g},
		Timeout:   g.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ACMEClient is like HTTPClient but follows redirects, as the CA
// directory may require
func (g *Guard) ACMEClient() *http.Client {
	return &http.Client{
		Transport: &guardedTransport{base: cleanhttp.DefaultPooledTransport(), guard: g},
		Timeout:   g.Timeout,
	}
}

// LookupA resolves the first A record of host against the configured server
func (g *Guard) LookupA(ctx context.Context, host string) (string, error) {
	if err := g.Check(); err != nil {
		return "", err
	}

	c := &dns.Client{Net: "udp", Timeout: g.Timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	r, _, err := c.ExchangeContext(ctx, m, g.DNSServer)
	if err != nil {
		return "", fmt.Errorf("dns lookup %s: %w", host, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("dns lookup %s: %s", host, dns.RcodeToString[r.Rcode])
	}
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("%s: %w", host, ErrNoAddress)
}
