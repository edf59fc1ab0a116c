package ssl

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rehmatworks/fastcp-engine/internal/netguard"
)

const (
	// VerifyPath is served by nginx from the well-known dir on every host
	VerifyPath = "/.well-known/fastcp-verify.txt"
	// VerifyString is the body VerifyPath must return
	VerifyString = "fastcp"
)

// Checker decides whether a domain points at this host
type Checker struct {
	guard  *netguard.Guard
	client *http.Client
	logger *slog.Logger

	// verifyURL builds the URL fetched for domain
	verifyURL func(domain string) string
}

// NewChecker creates a checker using the guard's HTTP client and resolver
func NewChecker(guard *netguard.Guard, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		guard:  guard,
		client: guard.HTTPClient(),
		logger: logger,
		verifyURL: func(domain string) string {
			return "http://" + domain + VerifyPath
		},
	}
}

// IsResolving fetches the verify file from domain. It also returns the A
// record the domain resolves to, if any, for bookkeeping. Any network
// failure counts as not resolving.
func (c *Checker) IsResolving(ctx context.Context, domain string) (bool, string) {
	ip, err := c.guard.LookupA(ctx, domain)
	if err != nil {
		c.logger.Debug("dns lookup failed", "domain", domain, "error", err)
		ip = ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.verifyURL(domain), nil)
	if err != nil {
		return false, ip
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("verify request failed", "domain", domain, "error", err)
		return false, ip
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, ip
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return false, ip
	}
	return strings.TrimSpace(string(body)) == VerifyString, ip
}
