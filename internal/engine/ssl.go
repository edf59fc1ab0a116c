package engine

import (
	"context"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/ssl"
)

// IssueSSL verifies a website's domains and issues or renews its
// certificate right away instead of waiting for the scan
func (e *Engine) IssueSSL(ctx context.Context, websiteID string) (*models.Website, error) {
	unlock := e.locks.Lock(websiteKey(websiteID))
	defer unlock()

	w, err := e.website(ctx, websiteID)
	if err != nil {
		return nil, err
	}
	_, renew := e.ssl.Due(w)
	if !e.ssl.GetSSL(ctx, w, renew) {
		return nil, ErrIssueFailed
	}
	return e.website(ctx, websiteID)
}

// RunSSLScan runs one certificate scan over every website
func (e *Engine) RunSSLScan(ctx context.Context) ssl.ScanResult {
	return e.scanner.Scan(ctx)
}
