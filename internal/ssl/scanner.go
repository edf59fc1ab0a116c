package ssl

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/rehmatworks/fastcp-engine/internal/system"
)

// ScanResult summarizes one pass over all websites
type ScanResult struct {
	Checked   int `json:"checked"`
	Attempted int `json:"attempted"`
	Issued    int `json:"issued"`
}

// Scanner walks every website and issues or renews where due
type Scanner struct {
	manager *Manager
	locks   *system.Locks
	logger  *slog.Logger
}

// NewScanner creates a scanner. locks, when set, serializes the scan with
// other operations on the same website.
func NewScanner(manager *Manager, locks *system.Locks, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{manager: manager, locks: locks, logger: logger}
}

// Scan never fails as a whole; a failing website is logged and skipped
func (s *Scanner) Scan(ctx context.Context) ScanResult {
	var result ScanResult

	websites, err := s.manager.store.ListAllWebsites(ctx)
	if err != nil {
		s.logger.Error("ssl scan could not list websites", "error", err)
		return result
	}

	for _, listed := range websites {
		if ctx.Err() != nil {
			break
		}
		result.Checked++
		attempted, issued := s.scanOne(ctx, listed.ID)
		if attempted {
			result.Attempted++
		}
		if issued {
			result.Issued++
		}
	}

	s.logger.Info("ssl scan finished", "checked", result.Checked, "attempted", result.Attempted, "issued", result.Issued)
	return result
}

// scanOne works on a fresh copy of the website read under its lock, so a
// website deleted while the scan waited is skipped instead of getting
// certificate files and vhosts again.
func (s *Scanner) scanOne(ctx context.Context, id string) (attempted, issued bool) {
	if s.locks != nil {
		unlock := s.locks.Lock("website:" + id)
		defer unlock()
	}
	w, err := s.manager.store.GetWebsite(ctx, id)
	if err != nil {
		s.logger.Debug("website gone before its ssl check", "website", id, "error", err)
		return false, false
	}
	due, renew := s.manager.Due(w)
	if !due {
		return false, false
	}
	return true, s.manager.GetSSL(ctx, w, renew)
}

// Scheduler runs Scan periodically, skipping a tick while the previous
// scan is still running
type Scheduler struct {
	cron    *cron.Cron
	scanner *Scanner
}

// NewScheduler schedules the scan every minutes minutes
func NewScheduler(ctx context.Context, scanner *Scanner, minutes int, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if _, err := c.AddFunc(fmt.Sprintf("@every %dm", minutes), func() {
		scanner.Scan(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid scan interval: %w", err)
	}
	return &Scheduler{cron: c, scanner: scanner}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for a running scan to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
