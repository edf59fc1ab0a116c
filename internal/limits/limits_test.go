package limits

import (
	"context"
	"errors"
	"testing"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

func TestCheck(t *testing.T) {
	tenant := &models.Tenant{MaxDatabases: 2}

	if err := Check(tenant, Databases, 1); err != nil {
		t.Fatalf("1 of 2 should pass: %v", err)
	}
	if err := Check(tenant, Databases, 2); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("2 of 2 should be rejected, got %v", err)
	}
	if err := Check(tenant, Websites, 100); err != nil {
		t.Fatalf("zero limit means unlimited: %v", err)
	}

	tenant.IsSuperuser = true
	if err := Check(tenant, Databases, 50); err != nil {
		t.Fatalf("superuser should be unlimited: %v", err)
	}
}

func TestCheckStorage(t *testing.T) {
	rec := &system.Recorder{Output: func(system.Call) []byte {
		return []byte("2048\t/home/alice\n")
	}}
	m := NewManager(rec, sites.Layout{UsersDir: "/home"}, nil)
	tenant := &models.Tenant{Username: "alice", MaxStorageBytes: 1024}

	used, err := m.CheckStorage(context.Background(), tenant)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if used != 2048 {
		t.Fatalf("used = %d", used)
	}
	if !rec.Ran("du -sb /home/alice") {
		t.Fatalf("unexpected calls %v", rec.Lines())
	}
}

func TestCheckStorageUnlimitedSkipsMeasurement(t *testing.T) {
	rec := &system.Recorder{}
	m := NewManager(rec, sites.Layout{UsersDir: "/home"}, nil)

	if _, err := m.CheckStorage(context.Background(), &models.Tenant{Username: "bob"}); err != nil {
		t.Fatal(err)
	}
	if len(rec.Calls) != 0 {
		t.Fatalf("du should not run without a limit")
	}
}
