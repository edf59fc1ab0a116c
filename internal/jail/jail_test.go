package jail

import (
	"context"
	"strings"
	"testing"

	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

func TestApplyPolicy(t *testing.T) {
	rec := &system.Recorder{}
	p := NewPolicy(rec, sites.Layout{UsersDir: "/home"}, "fcp-users", "www-data")

	if err := p.Apply(context.Background(), "alice"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	for _, want := range []string{
		"chown alice:alice /home/alice",
		"setfacl -m g:fcp-users:--- /home/alice",
		"chown root:alice /home/alice/logs",
		"chmod 0750 /home/alice/logs",
		"chown root:www-data /home/alice/run",
		"chmod 0751 /home/alice/run",
	} {
		if !rec.Ran(want) {
			t.Fatalf("missing %q in %v", want, rec.Lines())
		}
	}
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	rec := &system.Recorder{Fail: func(c system.Call) bool { return c.Name == "setfacl" }}
	p := NewPolicy(rec, sites.Layout{UsersDir: "/home"}, "fcp-users", "www-data")

	err := p.Apply(context.Background(), "alice")
	if err == nil || !strings.Contains(err.Error(), "setfacl") {
		t.Fatalf("expected setfacl failure, got %v", err)
	}
	if rec.Ran("chown root:www-data") {
		t.Fatalf("later steps should not run after a failure")
	}
}

func TestMembership(t *testing.T) {
	rec := &system.Recorder{}
	p := NewPolicy(rec, sites.Layout{UsersDir: "/home"}, "fcp-users", "www-data")
	ctx := context.Background()

	if err := p.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.AddMember(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := p.RemoveMember(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	want := "groupadd -f fcp-users|usermod -aG fcp-users bob|gpasswd -d bob fcp-users"
	if got := strings.Join(rec.Lines(), "|"); got != want {
		t.Fatalf("got %s", got)
	}
}
