// Package jail manages the shared low-privilege group every tenant joins
// and the ownership/ACL policy that keeps tenants out of each other's
// homes.
package jail

import (
	"context"
	"fmt"

	"github.com/rehmatworks/fastcp-engine/internal/sites"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

// Policy applies group membership and ACLs for tenants
type Policy struct {
	runner      system.Runner
	layout      sites.Layout
	sharedGroup string
	webGroup    string
}

// NewPolicy creates a policy for the given shared and web server groups
func NewPolicy(runner system.Runner, layout sites.Layout, sharedGroup, webGroup string) *Policy {
	return &Policy{runner: runner, layout: layout, sharedGroup: sharedGroup, webGroup: webGroup}
}

// SharedGroup returns the group tenants are added to
func (p *Policy) SharedGroup() string {
	return p.sharedGroup
}

// EnsureGroup creates the shared group if it doesn't exist
func (p *Policy) EnsureGroup(ctx context.Context) error {
	if _, err := p.runner.Run(ctx, "groupadd", "-f", p.sharedGroup); err != nil {
		return fmt.Errorf("failed to create group %s: %w", p.sharedGroup, err)
	}
	return nil
}

// AddMember adds username to the shared group
func (p *Policy) AddMember(ctx context.Context, username string) error {
	if _, err := p.runner.Run(ctx, "usermod", "-aG", p.sharedGroup, username); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", username, p.sharedGroup, err)
	}
	return nil
}

// RemoveMember removes username from the shared group
func (p *Policy) RemoveMember(ctx context.Context, username string) error {
	if _, err := p.runner.Run(ctx, "gpasswd", "-d", username, p.sharedGroup); err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", username, p.sharedGroup, err)
	}
	return nil
}

// Apply sets ownership and ACLs on a tenant's home:
//   - home owned by the tenant, shared group denied, web server may traverse
//   - logs owned by root:<tenant>, 0750, so the tenant can read but not write
//   - run owned by root:<web group>, 0751
func (p *Policy) Apply(ctx context.Context, username string) error {
	home := p.layout.TenantBase(username)
	logs := p.layout.LogsDir(username)
	run := p.layout.RunDir(username)
	owner := fmt.Sprintf("%s:%s", username, username)

	cmds := [][]string{
		{"chown", owner, home},
		{"chmod", "0750", home},
		{"chown", "-R", owner, p.layout.AppsDir(username)},
		{"setfacl", "-m", fmt.Sprintf("g:%s:---", p.sharedGroup), home},
		{"setfacl", "-m", fmt.Sprintf("g:%s:--x", p.webGroup), home},
		{"chown", "root:" + username, logs},
		{"chmod", "0750", logs},
		{"chown", "root:" + p.webGroup, run},
		{"chmod", "0751", run},
	}
	for _, c := range cmds {
		if _, err := p.runner.Run(ctx, c[0], c[1:]...); err != nil {
			return fmt.Errorf("acl policy for %s: %w", username, err)
		}
	}
	return nil
}

// Revert strips the extended ACL entries set by Apply.
func (p *Policy) Revert(ctx context.Context, username string) error {
	if _, err := p.runner.Run(ctx, "setfacl", "-b", p.layout.TenantBase(username)); err != nil {
		return fmt.Errorf("failed to clear acls for %s: %w", username, err)
	}
	return nil
}
