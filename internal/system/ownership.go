package system

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
)

// FixOwnership recursively hands path to username:username. It never
// returns an error; failures are logged and reported as false.
func FixOwnership(ctx context.Context, r Runner, path, username string) bool {
	if path == "" || username == "" {
		return false
	}
	owner := fmt.Sprintf("%s:%s", username, username)
	if _, err := r.Run(ctx, "chown", "-R", owner, path); err != nil {
		slog.Warn("failed to fix ownership", "path", path, "username", username, "error", err)
		return false
	}
	return true
}

// lookupUser is overridden in tests
var lookupUser = user.Lookup

// LookupIDs returns the numeric uid and gid of an OS account.
func LookupIDs(username string) (int, int, error) {
	u, err := lookupUser(username)
	if err != nil {
		return 0, 0, fmt.Errorf("user not found: %w", err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid %q: %w", u.Gid, err)
	}
	return uid, gid, nil
}
