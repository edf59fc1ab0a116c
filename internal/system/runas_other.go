//go:build !unix

package system

import (
	"context"
	"fmt"
)

// RunAs is unavailable without unix credentials.
func RunAs(ctx context.Context, uid, gid int, name string, args ...string) ([]byte, error) {
	return nil, fmt.Errorf("run as uid %d: %w", uid, ErrInsufficientPrivilege)
}
