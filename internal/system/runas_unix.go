//go:build unix

package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

var geteuid = os.Geteuid

// RunAs runs one command under uid/gid. The daemon's own identity is never
// changed; only the spawned child drops privileges.
func RunAs(ctx context.Context, uid, gid int, name string, args ...string) ([]byte, error) {
	if geteuid() != 0 {
		return nil, fmt.Errorf("run as uid %d: %w", uid, ErrInsufficientPrivilege)
	}

	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s: %w", name, ErrCommandTimeout)
		}
		return out, fmt.Errorf("%s as uid %d: %w", name, uid, err)
	}
	return out, nil
}
