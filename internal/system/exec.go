// Package system wraps the privileged OS primitives the engine relies on:
// external commands, ownership fixes, scoped identity switches and
// per-entity locks.
package system

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandTimeout is the hard upper bound for any external command.
const CommandTimeout = 300 * time.Second

var (
	ErrCommandTimeout        = errors.New("command timed out")
	ErrMissingBinary         = errors.New("required binary not found")
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
)

// Runner executes external commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	RunWithInput(ctx context.Context, input, name string, args ...string) ([]byte, error)
}

// runCommand runs a command and returns combined output (stdout+stderr).
// Tests can override this variable to mock system commands.
var runCommand = func(ctx context.Context, input *string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if input != nil {
		cmd.Stdin = strings.NewReader(*input)
	}
	return cmd.CombinedOutput()
}

// Exec is the production Runner.
type Exec struct {
	Timeout time.Duration
}

// NewExec returns a Runner capped at CommandTimeout.
func NewExec() *Exec {
	return &Exec{Timeout: CommandTimeout}
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return e.run(ctx, nil, name, args...)
}

func (e *Exec) RunWithInput(ctx context.Context, input, name string, args ...string) ([]byte, error) {
	return e.run(ctx, &input, name, args...)
}

func (e *Exec) run(ctx context.Context, input *string, name string, args ...string) ([]byte, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runCommand(ctx, input, name, args...)
	if err == nil {
		return out, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%s: %w after %s", name, ErrCommandTimeout, timeout)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return out, fmt.Errorf("%s: %w", name, ErrMissingBinary)
	}
	return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
}

// IsFatal reports whether err should abort the triggering request instead
// of being handled as an ordinary step failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMissingBinary) || errors.Is(err, ErrInsufficientPrivilege)
}
