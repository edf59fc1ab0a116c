// Package saga runs ordered provisioning steps and undoes the completed
// ones when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// Step is one side effect plus the action that reverses it. Undo may be
// nil for steps with nothing to reverse.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// StepError names the step that failed. Compensation holds errors from
// undo actions that themselves failed.
type StepError struct {
	Step         string
	Err          error
	Compensation error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	if e.Compensation != nil {
		msg += fmt.Sprintf(" (rollback incomplete: %v)", e.Compensation)
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the failed step name if err came from Run.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// Run executes steps in order. When step k fails, the Undo actions of
// steps k-1..1 run in reverse order and a *StepError is returned.
// Compensation uses a context detached from cancellation so a cancelled
// request still cleans up.
func Run(ctx context.Context, logger *slog.Logger, steps []Step) error {
	if logger == nil {
		logger = slog.Default()
	}
	for i, step := range steps {
		if err := step.Do(ctx); err != nil {
			logger.Error("provisioning step failed", "step", step.Name, "error", err)
			return &StepError{
				Step:         step.Name,
				Err:          err,
				Compensation: compensate(context.WithoutCancel(ctx), logger, steps[:i]),
			}
		}
	}
	return nil
}

func compensate(ctx context.Context, logger *slog.Logger, done []Step) error {
	var result *multierror.Error
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Undo == nil {
			continue
		}
		if err := step.Undo(ctx); err != nil {
			logger.Warn("compensation failed", "step", step.Name, "error", err)
			result = multierror.Append(result, fmt.Errorf("undo %s: %w", step.Name, err))
		}
	}
	return result.ErrorOrNil()
}
