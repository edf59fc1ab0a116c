package system

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call is one command seen by a Recorder.
type Call struct {
	Name  string
	Args  []string
	Input string
}

// String renders the call as a shell-like line.
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Recorder is a Runner that records commands instead of executing them.
// Fail, when set, decides per call whether the command fails.
type Recorder struct {
	mu     sync.Mutex
	Calls  []Call
	Fail   func(c Call) bool
	Output func(c Call) []byte
}

func (r *Recorder) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.record(Call{Name: name, Args: args})
}

func (r *Recorder) RunWithInput(ctx context.Context, input, name string, args ...string) ([]byte, error) {
	return r.record(Call{Name: name, Args: args, Input: input})
}

func (r *Recorder) record(c Call) ([]byte, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, c)
	r.mu.Unlock()

	var out []byte
	if r.Output != nil {
		out = r.Output(c)
	}
	if r.Fail != nil && r.Fail(c) {
		return out, fmt.Errorf("%s: simulated failure", c.Name)
	}
	return out, nil
}

// Lines returns every recorded call rendered with Call.String.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		lines = append(lines, c.String())
	}
	return lines
}

// Ran reports whether any recorded call starts with prefix.
func (r *Recorder) Ran(prefix string) bool {
	for _, l := range r.Lines() {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}
