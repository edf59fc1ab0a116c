package ssl

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is a step of one issuance attempt
type State int

const (
	Uninitialized State = iota
	AccountReady
	OrderPlaced
	ChallengesSelected
	ChallengesPublished
	Answered
	Finalized
)

var stateNames = [...]string{
	"uninitialized",
	"account_ready",
	"order_placed",
	"challenges_selected",
	"challenges_published",
	"answered",
	"finalized",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IssueError reports the state an issuance attempt failed in
type IssueError struct {
	State State
	Err   error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issuance failed at %s: %v", e.State, e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

// session is the in-memory record of one issuance attempt. It is never
// persisted and does not outlive Issue.
type session struct {
	domains  []string
	reuseKey bool
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

func newSession(domains []string, reuseKey bool, logger *slog.Logger) *session {
	return &session{domains: domains, reuseKey: reuseKey, logger: logger}
}

// advance moves forward only; repeated or backward transitions are ignored
func (s *session) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		return
	}
	s.logger.Debug("acme state", "from", s.state, "to", to, "domains", s.domains)
	s.state = to
}

func (s *session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) fail(err error) error {
	return &IssueError{State: s.current(), Err: err}
}
