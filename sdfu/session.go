package sdfu

import "fmt"

// SessionState is the tagged state of one transfer session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiating
	StateTransferring
	StateVerifying
	StateComplete
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Terminal reports whether the session has ended. A terminal session never
// restarts itself; the caller opens a fresh session from StateIdle, so a
// persistent link fault stays visible instead of hiding behind retries.
func (s SessionState) Terminal() bool {
	return s == StateComplete || s == StateError
}

// sessionNext is the forward edge of the state machine. StateError is
// additionally reachable from every non-terminal state.
var sessionNext = map[SessionState]SessionState{
	StateIdle:         StateNegotiating,
	StateNegotiating:  StateTransferring,
	StateTransferring: StateVerifying,
	StateVerifying:    StateComplete,
}

// CanTransition reports whether the protocol allows moving from s to next.
func (s SessionState) CanTransition(next SessionState) bool {
	if next == StateError {
		return !s.Terminal()
	}
	allowed, ok := sessionNext[s]
	return ok && allowed == next
}

// session tracks one negotiate/transfer/verify exchange. It is bound to a
// single serial connection and a single package and is discarded when the
// exchange terminates.
type session struct {
	state SessionState
	cause *ProtocolError
}

// advance moves to the next protocol phase.
func (s *session) advance(next SessionState) error {
	if !s.state.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

// fail absorbs the session into StateError and records the cause.
func (s *session) fail(kind ProtocolErrorKind, detail string) *ProtocolError {
	perr := &ProtocolError{Kind: kind, State: s.state, Detail: detail}
	s.state = StateError
	s.cause = perr
	return perr
}
