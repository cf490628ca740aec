package domain

import (
	"context"
	"time"
)

// Session is a call's lifecycle object.
type Session interface {
	ID() string
	StartedAt() time.Time
}

// EndHandler is attached to a session and notified exactly once:
// SessionEnded when the call terminates normally, SessionDiscarded when the
// session is torn down at shutdown without ending.
type EndHandler interface {
	SessionEnded(s Session, endedAt time.Time)
	SessionDiscarded(s Session)
}

// SessionManager creates sessions and dispatches end callbacks.
type SessionManager interface {
	// GetOrCreate returns the session for id, creating it if needed.
	// An empty id creates a session with a generated id.
	GetOrCreate(ctx context.Context, id string) (Session, error)

	// OnEnd registers h to be called when s ends.
	OnEnd(s Session, h EndHandler) error
}
