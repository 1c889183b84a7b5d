package coord

import (
	"context"
	"time"
)

// Store defines the session status registry a supervising process polls.
type Store interface {
	// Session registry
	HeartbeatSession(ctx context.Context, sessionID string, ttl time.Duration) error
	ListSessions(ctx context.Context) ([]string, error)
	PruneDeadSessions(ctx context.Context) (int, error)

	// Status
	PutStatus(ctx context.Context, st Status, ttl time.Duration) error
	GetStatus(ctx context.Context, sessionID string) (st Status, ok bool, err error)
	// MarkTerminal records the terminal status. Only the first call per
	// session succeeds; later calls return false and leave it untouched.
	MarkTerminal(ctx context.Context, st Status) (bool, error)
}

// Status is the published view of one acquisition session.
type Status struct {
	SessionID      string    `json:"sessionID"`
	State          string    `json:"state"`
	Port           int       `json:"port"`
	EventsFinished bool      `json:"eventsFinished"`
	SinkFinished   bool      `json:"sinkFinished"`
	Cause          string    `json:"cause,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
