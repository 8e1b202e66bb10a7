// Package transcriptstore archives delivered messages locally. The engine
// core owns no durable state; this store is only wired into harnesses that
// want a replayable transcript on disk.
package transcriptstore

import "context"

// Entry is one archived transcript line.
type Entry struct {
	SessionID   string
	MessageID   string
	Role        string
	AgentName   string
	Content     string
	CreatedAtMs int64
}

// Query filters List results. A zero Query lists everything.
type Query struct {
	SessionID string
	SinceMs   int64
	Limit     int
}

// Store persists transcript entries. Save is idempotent per
// (session_id, message_id).
type Store interface {
	Save(ctx context.Context, e Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}
