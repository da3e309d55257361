// Package findings persists learnings reported by sub-agent sessions in an
// append-only log guarded by a per-session rate limiter, with a materialized
// index for aggregate queries.
package findings

import "time"

// Finding is one persisted learning. It is created only by a successful
// append and never mutated afterward.
type Finding struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"sessionId"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	FullText    string    `json:"fullText"`
}

// SessionStat is the per-session slice of the index.
type SessionStat struct {
	Count  int       `json:"count"`
	LastAt time.Time `json:"lastAt"`
}

// Index is the materialized projection of the log. After every successful
// append its counters equal the matching counts in the log; it is updated
// incrementally, never recomputed from scratch in normal operation.
type Index struct {
	Version    int                    `json:"version"`
	UpdatedAt  time.Time              `json:"updatedAt"`
	BySession  map[string]SessionStat `json:"bySession"`
	ByCategory map[string]int         `json:"byCategory"`
	Total      int                    `json:"total"`
}

func newIndex() Index {
	return Index{
		Version:    1,
		BySession:  make(map[string]SessionStat),
		ByCategory: make(map[string]int),
	}
}

// Stats is the aggregate view served straight from the index.
type Stats struct {
	Total          int            `json:"total"`
	ActiveSessions int            `json:"active_sessions"`
	ByCategory     map[string]int `json:"by_category"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
