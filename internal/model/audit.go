package model

import "time"

// AuditEntry is one row of the append-only audit log. Business and
// infrastructure errors land here keyed by the entity they concern;
// worker-level errors surface only through heartbeats.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RateLimitWindow is one counter row for the admission controller, unique
// on (identifier, endpoint, window_start, window_type). Rows are only
// inserted or incremented; the scheduler sweeps expired ones.
type RateLimitWindow struct {
	Identifier  string    `json:"identifier"`
	Endpoint    string    `json:"endpoint"`
	WindowStart time.Time `json:"window_start"`
	WindowType  string    `json:"window_type"`
	Count       int       `json:"count"`
}
