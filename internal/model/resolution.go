package model

import "time"

// ResolutionStatus tracks a resolution through its dispute window.
type ResolutionStatus string

const (
	ResolutionStatusPending   ResolutionStatus = "pending"
	ResolutionStatusResolved  ResolutionStatus = "resolved"
	ResolutionStatusDisputed  ResolutionStatus = "disputed"
	ResolutionStatusFinalized ResolutionStatus = "finalized"
)

// EvidenceFetch records one evidence source attempt for audit.
type EvidenceFetch struct {
	Source      string    `json:"source"`
	Succeeded   bool      `json:"succeeded"`
	ContentHash string    `json:"content_hash,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Resolution is the outcome of resolving a market: the final result, the
// hash of the aggregated evidence it was judged on, and the window during
// which the result may be disputed.
type Resolution struct {
	ID                string           `json:"id"`
	MarketID          string           `json:"market_id"`
	Result            string           `json:"result"`
	Reasoning         string           `json:"reasoning,omitempty"`
	EvidenceHash      string           `json:"evidence_hash"`
	Fetches           []EvidenceFetch  `json:"fetches"`
	Status            ResolutionStatus `json:"status"`
	DisputeWindowEnds time.Time        `json:"dispute_window_ends"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// DisputeStatus tracks a challenge against a resolution.
type DisputeStatus string

const (
	DisputeStatusPending    DisputeStatus = "pending"
	DisputeStatusReviewing  DisputeStatus = "reviewing"
	DisputeStatusUpheld     DisputeStatus = "upheld"
	DisputeStatusOverturned DisputeStatus = "overturned"
	DisputeStatusEscalated  DisputeStatus = "escalated"
)

// Dispute is a challenge raised against a resolution within its window.
type Dispute struct {
	ID           string        `json:"id"`
	ResolutionID string        `json:"resolution_id"`
	SubmitterID  string        `json:"submitter_id"`
	Reason       string        `json:"reason"`
	Review       string        `json:"review,omitempty"`
	Status       DisputeStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
