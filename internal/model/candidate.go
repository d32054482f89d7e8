package model

import "time"

// Candidate is a market candidate extracted from a news item or submitted
// through the proposal intake. Processed flips exactly once, when the
// generator consumes it; redelivered candidate messages see Processed=true
// and ack without side effects.
type Candidate struct {
	ID            string    `json:"id"`
	NewsID        string    `json:"news_id,omitempty"`
	ProposalID    string    `json:"proposal_id,omitempty"`
	Entities      []string  `json:"entities"`
	EventType     string    `json:"event_type"`
	CategoryHint  string    `json:"category_hint"`
	RelevantText  string    `json:"relevant_text"`
	Processed     bool      `json:"processed"`
	DraftMarketID string    `json:"draft_market_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
