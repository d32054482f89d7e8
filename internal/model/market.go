package model

import "time"

// MarketStatus represents the lifecycle state of a draft market.
//
// draft -> {pending_review | active} -> resolving -> resolved ->
// {finalized | disputed} -> finalized, with terminal failure states
// canceled (rejected by validation) and failed (all evidence fetches
// failed, or stuck past the staleness threshold). Every transition is a
// guarded conditional update; a zero-row update is a benign race, not an
// error.
type MarketStatus string

const (
	MarketStatusDraft         MarketStatus = "draft"
	MarketStatusPendingReview MarketStatus = "pending_review"
	MarketStatusActive        MarketStatus = "active"
	MarketStatusResolving     MarketStatus = "resolving"
	MarketStatusResolved      MarketStatus = "resolved"
	MarketStatusDisputed      MarketStatus = "disputed"
	MarketStatusFinalized     MarketStatus = "finalized"
	MarketStatusCanceled      MarketStatus = "canceled"
	MarketStatusFailed        MarketStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s MarketStatus) Terminal() bool {
	switch s {
	case MarketStatusFinalized, MarketStatusCanceled, MarketStatusFailed:
		return true
	}
	return false
}

// ResolutionRules describe how a market is resolved after expiry.
type ResolutionRules struct {
	Criteria        string   `json:"criteria"`
	EvidenceSources []string `json:"evidence_sources"`
	ResolutionLogic string   `json:"resolution_logic"`
}

// DraftMarket is a generated market working its way toward on-chain
// publication. MarketAddress is non-empty once published; the publisher
// treats a non-empty address as "already done" and acks without touching
// the chain again.
type DraftMarket struct {
	ID              string          `json:"id"`
	CandidateID     string          `json:"candidate_id"`
	ProposalID      string          `json:"proposal_id,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	ConfidenceScore float64         `json:"confidence_score"`
	Rules           ResolutionRules `json:"rules"`
	Status          MarketStatus    `json:"status"`
	MarketAddress   string          `json:"market_address,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validation records one validator verdict over a draft market.
type Validation struct {
	ID         string    `json:"id"`
	DraftID    string    `json:"draft_id"`
	Approved   bool      `json:"approved"`
	Confidence float64   `json:"confidence"`
	Reasons    string    `json:"reasons,omitempty"`
	AIVersion  string    `json:"ai_version,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
