package model

import "time"

// ProposalStatus represents the lifecycle state of a user-submitted proposal.
//
// pending -> processing -> {matched | draft_created} ->
// {approved | rejected | needs_human} -> published, with failed as the
// staleness terminal state.
type ProposalStatus string

const (
	ProposalStatusPending      ProposalStatus = "pending"
	ProposalStatusProcessing   ProposalStatus = "processing"
	ProposalStatusMatched      ProposalStatus = "matched"
	ProposalStatusDraftCreated ProposalStatus = "draft_created"
	ProposalStatusApproved     ProposalStatus = "approved"
	ProposalStatusRejected     ProposalStatus = "rejected"
	ProposalStatusNeedsHuman   ProposalStatus = "needs_human"
	ProposalStatusPublished    ProposalStatus = "published"
	ProposalStatusFailed       ProposalStatus = "failed"
)

// Proposal is a user-submitted market idea entering the pipeline alongside
// crawled news. MatchedMarketID is set when the generator recognizes the
// proposal as a duplicate of an existing market; DraftMarketID when a new
// draft was generated from it.
type Proposal struct {
	ID              string         `json:"id"`
	SubmitterID     string         `json:"submitter_id"`
	Question        string         `json:"question"`
	Context         string         `json:"context,omitempty"`
	Status          ProposalStatus `json:"status"`
	MatchedMarketID string         `json:"matched_market_id,omitempty"`
	DraftMarketID   string         `json:"draft_market_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
