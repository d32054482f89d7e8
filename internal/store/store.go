package store

import (
	"context"
	"time"

	"github.com/foresight-labs/market-pipeline/internal/model"
)

// Store defines the persistence interface for the market pipeline. It is
// the single source of truth; every status mutation is a guarded
// compare-and-swap so that a scheduler sweep and a stage worker racing on
// the same row produce exactly one winner. Transition methods return
// (false, nil) when the guard matched zero rows: that is a benign race,
// not an error.
type Store interface {
	// News. InsertNews reports false when the content hash already
	// exists (dedup), without inserting.
	InsertNews(ctx context.Context, item *model.NewsItem) (bool, error)
	GetNews(ctx context.Context, id string) (*model.NewsItem, error)
	TransitionNews(ctx context.Context, id string, from, to model.NewsStatus) (bool, error)

	// Candidates. Insert ignores an existing ID so redelivered extractions
	// land on the same rows.
	InsertCandidate(ctx context.Context, c *model.Candidate) error
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	MarkCandidateProcessed(ctx context.Context, id, draftMarketID string) (bool, error)

	// Draft markets.
	InsertDraft(ctx context.Context, d *model.DraftMarket) error
	GetDraft(ctx context.Context, id string) (*model.DraftMarket, error)
	TransitionDraft(ctx context.Context, id string, from, to model.MarketStatus) (bool, error)
	// SetDraftPublished records the on-chain address and expiry and moves
	// the draft to active, guarded on both the prior status and the
	// address still being unset.
	SetDraftPublished(ctx context.Context, id, address string, expiresAt time.Time, from model.MarketStatus) (bool, error)
	ListMarketsByStatus(ctx context.Context, status model.MarketStatus, limit int) ([]model.DraftMarket, error)
	ListExpiredActiveMarkets(ctx context.Context, now time.Time) ([]model.DraftMarket, error)
	ListStaleMarkets(ctx context.Context, status model.MarketStatus, updatedBefore time.Time) ([]model.DraftMarket, error)

	// Validations.
	InsertValidation(ctx context.Context, v *model.Validation) error

	// Proposals.
	InsertProposal(ctx context.Context, p *model.Proposal) error
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)
	TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus) (bool, error)
	SetProposalMatched(ctx context.Context, id, marketID string, from model.ProposalStatus) (bool, error)
	SetProposalDraft(ctx context.Context, id, draftMarketID string, from model.ProposalStatus) (bool, error)
	ListStaleProposals(ctx context.Context, status model.ProposalStatus, updatedBefore time.Time) ([]model.Proposal, error)

	// Resolutions.
	InsertResolution(ctx context.Context, r *model.Resolution) error
	GetResolution(ctx context.Context, id string) (*model.Resolution, error)
	GetResolutionByMarket(ctx context.Context, marketID string) (*model.Resolution, error)
	TransitionResolution(ctx context.Context, id string, from, to model.ResolutionStatus) (bool, error)
	// SetResolutionResult rewrites the result after an overturned dispute,
	// guarded on the prior status.
	SetResolutionResult(ctx context.Context, id, result, reasoning string, from, to model.ResolutionStatus) (bool, error)
	// ListFinalizableResolutions returns resolved resolutions whose
	// dispute window has elapsed and which have no open dispute.
	ListFinalizableResolutions(ctx context.Context, now time.Time) ([]model.Resolution, error)

	// Disputes.
	InsertDispute(ctx context.Context, d *model.Dispute) error
	GetDispute(ctx context.Context, id string) (*model.Dispute, error)
	TransitionDispute(ctx context.Context, id string, from, to model.DisputeStatus) (bool, error)
	SetDisputeReview(ctx context.Context, id, review string, from, to model.DisputeStatus) (bool, error)

	// Rate-limit windows: append/increment only; the scheduler sweeps
	// expired rows.
	SumRateWindows(ctx context.Context, identifier, endpoint, windowType string, since time.Time) (count int, oldestStart time.Time, err error)
	IncrementRateWindow(ctx context.Context, identifier, endpoint, windowType string, windowStart time.Time) error
	DeleteRateWindowsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Audit log (append only).
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
	ListAudit(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error)

	// Dynamic settings.
	GetSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
