package stage

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/config"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/ratelimit"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

// defaultConfidenceThreshold is the auto-approve cutoff when no dynamic
// setting overrides it.
const defaultConfidenceThreshold = 0.75

// autoPublishIdentifier keys the platform-wide auto-publish admission
// windows; throttling is global, not per user.
const autoPublishIdentifier = "platform"

// Validator consumes drafts.validate and routes each draft by verdict:
// rejected drafts are canceled, confident approvals go to the publish
// queue (subject to the auto-publish admission window), and everything
// else parks in pending_review for a human.
type Validator struct {
	store   store.Store
	judge   judge.Client
	pub     QueuePublisher
	limiter *ratelimit.Limiter
	dynamic *config.Dynamic
}

// NewValidator builds the validator stage.
func NewValidator(st store.Store, j judge.Client, pub QueuePublisher,
	limiter *ratelimit.Limiter, dynamic *config.Dynamic) *Validator {
	return &Validator{store: st, judge: j, pub: pub, limiter: limiter, dynamic: dynamic}
}

func (v *Validator) Queue() string { return broker.QueueDraftsValidate }

// Handle judges one draft market.
func (v *Validator) Handle(ctx context.Context, msg any) error {
	m, ok := msg.(*broker.DraftValidateMessage)
	if !ok {
		return eris.Errorf("validator: unexpected message type %T", msg)
	}

	draft, err := v.store.GetDraft(ctx, m.DraftMarketID)
	if err != nil {
		return eris.Wrapf(err, "validator: load draft %s", m.DraftMarketID)
	}
	if draft.Status != model.MarketStatusDraft {
		// Redelivery after the draft already moved on.
		return nil
	}

	verdict, err := v.judge.ValidateDraft(ctx, judge.DraftInput{
		Title:           draft.Title,
		Description:     draft.Description,
		Category:        draft.Category,
		Criteria:        draft.Rules.Criteria,
		EvidenceSources: draft.Rules.EvidenceSources,
		ResolutionLogic: draft.Rules.ResolutionLogic,
	})
	if err != nil {
		return eris.Wrapf(err, "validator: judge draft %s", draft.ID)
	}

	validation := &model.Validation{
		ID:         uuid.NewString(),
		DraftID:    draft.ID,
		Approved:   verdict.Approved,
		Confidence: verdict.Confidence,
		Reasons:    verdict.Reasons,
		AIVersion:  verdict.Version,
	}
	if err := v.store.InsertValidation(ctx, validation); err != nil {
		return eris.Wrapf(err, "validator: record validation for %s", draft.ID)
	}

	log := zap.L().With(
		zap.String("draft_id", draft.ID),
		zap.Bool("approved", verdict.Approved),
		zap.Float64("confidence", verdict.Confidence),
	)

	if !verdict.Approved {
		if _, err := v.store.TransitionDraft(ctx, draft.ID,
			model.MarketStatusDraft, model.MarketStatusCanceled); err != nil {
			return eris.Wrapf(err, "validator: cancel draft %s", draft.ID)
		}
		v.updateProposal(ctx, m.ProposalID, model.ProposalStatusRejected)
		audit(ctx, v.store, "draft_market", draft.ID, "rejected", verdict.Reasons)
		log.Info("draft rejected")
		return nil
	}

	threshold := v.dynamic.ConfidenceThreshold(defaultConfidenceThreshold)
	if verdict.Confidence < threshold {
		if _, err := v.store.TransitionDraft(ctx, draft.ID,
			model.MarketStatusDraft, model.MarketStatusPendingReview); err != nil {
			return eris.Wrapf(err, "validator: park draft %s", draft.ID)
		}
		v.updateProposal(ctx, m.ProposalID, model.ProposalStatusNeedsHuman)
		audit(ctx, v.store, "draft_market", draft.ID, "needs_review", verdict.Reasons)
		log.Info("draft parked for review", zap.Float64("threshold", threshold))
		return nil
	}

	admitted, err := v.limiter.Check(ctx, autoPublishIdentifier, ratelimit.EndpointAutoPublish)
	if err != nil {
		return eris.Wrapf(err, "validator: admission check for %s", draft.ID)
	}
	if !admitted.Allowed {
		// Window exhausted: don't retry later, hand it to a human like any
		// other non-automatic approval.
		if _, err := v.store.TransitionDraft(ctx, draft.ID,
			model.MarketStatusDraft, model.MarketStatusPendingReview); err != nil {
			return eris.Wrapf(err, "validator: park draft %s", draft.ID)
		}
		v.updateProposal(ctx, m.ProposalID, model.ProposalStatusNeedsHuman)
		audit(ctx, v.store, "draft_market", draft.ID, "auto_publish_throttled",
			admitted.Window+" window at limit")
		log.Info("auto-publish throttled", zap.String("window", admitted.Window))
		return nil
	}

	if err := v.limiter.Increment(ctx, autoPublishIdentifier, ratelimit.EndpointAutoPublish); err != nil {
		return eris.Wrapf(err, "validator: count admission for %s", draft.ID)
	}
	v.updateProposal(ctx, m.ProposalID, model.ProposalStatusApproved)

	if err := v.pub.Publish(ctx, broker.QueueMarketsPublish, broker.MarketPublishMessage{
		DraftMarketID: draft.ID,
		ValidationID:  validation.ID,
	}); err != nil {
		return eris.Wrapf(err, "validator: enqueue publish for %s", draft.ID)
	}
	log.Info("draft approved for publish")
	return nil
}

// updateProposal advances the attached proposal, if any. A failed or lost
// transition is logged, not fatal: the draft's own status is authoritative
// and the staleness sweep eventually fails orphaned proposals.
func (v *Validator) updateProposal(ctx context.Context, proposalID string, to model.ProposalStatus) {
	if proposalID == "" {
		return
	}
	if _, err := v.store.TransitionProposal(ctx, proposalID,
		model.ProposalStatusDraftCreated, to); err != nil {
		zap.L().Warn("proposal transition failed",
			zap.String("proposal_id", proposalID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}
