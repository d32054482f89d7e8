package stage

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/pkg/chain"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

// DisputeAgent consumes disputes and reviews challenges against resolved
// markets. The reviewing transition is the idempotency gate: exactly one
// consumer of a redelivered dispute wins it.
type DisputeAgent struct {
	store    store.Store
	judge    judge.Client
	chain    chain.Client
	evidence EvidenceFetcher
}

// NewDisputeAgent builds the dispute review stage.
func NewDisputeAgent(st store.Store, j judge.Client, ch chain.Client, ev EvidenceFetcher) *DisputeAgent {
	return &DisputeAgent{store: st, judge: j, chain: ch, evidence: ev}
}

func (a *DisputeAgent) Queue() string { return broker.QueueDisputes }

// Handle reviews one dispute.
func (a *DisputeAgent) Handle(ctx context.Context, msg any) error {
	m, ok := msg.(*broker.DisputeMessage)
	if !ok {
		return eris.Errorf("disputes: unexpected message type %T", msg)
	}

	if m.Ruling != "" {
		return a.applyRuling(ctx, m)
	}

	dispute, err := a.store.GetDispute(ctx, m.DisputeID)
	if err != nil {
		return eris.Wrapf(err, "disputes: load dispute %s", m.DisputeID)
	}
	if dispute.Status != model.DisputeStatusPending {
		return nil
	}
	won, err := a.store.TransitionDispute(ctx, dispute.ID,
		model.DisputeStatusPending, model.DisputeStatusReviewing)
	if err != nil {
		return eris.Wrapf(err, "disputes: claim dispute %s", dispute.ID)
	}
	if !won {
		return nil
	}

	resolution, err := a.store.GetResolution(ctx, dispute.ResolutionID)
	if err != nil {
		return eris.Wrapf(err, "disputes: load resolution %s", dispute.ResolutionID)
	}
	market, err := a.store.GetDraft(ctx, resolution.MarketID)
	if err != nil {
		return eris.Wrapf(err, "disputes: load market %s", resolution.MarketID)
	}

	// Re-fetch the evidence so the review judges current source content,
	// not a summary of what the resolver saw.
	bundle, err := a.evidence.FetchAll(ctx, market.Rules.EvidenceSources)
	if err != nil {
		return eris.Wrapf(err, "disputes: gather evidence for %s", market.ID)
	}

	verdict, err := a.judge.ReviewDispute(ctx, judge.DisputeReview{
		Market: judge.DraftInput{
			Title:           market.Title,
			Description:     market.Description,
			Category:        market.Category,
			Criteria:        market.Rules.Criteria,
			EvidenceSources: market.Rules.EvidenceSources,
			ResolutionLogic: market.Rules.ResolutionLogic,
		},
		Result:        resolution.Result,
		Reasoning:     resolution.Reasoning,
		DisputeReason: dispute.Reason,
		Evidence:      bundle.Content,
	})
	if err != nil {
		return eris.Wrapf(err, "disputes: judge dispute %s", dispute.ID)
	}

	log := zap.L().With(
		zap.String("dispute_id", dispute.ID),
		zap.String("market_id", market.ID),
	)

	switch {
	case verdict.Escalate:
		if _, err := a.store.SetDisputeReview(ctx, dispute.ID, verdict.Review,
			model.DisputeStatusReviewing, model.DisputeStatusEscalated); err != nil {
			return eris.Wrapf(err, "disputes: escalate dispute %s", dispute.ID)
		}
		audit(ctx, a.store, "dispute", dispute.ID, "escalated", verdict.Review)
		log.Warn("dispute escalated to human review")
		return nil

	case verdict.Uphold:
		if _, err := a.store.SetDisputeReview(ctx, dispute.ID, verdict.Review,
			model.DisputeStatusReviewing, model.DisputeStatusUpheld); err != nil {
			return eris.Wrapf(err, "disputes: uphold dispute %s", dispute.ID)
		}
		// The original result stands; the resolution re-enters its window
		// and the finalize sweep picks it up.
		if _, err := a.store.TransitionResolution(ctx, resolution.ID,
			model.ResolutionStatusDisputed, model.ResolutionStatusResolved); err != nil {
			return eris.Wrapf(err, "disputes: restore resolution %s", resolution.ID)
		}
		if _, err := a.store.TransitionDraft(ctx, market.ID,
			model.MarketStatusDisputed, model.MarketStatusResolved); err != nil {
			return eris.Wrapf(err, "disputes: restore market %s", market.ID)
		}
		audit(ctx, a.store, "dispute", dispute.ID, "upheld", verdict.Review)
		log.Info("dispute rejected, resolution stands")
		return nil

	default:
		return a.overturn(ctx, dispute, resolution, market, verdict, bundle.Hash)
	}
}

// applyRuling settles an escalated dispute with the operator's decision.
// Upholding moves the state machines first so the escalated->terminal CAS
// is the exclusivity gate; overturning re-records on-chain before closing,
// mirroring the automated overturn path.
func (a *DisputeAgent) applyRuling(ctx context.Context, m *broker.DisputeMessage) error {
	dispute, err := a.store.GetDispute(ctx, m.DisputeID)
	if err != nil {
		return eris.Wrapf(err, "disputes: load dispute %s", m.DisputeID)
	}
	if dispute.Status != model.DisputeStatusEscalated {
		return nil
	}
	resolution, err := a.store.GetResolution(ctx, dispute.ResolutionID)
	if err != nil {
		return eris.Wrapf(err, "disputes: load resolution %s", dispute.ResolutionID)
	}
	market, err := a.store.GetDraft(ctx, resolution.MarketID)
	if err != nil {
		return eris.Wrapf(err, "disputes: load market %s", resolution.MarketID)
	}

	review := "operator ruling: " + m.Ruling
	log := zap.L().With(
		zap.String("dispute_id", dispute.ID),
		zap.String("market_id", market.ID),
		zap.String("ruling", m.Ruling),
	)

	if m.Ruling == "upheld" {
		won, err := a.store.SetDisputeReview(ctx, dispute.ID, review,
			model.DisputeStatusEscalated, model.DisputeStatusUpheld)
		if err != nil {
			return eris.Wrapf(err, "disputes: close dispute %s", dispute.ID)
		}
		if !won {
			return nil
		}
		if _, err := a.store.TransitionResolution(ctx, resolution.ID,
			model.ResolutionStatusDisputed, model.ResolutionStatusResolved); err != nil {
			return eris.Wrapf(err, "disputes: restore resolution %s", resolution.ID)
		}
		if _, err := a.store.TransitionDraft(ctx, market.ID,
			model.MarketStatusDisputed, model.MarketStatusResolved); err != nil {
			return eris.Wrapf(err, "disputes: restore market %s", market.ID)
		}
		audit(ctx, a.store, "dispute", dispute.ID, "upheld", review)
		log.Info("operator upheld original resolution")
		return nil
	}

	if _, err := a.chain.SubmitResolution(ctx, market.MarketAddress, chain.ResolutionRequest{
		Result:       m.RuledResult,
		EvidenceHash: resolution.EvidenceHash,
	}); err != nil {
		return eris.Wrapf(err, "disputes: re-record result for %s", market.ID)
	}
	if _, err := a.store.SetResolutionResult(ctx, resolution.ID, m.RuledResult, review,
		model.ResolutionStatusDisputed, model.ResolutionStatusResolved); err != nil {
		return eris.Wrapf(err, "disputes: rewrite resolution %s", resolution.ID)
	}
	if _, err := a.store.SetDisputeReview(ctx, dispute.ID, review,
		model.DisputeStatusEscalated, model.DisputeStatusOverturned); err != nil {
		return eris.Wrapf(err, "disputes: close dispute %s", dispute.ID)
	}
	if _, err := a.store.TransitionDraft(ctx, market.ID,
		model.MarketStatusDisputed, model.MarketStatusResolved); err != nil {
		return eris.Wrapf(err, "disputes: restore market %s", market.ID)
	}
	audit(ctx, a.store, "dispute", dispute.ID, "overturned",
		"result changed from "+resolution.Result+" to "+m.RuledResult+" by operator")
	log.Info("operator overturned resolution",
		zap.String("new_result", m.RuledResult))
	return nil
}

// overturn replaces the resolution's result and re-records it on-chain.
func (a *DisputeAgent) overturn(ctx context.Context, dispute *model.Dispute,
	resolution *model.Resolution, market *model.DraftMarket,
	verdict *judge.DisputeVerdict, evidenceHash string) error {

	if verdict.NewResult != "yes" && verdict.NewResult != "no" {
		// An overturn without a usable replacement result is an
		// escalation in disguise.
		if _, err := a.store.SetDisputeReview(ctx, dispute.ID, verdict.Review,
			model.DisputeStatusReviewing, model.DisputeStatusEscalated); err != nil {
			return eris.Wrapf(err, "disputes: escalate dispute %s", dispute.ID)
		}
		audit(ctx, a.store, "dispute", dispute.ID, "escalated",
			"overturn verdict carried no replacement result")
		return nil
	}

	if _, err := a.chain.SubmitResolution(ctx, market.MarketAddress, chain.ResolutionRequest{
		Result:       verdict.NewResult,
		EvidenceHash: evidenceHash,
	}); err != nil {
		return eris.Wrapf(err, "disputes: re-record result for %s", market.ID)
	}

	if _, err := a.store.SetResolutionResult(ctx, resolution.ID, verdict.NewResult, verdict.Review,
		model.ResolutionStatusDisputed, model.ResolutionStatusResolved); err != nil {
		return eris.Wrapf(err, "disputes: rewrite resolution %s", resolution.ID)
	}
	if _, err := a.store.SetDisputeReview(ctx, dispute.ID, verdict.Review,
		model.DisputeStatusReviewing, model.DisputeStatusOverturned); err != nil {
		return eris.Wrapf(err, "disputes: close dispute %s", dispute.ID)
	}
	if _, err := a.store.TransitionDraft(ctx, market.ID,
		model.MarketStatusDisputed, model.MarketStatusResolved); err != nil {
		return eris.Wrapf(err, "disputes: restore market %s", market.ID)
	}

	audit(ctx, a.store, "dispute", dispute.ID, "overturned",
		"result changed from "+resolution.Result+" to "+verdict.NewResult)
	zap.L().Info("dispute overturned resolution",
		zap.String("dispute_id", dispute.ID),
		zap.String("market_id", market.ID),
		zap.String("new_result", verdict.NewResult),
	)
	return nil
}
