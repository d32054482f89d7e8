package stage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/config"
	"github.com/foresight-labs/market-pipeline/internal/evidence"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/pkg/chain"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

// defaultDisputeWindow is how long a resolution stays open to challenges
// when no dynamic setting overrides it.
const defaultDisputeWindow = 24 * time.Hour

// EvidenceFetcher gathers a market's evidence bundle.
type EvidenceFetcher interface {
	FetchAll(ctx context.Context, sources []string) (*evidence.Bundle, error)
}

// Resolver consumes markets.resolve: it gathers evidence, asks the judge
// for a deterministic verdict, records the result on-chain, and opens the
// dispute window. A market whose every evidence source failed goes to
// failed for manual requeue rather than being guessed at.
type Resolver struct {
	store    store.Store
	judge    judge.Client
	chain    chain.Client
	evidence EvidenceFetcher
	dynamic  *config.Dynamic
}

// NewResolver builds the resolver stage.
func NewResolver(st store.Store, j judge.Client, ch chain.Client,
	ev EvidenceFetcher, dynamic *config.Dynamic) *Resolver {
	return &Resolver{store: st, judge: j, chain: ch, evidence: ev, dynamic: dynamic}
}

func (r *Resolver) Queue() string { return broker.QueueMarketsResolve }

// Handle resolves one expired market.
func (r *Resolver) Handle(ctx context.Context, msg any) error {
	m, ok := msg.(*broker.MarketResolveMessage)
	if !ok {
		return eris.Errorf("resolver: unexpected message type %T", msg)
	}

	market, err := r.store.GetDraft(ctx, m.MarketID)
	if err != nil {
		return eris.Wrapf(err, "resolver: load market %s", m.MarketID)
	}
	if market.Status != model.MarketStatusResolving {
		// The sweep moves markets to resolving before announcing them;
		// anything else is a redelivery after completion or a manual state
		// change.
		return nil
	}
	if existing, err := r.store.GetResolutionByMarket(ctx, market.ID); err != nil {
		return eris.Wrapf(err, "resolver: check existing resolution for %s", market.ID)
	} else if existing != nil {
		return nil
	}

	bundle, err := r.evidence.FetchAll(ctx, market.Rules.EvidenceSources)
	if err != nil {
		return eris.Wrapf(err, "resolver: gather evidence for %s", market.ID)
	}

	if bundle.Succeeded() == 0 {
		// Nothing to judge on. failed is terminal until an operator
		// requeues the market once the sources recover.
		if _, err := r.store.TransitionDraft(ctx, market.ID,
			model.MarketStatusResolving, model.MarketStatusFailed); err != nil {
			return eris.Wrapf(err, "resolver: fail market %s", market.ID)
		}
		audit(ctx, r.store, "draft_market", market.ID, "resolution_failed",
			"all evidence sources failed")
		zap.L().Warn("market resolution failed, no evidence",
			zap.String("market_id", market.ID),
			zap.Int("sources", len(market.Rules.EvidenceSources)),
		)
		return nil
	}

	verdict, err := r.judge.ResolveMarket(ctx, judge.DraftInput{
		Title:           market.Title,
		Description:     market.Description,
		Category:        market.Category,
		Criteria:        market.Rules.Criteria,
		EvidenceSources: market.Rules.EvidenceSources,
		ResolutionLogic: market.Rules.ResolutionLogic,
	}, bundle.Content)
	if err != nil {
		return eris.Wrapf(err, "resolver: judge market %s", market.ID)
	}

	if verdict.Result == "invalid" {
		return r.cancelUnresolvable(ctx, market, verdict, bundle)
	}

	if _, err := r.chain.SubmitResolution(ctx, market.MarketAddress, chain.ResolutionRequest{
		Result:       verdict.Result,
		EvidenceHash: bundle.Hash,
	}); err != nil {
		return eris.Wrapf(err, "resolver: record result on-chain for %s", market.ID)
	}

	resolution := &model.Resolution{
		ID:                uuid.NewString(),
		MarketID:          market.ID,
		Result:            verdict.Result,
		Reasoning:         verdict.Reasoning,
		EvidenceHash:      bundle.Hash,
		Fetches:           bundle.Fetches,
		Status:            model.ResolutionStatusResolved,
		DisputeWindowEnds: time.Now().UTC().Add(r.dynamic.DisputeWindow(defaultDisputeWindow)),
	}
	if err := r.store.InsertResolution(ctx, resolution); err != nil {
		return eris.Wrapf(err, "resolver: record resolution for %s", market.ID)
	}

	if _, err := r.store.TransitionDraft(ctx, market.ID,
		model.MarketStatusResolving, model.MarketStatusResolved); err != nil {
		return eris.Wrapf(err, "resolver: finish market %s", market.ID)
	}

	audit(ctx, r.store, "draft_market", market.ID, "resolved", verdict.Result)
	zap.L().Info("market resolved",
		zap.String("market_id", market.ID),
		zap.String("result", verdict.Result),
		zap.Float64("confidence", verdict.Confidence),
		zap.Time("dispute_window_ends", resolution.DisputeWindowEnds),
	)
	return nil
}

// cancelUnresolvable voids a market the evidence cannot decide.
func (r *Resolver) cancelUnresolvable(ctx context.Context, market *model.DraftMarket,
	verdict *judge.ResolutionVerdict, bundle *evidence.Bundle) error {

	if err := r.chain.CancelMarket(ctx, market.MarketAddress, verdict.Reasoning); err != nil {
		return eris.Wrapf(err, "resolver: cancel market %s", market.ID)
	}
	if _, err := r.store.TransitionDraft(ctx, market.ID,
		model.MarketStatusResolving, model.MarketStatusCanceled); err != nil {
		return eris.Wrapf(err, "resolver: void market %s", market.ID)
	}
	audit(ctx, r.store, "draft_market", market.ID, "canceled",
		"unresolvable: "+verdict.Reasoning)
	zap.L().Warn("market canceled as unresolvable",
		zap.String("market_id", market.ID),
		zap.String("evidence_hash", bundle.Hash),
	)
	return nil
}
