package stage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

// duplicateThreshold is the token-overlap score above which a candidate is
// treated as a duplicate of an existing market.
const duplicateThreshold = 0.8

// Generator consumes candidates and produces draft markets. Candidates
// born from proposals are first matched against existing markets so
// duplicate questions attach to the live market instead of spawning a
// competing one.
type Generator struct {
	store store.Store
	judge judge.Client
	pub   QueuePublisher
}

// NewGenerator builds the generator stage.
func NewGenerator(st store.Store, j judge.Client, pub QueuePublisher) *Generator {
	return &Generator{store: st, judge: j, pub: pub}
}

func (g *Generator) Queue() string { return broker.QueueCandidates }

// Handle turns one candidate into a draft market.
func (g *Generator) Handle(ctx context.Context, msg any) error {
	m, ok := msg.(*broker.CandidateMessage)
	if !ok {
		return eris.Errorf("generator: unexpected message type %T", msg)
	}

	cand, err := g.store.GetCandidate(ctx, m.CandidateID)
	if err != nil {
		return eris.Wrapf(err, "generator: load candidate %s", m.CandidateID)
	}
	if cand.Processed {
		return nil
	}

	if cand.ProposalID != "" {
		if _, err := g.store.TransitionProposal(ctx, cand.ProposalID,
			model.ProposalStatusPending, model.ProposalStatusProcessing); err != nil {
			return eris.Wrapf(err, "generator: start proposal %s", cand.ProposalID)
		}

		matched, err := g.matchExisting(ctx, cand)
		if err != nil {
			return err
		}
		if matched != "" {
			if _, err := g.store.SetProposalMatched(ctx, cand.ProposalID, matched,
				model.ProposalStatusProcessing); err != nil {
				return eris.Wrapf(err, "generator: match proposal %s", cand.ProposalID)
			}
			if _, err := g.store.MarkCandidateProcessed(ctx, cand.ID, ""); err != nil {
				return eris.Wrapf(err, "generator: finish candidate %s", cand.ID)
			}
			audit(ctx, g.store, "proposal", cand.ProposalID, "matched",
				"duplicate of market "+matched)
			return nil
		}
	}

	spec, err := g.judge.GenerateMarket(ctx, judge.CandidateInput{
		Entities:     cand.Entities,
		EventType:    cand.EventType,
		CategoryHint: cand.CategoryHint,
		RelevantText: cand.RelevantText,
	})
	if err != nil {
		return eris.Wrapf(err, "generator: judge candidate %s", cand.ID)
	}

	expiry := time.Now().UTC().Add(time.Duration(spec.ExpiryDays) * 24 * time.Hour)
	draft := &model.DraftMarket{
		ID:              uuid.NewString(),
		CandidateID:     cand.ID,
		ProposalID:      cand.ProposalID,
		Title:           spec.Title,
		Description:     spec.Description,
		Category:        spec.Category,
		ConfidenceScore: spec.Confidence,
		Rules: model.ResolutionRules{
			Criteria:        spec.Criteria,
			EvidenceSources: spec.EvidenceSources,
			ResolutionLogic: spec.ResolutionLogic,
		},
		Status:    model.MarketStatusDraft,
		ExpiresAt: &expiry,
	}
	if err := g.store.InsertDraft(ctx, draft); err != nil {
		return eris.Wrapf(err, "generator: insert draft for candidate %s", cand.ID)
	}

	won, err := g.store.MarkCandidateProcessed(ctx, cand.ID, draft.ID)
	if err != nil {
		return eris.Wrapf(err, "generator: finish candidate %s", cand.ID)
	}
	if !won {
		// A concurrent consumer generated this candidate first; our draft
		// stays unreferenced and is never validated.
		return nil
	}

	if cand.ProposalID != "" {
		if _, err := g.store.SetProposalDraft(ctx, cand.ProposalID, draft.ID,
			model.ProposalStatusProcessing); err != nil {
			return eris.Wrapf(err, "generator: attach draft to proposal %s", cand.ProposalID)
		}
	}

	if err := g.pub.Publish(ctx, broker.QueueDraftsValidate, broker.DraftValidateMessage{
		DraftMarketID: draft.ID,
		ProposalID:    cand.ProposalID,
	}); err != nil {
		return eris.Wrapf(err, "generator: announce draft %s", draft.ID)
	}

	zap.L().Info("draft generated",
		zap.String("candidate_id", cand.ID),
		zap.String("draft_id", draft.ID),
		zap.Float64("confidence", spec.Confidence),
	)
	return nil
}

// matchExisting scores the candidate's question against live markets and
// returns the best match above the duplicate threshold, if any.
func (g *Generator) matchExisting(ctx context.Context, cand *model.Candidate) (string, error) {
	active, err := g.store.ListMarketsByStatus(ctx, model.MarketStatusActive, 200)
	if err != nil {
		return "", eris.Wrap(err, "generator: list active markets")
	}

	best := ""
	bestScore := 0.0
	for _, mkt := range active {
		if score := tokenOverlap(cand.RelevantText, mkt.Title); score > bestScore {
			best, bestScore = mkt.ID, score
		}
	}
	if bestScore >= duplicateThreshold {
		return best, nil
	}
	return "", nil
}

// tokenOverlap is a Jaccard similarity over lowercased word sets. Crude,
// but it only has to catch near-identical questions; the validator still
// reviews everything that gets through.
func tokenOverlap(a, b string) float64 {
	setA := tokens(a)
	setB := tokens(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}

func tokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?\"'()[]{}:;")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}
