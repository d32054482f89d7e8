package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

func marketSpec() *judge.MarketSpec {
	return &judge.MarketSpec{
		Title:           "Will the central bank cut rates next month?",
		Description:     "Resolves YES if the target rate is lowered.",
		Category:        "economics",
		Confidence:      0.85,
		Criteria:        "Official statement announces a lower rate.",
		EvidenceSources: []string{"https://example.org/outcome"},
		ResolutionLogic: "Official statement decides.",
		ExpiryDays:      14,
	}
}

func TestGeneratorCreatesDraft(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{spec: marketSpec()}
	cand := seedCandidate(t, st, "")

	g := NewGenerator(st, j, pub)
	require.NoError(t, g.Handle(context.Background(), &broker.CandidateMessage{CandidateID: cand.ID}))

	msgs := pub.byQueue(broker.QueueDraftsValidate)
	require.Len(t, msgs, 1)
	vm := msgs[0].(broker.DraftValidateMessage)

	draft, err := st.GetDraft(context.Background(), vm.DraftMarketID)
	require.NoError(t, err)
	assert.Equal(t, model.MarketStatusDraft, draft.Status)
	assert.Equal(t, cand.ID, draft.CandidateID)
	assert.Equal(t, "economics", draft.Category)
	require.NotNil(t, draft.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(14*24*time.Hour), *draft.ExpiresAt, time.Minute)

	after, err := st.GetCandidate(context.Background(), cand.ID)
	require.NoError(t, err)
	assert.True(t, after.Processed)
	assert.Equal(t, draft.ID, after.DraftMarketID)
}

func TestGeneratorIgnoresProcessedCandidate(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{spec: marketSpec()}
	cand := seedCandidate(t, st, "")
	won, err := st.MarkCandidateProcessed(context.Background(), cand.ID, "prior-draft")
	require.NoError(t, err)
	require.True(t, won)

	g := NewGenerator(st, j, pub)
	require.NoError(t, g.Handle(context.Background(), &broker.CandidateMessage{CandidateID: cand.ID}))

	assert.Empty(t, pub.byQueue(broker.QueueDraftsValidate))
}

func TestGeneratorMatchesProposalToActiveMarket(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{spec: marketSpec()}

	existing := seedDraft(t, st, model.MarketStatusActive)
	prop := seedProposal(t, st, model.ProposalStatusPending)
	// Same question as the live market's title.
	require.NoError(t, st.InsertCandidate(context.Background(), &model.Candidate{
		ID:           "cand-dup",
		ProposalID:   prop.ID,
		RelevantText: existing.Title,
	}))

	g := NewGenerator(st, j, pub)
	require.NoError(t, g.Handle(context.Background(), &broker.CandidateMessage{CandidateID: "cand-dup"}))

	after, err := st.GetProposal(context.Background(), prop.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusMatched, after.Status)
	assert.Equal(t, existing.ID, after.MatchedMarketID)

	// No draft generated, nothing announced.
	assert.Empty(t, pub.byQueue(broker.QueueDraftsValidate))

	processed, err := st.GetCandidate(context.Background(), "cand-dup")
	require.NoError(t, err)
	assert.True(t, processed.Processed)
}

func TestGeneratorProposalWithoutMatchGetsDraft(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{spec: marketSpec()}
	prop := seedProposal(t, st, model.ProposalStatusPending)
	cand := seedCandidate(t, st, prop.ID)

	g := NewGenerator(st, j, pub)
	require.NoError(t, g.Handle(context.Background(), &broker.CandidateMessage{CandidateID: cand.ID}))

	after, err := st.GetProposal(context.Background(), prop.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalStatusDraftCreated, after.Status)
	assert.NotEmpty(t, after.DraftMarketID)

	msgs := pub.byQueue(broker.QueueDraftsValidate)
	require.Len(t, msgs, 1)
	assert.Equal(t, prop.ID, msgs[0].(broker.DraftValidateMessage).ProposalID)
}

func TestGeneratorJudgeFailureLeavesCandidateUnprocessed(t *testing.T) {
	st := newStageStore(t)
	j := &fakeJudge{generateErr: assert.AnError}
	cand := seedCandidate(t, st, "")

	g := NewGenerator(st, j, &fakePub{})
	require.Error(t, g.Handle(context.Background(), &broker.CandidateMessage{CandidateID: cand.ID}))

	after, err := st.GetCandidate(context.Background(), cand.ID)
	require.NoError(t, err)
	assert.False(t, after.Processed)
}

func TestTokenOverlap(t *testing.T) {
	assert.Equal(t, 1.0, tokenOverlap(
		"Will the central bank cut rates next month?",
		"will the central bank cut rates next month"))
	assert.Zero(t, tokenOverlap("rates decision", ""))
	assert.Less(t, tokenOverlap(
		"Will the central bank cut rates next month?",
		"Will it rain in Lisbon tomorrow?"), duplicateThreshold)
}
