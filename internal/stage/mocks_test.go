package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foresight-labs/market-pipeline/internal/evidence"
	"github.com/foresight-labs/market-pipeline/internal/feeds"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/pkg/chain"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

func newStageStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeJudge returns canned verdicts per operation.
type fakeJudge struct {
	extractions []judge.CandidateExtraction
	extractErr  error

	spec        *judge.MarketSpec
	generateErr error

	verdict     *judge.Verdict
	validateErr error

	resolution *judge.ResolutionVerdict
	resolveErr error

	disputeVerdict *judge.DisputeVerdict
	disputeErr     error
}

func (f *fakeJudge) ExtractCandidates(context.Context, judge.Article) ([]judge.CandidateExtraction, error) {
	return f.extractions, f.extractErr
}

func (f *fakeJudge) GenerateMarket(context.Context, judge.CandidateInput) (*judge.MarketSpec, error) {
	return f.spec, f.generateErr
}

func (f *fakeJudge) ValidateDraft(context.Context, judge.DraftInput) (*judge.Verdict, error) {
	return f.verdict, f.validateErr
}

func (f *fakeJudge) ResolveMarket(context.Context, judge.DraftInput, string) (*judge.ResolutionVerdict, error) {
	return f.resolution, f.resolveErr
}

func (f *fakeJudge) ReviewDispute(context.Context, judge.DisputeReview) (*judge.DisputeVerdict, error) {
	return f.disputeVerdict, f.disputeErr
}

// fakeChain records gateway calls.
type fakeChain struct {
	mu          sync.Mutex
	published   []chain.PublishRequest
	resolutions []chain.ResolutionRequest
	canceled    []string

	address    string
	publishErr error
	resolveErr error
	cancelErr  error
}

func (f *fakeChain) PublishMarket(_ context.Context, req chain.PublishRequest) (*chain.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, req)
	addr := f.address
	if addr == "" {
		addr = "0x" + req.DraftID
	}
	return &chain.PublishResponse{Address: addr, TxHash: "0xtx"}, nil
}

func (f *fakeChain) SubmitResolution(_ context.Context, _ string, req chain.ResolutionRequest) (*chain.ResolutionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	f.resolutions = append(f.resolutions, req)
	return &chain.ResolutionResponse{TxHash: "0xtx"}, nil
}

func (f *fakeChain) CancelMarket(_ context.Context, address, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, address)
	return nil
}

// fakePub records published queue messages.
type fakePub struct {
	mu     sync.Mutex
	sent   []pubCall
	calls  int
	failAt int // fail the Nth Publish call, once
	err    error
}

type pubCall struct {
	queue string
	msg   any
}

func (f *fakePub) Publish(_ context.Context, queue string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		f.failAt = 0
		return errors.New("publish failed")
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, pubCall{queue: queue, msg: msg})
	return nil
}

func (f *fakePub) byQueue(queue string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, c := range f.sent {
		if c.queue == queue {
			out = append(out, c.msg)
		}
	}
	return out
}

// fakeEvidence returns a canned bundle.
type fakeEvidence struct {
	bundle *evidence.Bundle
	err    error
}

func (f *fakeEvidence) FetchAll(context.Context, []string) (*evidence.Bundle, error) {
	return f.bundle, f.err
}

func goodBundle(content string) *evidence.Bundle {
	return &evidence.Bundle{
		Content: content,
		Hash:    "deadbeef",
		Fetches: []model.EvidenceFetch{
			{Source: "https://example.org/outcome", Succeeded: true, Attempts: 1, FetchedAt: time.Now().UTC()},
		},
	}
}

func emptyBundle() *evidence.Bundle {
	return &evidence.Bundle{
		Fetches: []model.EvidenceFetch{
			{Source: "https://example.org/outcome", Error: "unreachable", Attempts: 3, FetchedAt: time.Now().UTC()},
		},
	}
}

// fakeListing serves canned news items per source name.
type fakeListing struct {
	items map[string][]model.NewsItem
	err   error
}

func (f *fakeListing) Fetch(_ context.Context, src feeds.Source) ([]model.NewsItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items[src.Name], nil
}

// fakeCrawlReporter satisfies worker.StatusReporter for the crawler loop.
type fakeCrawlReporter struct {
	mu        sync.Mutex
	enabled   bool
	processed int
	failed    int
	statuses  []model.WorkerStatus
}

func (f *fakeCrawlReporter) SetStatus(s model.WorkerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
}

func (f *fakeCrawlReporter) RecordProcessed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed++
}

func (f *fakeCrawlReporter) RecordFailed(error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
}

func (f *fakeCrawlReporter) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeCrawlReporter) WaitEnabled(ctx context.Context) error { return ctx.Err() }

func (f *fakeCrawlReporter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed, f.failed
}

// --- seed helpers ---

func seedNews(t *testing.T, s store.Store, status model.NewsStatus) *model.NewsItem {
	t.Helper()
	item := &model.NewsItem{
		ID:          uuid.NewString(),
		Source:      "newswire",
		URL:         "https://example.org/article",
		Title:       "Central bank signals rate decision",
		Content:     "The bank will decide next month.",
		ContentHash: uuid.NewString(),
		Status:      model.NewsStatusIngested,
		PublishedAt: time.Now().UTC(),
	}
	inserted, err := s.InsertNews(context.Background(), item)
	require.NoError(t, err)
	require.True(t, inserted)
	if status != model.NewsStatusIngested {
		_, err := s.TransitionNews(context.Background(), item.ID, model.NewsStatusIngested, status)
		require.NoError(t, err)
		item.Status = status
	}
	return item
}

func seedCandidate(t *testing.T, s store.Store, proposalID string) *model.Candidate {
	t.Helper()
	cand := &model.Candidate{
		ID:           uuid.NewString(),
		ProposalID:   proposalID,
		Entities:     []string{"Central Bank"},
		EventType:    "rate_decision",
		CategoryHint: "economics",
		RelevantText: "The bank will decide on rates next month.",
	}
	require.NoError(t, s.InsertCandidate(context.Background(), cand))
	return cand
}

func seedDraft(t *testing.T, s store.Store, status model.MarketStatus) *model.DraftMarket {
	t.Helper()
	expiry := time.Now().UTC().Add(30 * 24 * time.Hour)
	draft := &model.DraftMarket{
		ID:              uuid.NewString(),
		CandidateID:     uuid.NewString(),
		Title:           "Will the central bank cut rates next month?",
		Description:     "Resolves YES if the target rate is lowered.",
		Category:        "economics",
		ConfidenceScore: 0.9,
		Rules: model.ResolutionRules{
			Criteria:        "Official statement announces a lower rate.",
			EvidenceSources: []string{"https://example.org/outcome"},
			ResolutionLogic: "Official statement decides.",
		},
		Status:    model.MarketStatusDraft,
		ExpiresAt: &expiry,
	}
	require.NoError(t, s.InsertDraft(context.Background(), draft))
	for _, step := range transitionPath(status) {
		if step.publish {
			won, err := s.SetDraftPublished(context.Background(), draft.ID, "0xmarket",
				expiry, step.from)
			require.NoError(t, err)
			require.True(t, won)
			draft.MarketAddress = "0xmarket"
		} else {
			won, err := s.TransitionDraft(context.Background(), draft.ID, step.from, step.to)
			require.NoError(t, err)
			require.True(t, won)
		}
		draft.Status = step.to
	}
	return draft
}

type draftStep struct {
	from, to model.MarketStatus
	publish  bool
}

// transitionPath walks a fresh draft to the wanted status through legal
// guarded transitions.
func transitionPath(target model.MarketStatus) []draftStep {
	switch target {
	case model.MarketStatusDraft:
		return nil
	case model.MarketStatusActive:
		return []draftStep{{from: model.MarketStatusDraft, to: model.MarketStatusActive, publish: true}}
	case model.MarketStatusResolving:
		return append(transitionPath(model.MarketStatusActive),
			draftStep{from: model.MarketStatusActive, to: model.MarketStatusResolving})
	case model.MarketStatusResolved:
		return append(transitionPath(model.MarketStatusResolving),
			draftStep{from: model.MarketStatusResolving, to: model.MarketStatusResolved})
	case model.MarketStatusDisputed:
		return append(transitionPath(model.MarketStatusResolved),
			draftStep{from: model.MarketStatusResolved, to: model.MarketStatusDisputed})
	default:
		return []draftStep{{from: model.MarketStatusDraft, to: target}}
	}
}

func seedProposal(t *testing.T, s store.Store, status model.ProposalStatus) *model.Proposal {
	t.Helper()
	p := &model.Proposal{
		ID:          uuid.NewString(),
		SubmitterID: "user-1",
		Question:    "Will the central bank cut rates next month?",
		Status:      model.ProposalStatusPending,
	}
	require.NoError(t, s.InsertProposal(context.Background(), p))
	if status != model.ProposalStatusPending {
		won, err := s.TransitionProposal(context.Background(), p.ID, model.ProposalStatusPending, status)
		require.NoError(t, err)
		require.True(t, won)
		p.Status = status
	}
	return p
}

func requireDraftStatus(t *testing.T, s store.Store, id string, want model.MarketStatus) *model.DraftMarket {
	t.Helper()
	d, err := s.GetDraft(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, d.Status)
	return d
}
