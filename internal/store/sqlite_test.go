package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foresight-labs/market-pipeline/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestNews(t *testing.T, s *SQLiteStore, hash string) *model.NewsItem {
	t.Helper()
	item := &model.NewsItem{
		ID:          uuid.New().String(),
		Source:      "techwire",
		URL:         "https://example.com/a",
		Title:       "X launches Y",
		Content:     "X announced the launch of Y today.",
		ContentHash: hash,
		Status:      model.NewsStatusIngested,
		PublishedAt: time.Now().UTC(),
	}
	inserted, err := s.InsertNews(context.Background(), item)
	require.NoError(t, err)
	require.True(t, inserted)
	return item
}

func TestSQLiteStore_NewsDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestNews(t, s, "h1")

	dup := &model.NewsItem{
		ID:          uuid.New().String(),
		Source:      "otherwire",
		URL:         "https://example.com/b",
		Title:       "X launches Y (syndicated)",
		Content:     "X announced the launch of Y today.",
		ContentHash: "h1",
		Status:      model.NewsStatusIngested,
		PublishedAt: time.Now().UTC(),
	}
	inserted, err := s.InsertNews(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "second item with same content_hash must be rejected")

	_, err = s.GetNews(ctx, dup.ID)
	assert.Error(t, err, "duplicate must not exist")
}

func TestSQLiteStore_TransitionNews_Guarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := insertTestNews(t, s, "h2")

	ok, err := s.TransitionNews(ctx, item.ID, model.NewsStatusIngested, model.NewsStatusExtracted)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second attempt from the old state is a benign no-op.
	ok, err = s.TransitionNews(ctx, item.ID, model.NewsStatusIngested, model.NewsStatusSkipped)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetNews(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NewsStatusExtracted, got.Status)
}

func insertTestDraft(t *testing.T, s *SQLiteStore, status model.MarketStatus) *model.DraftMarket {
	t.Helper()
	d := &model.DraftMarket{
		ID:       uuid.New().String(),
		Title:    "Will Y ship by Q4?",
		Category: "technology",
		Rules: model.ResolutionRules{
			Criteria:        "Y generally available before Dec 31",
			EvidenceSources: []string{"https://example.com/status"},
		},
		Status: status,
	}
	require.NoError(t, s.InsertDraft(context.Background(), d))
	return d
}

func TestSQLiteStore_DraftCAS_OneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := insertTestDraft(t, s, model.MarketStatusResolved)

	// Two actors race resolved -> finalized; exactly one wins.
	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.TransitionDraft(ctx, d.ID, model.MarketStatusResolved, model.MarketStatusFinalized)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one guarded update must win")
}

func TestSQLiteStore_SetDraftPublished_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := insertTestDraft(t, s, model.MarketStatusDraft)
	expiry := time.Now().UTC().Add(72 * time.Hour)

	ok, err := s.SetDraftPublished(ctx, d.ID, "mkt_abc123", expiry, model.MarketStatusDraft)
	require.NoError(t, err)
	assert.True(t, ok)

	// Redelivery: address already set, guard fails, row untouched.
	ok, err = s.SetDraftPublished(ctx, d.ID, "mkt_other", expiry, model.MarketStatusDraft)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetDraft(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "mkt_abc123", got.MarketAddress)
	assert.Equal(t, model.MarketStatusActive, got.Status)
	require.NotNil(t, got.ExpiresAt)
}

func TestSQLiteStore_ListExpiredActiveMarkets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := insertTestDraft(t, s, model.MarketStatusDraft)
	_, err := s.SetDraftPublished(ctx, expired.ID, "mkt_expired", time.Now().UTC().Add(-time.Hour), model.MarketStatusDraft)
	require.NoError(t, err)

	live := insertTestDraft(t, s, model.MarketStatusDraft)
	_, err = s.SetDraftPublished(ctx, live.ID, "mkt_live", time.Now().UTC().Add(time.Hour), model.MarketStatusDraft)
	require.NoError(t, err)

	got, err := s.ListExpiredActiveMarkets(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)
}

func TestSQLiteStore_FinalizableResolutions_SkipsOpenDisputes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkA := insertTestDraft(t, s, model.MarketStatusResolved)
	mkB := insertTestDraft(t, s, model.MarketStatusResolved)
	past := time.Now().UTC().Add(-time.Minute)

	resA := &model.Resolution{
		ID: uuid.New().String(), MarketID: mkA.ID, Result: "yes",
		Status: model.ResolutionStatusResolved, DisputeWindowEnds: past,
	}
	require.NoError(t, s.InsertResolution(ctx, resA))

	resB := &model.Resolution{
		ID: uuid.New().String(), MarketID: mkB.ID, Result: "no",
		Status: model.ResolutionStatusResolved, DisputeWindowEnds: past,
	}
	require.NoError(t, s.InsertResolution(ctx, resB))
	require.NoError(t, s.InsertDispute(ctx, &model.Dispute{
		ID: uuid.New().String(), ResolutionID: resB.ID,
		SubmitterID: "u1", Reason: "wrong evidence", Status: model.DisputeStatusPending,
	}))

	got, err := s.ListFinalizableResolutions(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, resA.ID, got[0].ID)
}

func TestSQLiteStore_MarkCandidateProcessed_Once(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &model.Candidate{
		ID:        uuid.New().String(),
		Entities:  []string{"X", "Y"},
		EventType: "product_launch",
	}
	require.NoError(t, s.InsertCandidate(ctx, c))

	ok, err := s.MarkCandidateProcessed(ctx, c.ID, "draft-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkCandidateProcessed(ctx, c.ID, "draft-2")
	require.NoError(t, err)
	assert.False(t, ok, "redelivered candidate must not be reprocessed")

	got, err := s.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, "draft-1", got.DraftMarketID)
}

func TestSQLiteStore_RateWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementRateWindow(ctx, "user-1", "propose", "minute", start))
	}
	require.NoError(t, s.IncrementRateWindow(ctx, "user-1", "propose", "minute", start.Add(time.Minute)))
	require.NoError(t, s.IncrementRateWindow(ctx, "user-2", "propose", "minute", start))

	count, oldest, err := s.SumRateWindows(ctx, "user-1", "propose", "minute", start.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.WithinDuration(t, start, oldest, time.Second)

	// Sweep removes only expired rows.
	n, err := s.DeleteRateWindowsBefore(ctx, start.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteStore_Settings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSetting(ctx, "max_retries", "3"))
	require.NoError(t, s.SetSetting(ctx, "max_retries", "5"))
	require.NoError(t, s.SetSetting(ctx, "llm_model", "claude-sonnet-4-5"))

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", got["max_retries"])
	assert.Equal(t, "claude-sonnet-4-5", got["llm_model"])
}

func TestSQLiteStore_AuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"resolution_failed", "force_failed"} {
		require.NoError(t, s.AppendAudit(ctx, &model.AuditEntry{
			ID:         uuid.New().String(),
			EntityType: "draft_market",
			EntityID:   "m1",
			Action:     action,
		}))
	}

	got, err := s.ListAudit(ctx, "draft_market", "m1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "resolution_failed", got[0].Action)
}

func TestSQLiteStore_SetResolutionResult_Guarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := insertTestDraft(t, s, model.MarketStatusResolved)
	res := &model.Resolution{
		ID: uuid.New().String(), MarketID: mk.ID, Result: "yes",
		Reasoning: "initial call", EvidenceHash: "cafe",
		Status: model.ResolutionStatusResolved, DisputeWindowEnds: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.InsertResolution(ctx, res))

	// Guard mismatch: the resolution is not disputed yet.
	ok, err := s.SetResolutionResult(ctx, res.ID, "no", "overturned",
		model.ResolutionStatusDisputed, model.ResolutionStatusResolved)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TransitionResolution(ctx, res.ID,
		model.ResolutionStatusResolved, model.ResolutionStatusDisputed)
	require.NoError(t, err)

	ok, err = s.SetResolutionResult(ctx, res.ID, "no", "overturned",
		model.ResolutionStatusDisputed, model.ResolutionStatusResolved)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetResolution(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "no", got.Result)
	assert.Equal(t, "overturned", got.Reasoning)
	assert.Equal(t, model.ResolutionStatusResolved, got.Status)
}

func TestSQLiteStore_GetResolution_Missing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetResolution(context.Background(), "nope")
	require.Error(t, err)
}
