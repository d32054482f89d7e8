package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

func newsMsg(id string) *broker.NewsRawMessage {
	return &broker.NewsRawMessage{NewsID: id, Source: "newswire", Title: "t"}
}

func TestExtractorProducesCandidates(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{extractions: []judge.CandidateExtraction{
		{Entities: []string{"Central Bank"}, EventType: "rate_decision", CategoryHint: "economics", RelevantText: "rates next month"},
		{Entities: []string{"Treasury"}, EventType: "bond_auction", CategoryHint: "economics", RelevantText: "auction on friday"},
	}}
	news := seedNews(t, st, model.NewsStatusIngested)

	e := NewExtractor(st, j, pub)
	require.NoError(t, e.Handle(context.Background(), newsMsg(news.ID)))

	msgs := pub.byQueue(broker.QueueCandidates)
	require.Len(t, msgs, 2)
	cm := msgs[0].(broker.CandidateMessage)
	assert.Equal(t, news.ID, cm.NewsID)
	assert.Equal(t, "rate_decision", cm.EventType)

	stored, err := st.GetCandidate(context.Background(), cm.CandidateID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)

	after, err := st.GetNews(context.Background(), news.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NewsStatusExtracted, after.Status)
}

func TestExtractorSkipsUnpredictableArticle(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{}
	news := seedNews(t, st, model.NewsStatusIngested)

	e := NewExtractor(st, j, pub)
	require.NoError(t, e.Handle(context.Background(), newsMsg(news.ID)))

	assert.Empty(t, pub.byQueue(broker.QueueCandidates))
	after, err := st.GetNews(context.Background(), news.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NewsStatusSkipped, after.Status)

	entries, err := st.ListAudit(context.Background(), "news", news.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "skipped", entries[0].Action)
}

func TestExtractorIgnoresRedelivery(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{extractions: []judge.CandidateExtraction{{EventType: "x", RelevantText: "y"}}}
	news := seedNews(t, st, model.NewsStatusExtracted)

	e := NewExtractor(st, j, pub)
	require.NoError(t, e.Handle(context.Background(), newsMsg(news.ID)))

	// Already past ingested: no second batch of candidates.
	assert.Empty(t, pub.byQueue(broker.QueueCandidates))
}

func TestExtractorJudgeFailurePropagates(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{}
	j := &fakeJudge{extractErr: assert.AnError}
	news := seedNews(t, st, model.NewsStatusIngested)

	e := NewExtractor(st, j, pub)
	require.Error(t, e.Handle(context.Background(), newsMsg(news.ID)))

	// Still ingested: the retry controller redelivers and the next attempt
	// starts from the same gate.
	after, err := st.GetNews(context.Background(), news.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NewsStatusIngested, after.Status)
}

func TestExtractorRejectsWrongMessageType(t *testing.T) {
	e := NewExtractor(newStageStore(t), &fakeJudge{}, &fakePub{})
	require.Error(t, e.Handle(context.Background(), &broker.CandidateMessage{}))
}

func TestExtractorRedeliveryAfterPartialPublish(t *testing.T) {
	st := newStageStore(t)
	pub := &fakePub{failAt: 2}
	j := &fakeJudge{extractions: []judge.CandidateExtraction{
		{Entities: []string{"X"}, EventType: "launch", RelevantText: "X launches Y"},
		{Entities: []string{"Y"}, EventType: "ship", RelevantText: "Y ships"},
	}}
	news := seedNews(t, st, model.NewsStatusIngested)

	e := NewExtractor(st, j, pub)
	require.Error(t, e.Handle(context.Background(), newsMsg(news.ID)))

	// The second announcement was lost mid-loop, so the news item is
	// still ingested and the delivery comes back around.
	after, err := st.GetNews(context.Background(), news.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NewsStatusIngested, after.Status)

	require.NoError(t, e.Handle(context.Background(), newsMsg(news.ID)))

	// Both logical events map onto the same candidate rows: the rerun may
	// re-announce, but never under a second identity.
	ids := map[string]int{}
	for _, m := range pub.byQueue(broker.QueueCandidates) {
		ids[m.(broker.CandidateMessage).CandidateID]++
	}
	assert.Len(t, ids, 2)

	after, err = st.GetNews(context.Background(), news.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NewsStatusExtracted, after.Status)
}

func TestExtractorCandidateIDsAreStable(t *testing.T) {
	ex := judge.CandidateExtraction{EventType: "launch", RelevantText: "X launches Y"}
	assert.Equal(t, candidateID("n1", ex), candidateID("n1", ex))
	assert.NotEqual(t, candidateID("n1", ex), candidateID("n2", ex))
}
