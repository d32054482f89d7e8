package stage

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

// Extractor consumes news.raw and turns articles into market candidates.
// Articles with no predictable event are marked skipped.
type Extractor struct {
	store store.Store
	judge judge.Client
	pub   QueuePublisher
}

// NewExtractor builds the extractor stage.
func NewExtractor(st store.Store, j judge.Client, pub QueuePublisher) *Extractor {
	return &Extractor{store: st, judge: j, pub: pub}
}

// Queue names the stage's input queue.
func (e *Extractor) Queue() string { return broker.QueueNewsRaw }

// Handle extracts candidates from one news item.
func (e *Extractor) Handle(ctx context.Context, msg any) error {
	m, ok := msg.(*broker.NewsRawMessage)
	if !ok {
		return eris.Errorf("extractor: unexpected message type %T", msg)
	}

	news, err := e.store.GetNews(ctx, m.NewsID)
	if err != nil {
		return eris.Wrapf(err, "extractor: load news %s", m.NewsID)
	}
	if news.Status != model.NewsStatusIngested {
		// Redelivery after a completed run.
		return nil
	}

	extractions, err := e.judge.ExtractCandidates(ctx, judge.Article{
		Title:   news.Title,
		Source:  news.Source,
		URL:     news.URL,
		Content: news.Content,
	})
	if err != nil {
		return eris.Wrapf(err, "extractor: judge news %s", m.NewsID)
	}

	if len(extractions) == 0 {
		if _, err := e.store.TransitionNews(ctx, news.ID, model.NewsStatusIngested, model.NewsStatusSkipped); err != nil {
			return eris.Wrapf(err, "extractor: skip news %s", news.ID)
		}
		audit(ctx, e.store, "news", news.ID, "skipped", "no predictable events found")
		return nil
	}

	for _, ex := range extractions {
		cand := &model.Candidate{
			ID:           candidateID(news.ID, ex),
			NewsID:       news.ID,
			Entities:     ex.Entities,
			EventType:    ex.EventType,
			CategoryHint: ex.CategoryHint,
			RelevantText: ex.RelevantText,
		}
		if err := e.store.InsertCandidate(ctx, cand); err != nil {
			return eris.Wrapf(err, "extractor: insert candidate for news %s", news.ID)
		}
		if err := e.pub.Publish(ctx, broker.QueueCandidates, broker.CandidateMessage{
			CandidateID:  cand.ID,
			NewsID:       news.ID,
			Entities:     cand.Entities,
			EventType:    cand.EventType,
			CategoryHint: cand.CategoryHint,
			RelevantText: cand.RelevantText,
		}); err != nil {
			return eris.Wrapf(err, "extractor: announce candidate %s", cand.ID)
		}
	}

	moved, err := e.store.TransitionNews(ctx, news.ID, model.NewsStatusIngested, model.NewsStatusExtracted)
	if err != nil {
		return eris.Wrapf(err, "extractor: finish news %s", news.ID)
	}
	if moved {
		zap.L().Info("news extracted",
			zap.String("news_id", news.ID),
			zap.Int("candidates", len(extractions)),
		)
	}
	return nil
}

// candidateID derives a stable ID from the news item and the extracted
// event, so a redelivered news.raw message maps onto the same candidate
// rows instead of inserting duplicates.
func candidateID(newsID string, ex judge.CandidateExtraction) string {
	return uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte(newsID+"\x00"+ex.EventType+"\x00"+ex.RelevantText)).String()
}
