package stage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/feeds"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/ratelimit"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/internal/worker"
)

// ListingFetcher pulls one source's listing page.
type ListingFetcher interface {
	Fetch(ctx context.Context, src feeds.Source) ([]model.NewsItem, error)
}

// Crawler polls the configured sources on an interval, dedups articles by
// content hash, and announces new ones on news.raw. It is the only stage
// that is a poller rather than a queue consumer; the pause flag gates
// whole polling rounds instead of individual deliveries.
type Crawler struct {
	store    store.Store
	fetcher  ListingFetcher
	pub      QueuePublisher
	reporter worker.StatusReporter
	limiter  *ratelimit.Limiter
	sources  []feeds.Source
	interval time.Duration
}

// NewCrawler builds a crawler over the given source registry.
func NewCrawler(st store.Store, fetcher ListingFetcher, pub QueuePublisher,
	reporter worker.StatusReporter, limiter *ratelimit.Limiter,
	sources []feeds.Source, interval time.Duration) *Crawler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Crawler{
		store:    st,
		fetcher:  fetcher,
		pub:      pub,
		reporter: reporter,
		limiter:  limiter,
		sources:  sources,
		interval: interval,
	}
}

// Run polls until the context ends. The first round runs immediately.
func (c *Crawler) Run(ctx context.Context) error {
	c.reporter.SetStatus(model.WorkerStatusStarting)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Crawler) poll(ctx context.Context) {
	if !c.reporter.Enabled() {
		c.reporter.SetStatus(model.WorkerStatusIdle)
		zap.L().Info("crawler paused, skipping round")
		return
	}

	// Backpressure: when the downstream publish window is already
	// saturated, new ingestion only piles up work nothing can consume.
	admitted, err := c.limiter.Check(ctx, autoPublishIdentifier, ratelimit.EndpointAutoPublish)
	if err != nil {
		c.reporter.RecordFailed(err)
		zap.L().Warn("publish window check failed", zap.Error(err))
		return
	}
	if !admitted.Allowed {
		c.reporter.SetStatus(model.WorkerStatusIdle)
		zap.L().Info("publish window saturated, skipping round",
			zap.String("window", admitted.Window),
			zap.Duration("retry_after", admitted.RetryAfter),
		)
		return
	}

	c.reporter.SetStatus(model.WorkerStatusRunning)
	defer c.reporter.SetStatus(model.WorkerStatusIdle)

	for _, src := range c.sources {
		if ctx.Err() != nil {
			return
		}
		if err := c.pollSource(ctx, src); err != nil {
			c.reporter.RecordFailed(err)
			zap.L().Warn("source poll failed",
				zap.String("source", src.Name),
				zap.Error(err),
			)
		}
	}
}

func (c *Crawler) pollSource(ctx context.Context, src feeds.Source) error {
	items, err := c.fetcher.Fetch(ctx, src)
	if err != nil {
		return err
	}

	ingested := 0
	for i := range items {
		item := &items[i]
		item.ID = uuid.NewString()
		item.Status = model.NewsStatusIngested

		inserted, err := c.store.InsertNews(ctx, item)
		if err != nil {
			c.reporter.RecordFailed(err)
			continue
		}
		if !inserted {
			// Hash collision: already ingested on an earlier round.
			continue
		}

		msg := broker.NewsRawMessage{
			NewsID:      item.ID,
			Source:      item.Source,
			URL:         item.URL,
			Title:       item.Title,
			Content:     item.Content,
			PublishedAt: item.PublishedAt,
		}
		if err := c.pub.Publish(ctx, broker.QueueNewsRaw, msg); err != nil {
			// The row exists but the announcement is lost; the item stays
			// ingested and the audit entry flags it for requeue.
			c.reporter.RecordFailed(err)
			audit(ctx, c.store, "news", item.ID, "announce_failed", err.Error())
			continue
		}

		c.reporter.RecordProcessed()
		ingested++
	}

	if ingested > 0 {
		zap.L().Info("source polled",
			zap.String("source", src.Name),
			zap.Int("new_items", ingested),
			zap.Int("listed", len(items)),
		)
	}
	return nil
}
