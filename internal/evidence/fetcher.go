// Package evidence fetches resolution evidence from a market's listed
// sources. Every source attempt is recorded for the audit trail, and the
// aggregated successful content is hashed so a resolution can be checked
// against exactly what the resolver saw.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/resilience"
)

const maxBodyBytes = 1 << 20 // 1 MiB per source

// Bundle is the outcome of fetching all of a market's evidence sources.
type Bundle struct {
	// Content is the concatenated text of all successful fetches, in
	// source order.
	Content string
	// Hash covers Content; identical evidence always hashes identically.
	Hash string
	// Fetches records every source attempt, failed ones included.
	Fetches []model.EvidenceFetch
}

// Succeeded reports how many sources were fetched successfully.
func (b *Bundle) Succeeded() int {
	n := 0
	for _, f := range b.Fetches {
		if f.Succeeded {
			n++
		}
	}
	return n
}

// Fetcher retrieves evidence with bounded timeouts and per-source retries.
type Fetcher struct {
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

// NewFetcher builds a fetcher. timeout bounds each individual request;
// maxAttempts is the per-source attempt ceiling.
func NewFetcher(timeout time.Duration, maxAttempts int) *Fetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Fetcher{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		backoff:     time.Second,
		now:         time.Now,
	}
}

// FetchAll fetches every source and returns the bundle. A source that
// fails all attempts is recorded as failed, not returned as an error;
// callers decide what an all-failed bundle means for the market.
func (f *Fetcher) FetchAll(ctx context.Context, sources []string) (*Bundle, error) {
	if len(sources) == 0 {
		return nil, eris.New("evidence: no sources to fetch")
	}

	// Deterministic fetch order keeps the bundle hash stable.
	ordered := append([]string(nil), sources...)
	sort.Strings(ordered)

	bundle := &Bundle{}
	var parts []string

	for _, src := range ordered {
		fetch := f.fetchOne(ctx, src)
		bundle.Fetches = append(bundle.Fetches, fetch.record)
		if fetch.record.Succeeded {
			parts = append(parts, "## "+src+"\n"+fetch.content)
		}
	}

	bundle.Content = strings.Join(parts, "\n\n")
	bundle.Hash = hash(bundle.Content)
	return bundle, nil
}

type fetchResult struct {
	record  model.EvidenceFetch
	content string
}

func (f *Fetcher) fetchOne(ctx context.Context, source string) fetchResult {
	attempts := 0
	cfg := resilience.RetryConfig{
		MaxAttempts:    f.maxAttempts,
		InitialBackoff: f.backoff,
		OnRetry:        resilience.RetryLogger("evidence", "fetch"),
	}

	content, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		attempts++
		return f.get(ctx, source)
	})

	record := model.EvidenceFetch{
		Source:    source,
		Attempts:  attempts,
		FetchedAt: f.now().UTC(),
	}
	if err != nil {
		record.Error = err.Error()
		zap.L().Warn("evidence source failed",
			zap.String("source", source),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fetchResult{record: record}
	}

	record.Succeeded = true
	record.ContentHash = hash(content)
	return fetchResult{record: record, content: content}
}

func (f *Fetcher) get(ctx context.Context, source string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", resilience.NewPermanentError(eris.Wrap(err, "evidence: build request"))
	}
	req.Header.Set("User-Agent", "market-pipeline/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "evidence: request"), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("evidence: %s returned %s", source, resp.Status)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", resilience.NewPermanentError(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "evidence: read body"), 0)
	}
	return string(body), nil
}

func hash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
