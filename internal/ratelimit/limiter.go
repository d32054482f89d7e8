// Package ratelimit implements windowed admission control backed by
// append/increment-only counter rows. It throttles proposal submission and
// AI-driven auto-publication, and doubles as upstream backpressure: the
// crawler consults the auto_publish windows before each polling cycle.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/store"
)

// Endpoint names for the windows this pipeline throttles.
const (
	EndpointPropose     = "propose"
	EndpointAutoPublish = "auto_publish"
)

// Window pairs an independent limit with its duration.
type Window struct {
	Type     string // "minute", "hour", "day"
	Limit    int
	Duration time.Duration
}

// Result reports a Check decision. When not allowed, Window and Limit name
// the exhausted window and RetryAfter says when the oldest contributing row
// expires.
type Result struct {
	Allowed    bool
	Window     string
	Limit      int
	RetryAfter time.Duration
}

// Limiter sums counter rows per (identifier, endpoint, window type) and
// rejects once any window meets its limit. Increment writes one row per
// window type; rows expire by the scheduler's sweep, not by this package.
type Limiter struct {
	store store.Store
	now   func() time.Time

	mu      sync.RWMutex
	windows map[string][]Window
}

// New creates a Limiter with default windows for the known endpoints.
func New(st store.Store) *Limiter {
	return &Limiter{
		store: st,
		now:   time.Now,
		windows: map[string][]Window{
			EndpointPropose: {
				{Type: "minute", Limit: 5, Duration: time.Minute},
				{Type: "hour", Limit: 30, Duration: time.Hour},
				{Type: "day", Limit: 100, Duration: 24 * time.Hour},
			},
			EndpointAutoPublish: {
				{Type: "hour", Limit: 10, Duration: time.Hour},
				{Type: "day", Limit: 50, Duration: 24 * time.Hour},
			},
		},
	}
}

// Check sums the rows for every window of the endpoint; the first exhausted
// window fails the check with a positive retry_after.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string) (*Result, error) {
	l.mu.RLock()
	windows := l.windows[endpoint]
	l.mu.RUnlock()
	if len(windows) == 0 {
		return &Result{Allowed: true}, nil
	}

	now := l.now().UTC()
	for _, w := range windows {
		count, oldest, err := l.store.SumRateWindows(ctx, identifier, endpoint, w.Type, now.Add(-w.Duration))
		if err != nil {
			return nil, eris.Wrapf(err, "ratelimit: check %s/%s", endpoint, w.Type)
		}
		if count >= w.Limit {
			retryAfter := time.Second
			if !oldest.IsZero() {
				if until := oldest.Add(w.Duration).Sub(now); until > retryAfter {
					retryAfter = until
				}
			}
			return &Result{
				Allowed:    false,
				Window:     w.Type,
				Limit:      w.Limit,
				RetryAfter: retryAfter,
			}, nil
		}
	}
	return &Result{Allowed: true}, nil
}

// Increment records one successful action: one upserted row per window type,
// keyed by the window-truncated start time.
func (l *Limiter) Increment(ctx context.Context, identifier, endpoint string) error {
	l.mu.RLock()
	windows := l.windows[endpoint]
	l.mu.RUnlock()

	now := l.now().UTC()
	for _, w := range windows {
		start := truncate(now, w.Type)
		if err := l.store.IncrementRateWindow(ctx, identifier, endpoint, w.Type, start); err != nil {
			return eris.Wrapf(err, "ratelimit: increment %s/%s", endpoint, w.Type)
		}
	}
	return nil
}

// ApplySettings refreshes limits from dynamic settings keys of the form
// rate_limits.<endpoint>.<window_type>. Unknown keys are ignored; a zero or
// negative value disables nothing and is skipped.
func (l *Limiter) ApplySettings(settings map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, raw := range settings {
		if !strings.HasPrefix(key, "rate_limits.") {
			continue
		}
		parts := strings.Split(key, ".")
		if len(parts) != 3 {
			continue
		}
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			zap.L().Warn("ratelimit: ignoring bad setting", zap.String("key", key), zap.String("value", raw))
			continue
		}
		endpoint, windowType := parts[1], parts[2]
		ws := l.windows[endpoint]
		found := false
		for i := range ws {
			if ws[i].Type == windowType {
				ws[i].Limit = limit
				found = true
				break
			}
		}
		if !found {
			d, ok := windowDuration(windowType)
			if !ok {
				continue
			}
			l.windows[endpoint] = append(ws, Window{Type: windowType, Limit: limit, Duration: d})
		}
	}
}

func truncate(t time.Time, windowType string) time.Time {
	switch windowType {
	case "minute":
		return t.Truncate(time.Minute)
	case "hour":
		return t.Truncate(time.Hour)
	case "day":
		return t.Truncate(24 * time.Hour)
	}
	return t.Truncate(time.Minute)
}

func windowDuration(windowType string) (time.Duration, bool) {
	switch windowType {
	case "minute":
		return time.Minute, true
	case "hour":
		return time.Hour, true
	case "day":
		return 24 * time.Hour, true
	}
	return 0, false
}

// ErrLimited formats a rejected check for API responses.
func ErrLimited(r *Result) error {
	return eris.New(fmt.Sprintf("rate limited: %s window limit %d reached, retry after %s", r.Window, r.Limit, r.RetryAfter))
}
