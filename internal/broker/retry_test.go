package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foresight-labs/market-pipeline/internal/resilience"
)

type fakeClock struct {
	mu      sync.Mutex
	waiters []chan time.Time
	delays  []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, ch)
	c.delays = append(c.delays, d)
	return ch
}

// fire releases every pending timer.
func (c *fakeClock) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters {
		ch <- time.Unix(1, 0)
	}
	c.waiters = nil
}

func (c *fakeClock) requestedDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type fakeRepublisher struct {
	mu    sync.Mutex
	calls []republishCall
}

type republishCall struct {
	queue      string
	body       string
	retryCount int
}

func (f *fakeRepublisher) Republish(_ context.Context, queue string, body []byte, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, republishCall{queue, string(body), retryCount})
	return nil
}

type fakeAcker struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAcker) Nack(_, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

func TestRetryController_DelaySchedule(t *testing.T) {
	clock := &fakeClock{}
	pub := &fakeRepublisher{}
	rc := NewRetryController(pub, 3, clock)
	ctx := context.Background()
	handlerErr := errors.New("boom")

	want := []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		d := &fakeAcker{}
		rc.HandleFailure(ctx, QueueCandidates, d, map[string]any{"x-retry-count": int32(attempt)}, []byte(`{"candidate_id":"c1"}`), handlerErr)
		if !d.acked {
			t.Fatalf("attempt %d: original delivery must be acked", attempt)
		}
		if d.nacked {
			t.Fatalf("attempt %d: must not nack while retries remain", attempt)
		}
	}

	clock.fire()
	rc.Wait()

	got := clock.requestedDelays()
	if len(got) != 3 {
		t.Fatalf("expected 3 scheduled delays, got %d", len(got))
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("delay %d: expected %v, got %v", i, w, got[i])
		}
	}

	if len(pub.calls) != 3 {
		t.Fatalf("expected 3 republishes, got %d", len(pub.calls))
	}
	for i, call := range pub.calls {
		if call.queue != QueueCandidates {
			t.Errorf("republish %d: wrong queue %s", i, call.queue)
		}
		if call.retryCount != i+1 {
			t.Errorf("republish %d: expected retry count %d, got %d", i, i+1, call.retryCount)
		}
	}
}

func TestRetryController_ExhaustedGoesToDLQ(t *testing.T) {
	clock := &fakeClock{}
	pub := &fakeRepublisher{}
	rc := NewRetryController(pub, 3, clock)
	d := &fakeAcker{}

	rc.HandleFailure(context.Background(), QueueNewsRaw, d, map[string]any{"x-retry-count": int32(3)}, []byte(`{}`), errors.New("still failing"))

	if !d.nacked {
		t.Fatal("exhausted delivery must be nacked")
	}
	if d.requeue {
		t.Error("nack must not requeue; broker dead-letters it")
	}
	if d.acked {
		t.Error("must not ack an exhausted delivery")
	}
	if len(pub.calls) != 0 {
		t.Errorf("no republish expected, got %d", len(pub.calls))
	}
}

func TestRetryController_PermanentErrorAcks(t *testing.T) {
	clock := &fakeClock{}
	pub := &fakeRepublisher{}
	rc := NewRetryController(pub, 3, clock)
	d := &fakeAcker{}

	err := resilience.NewPermanentError(errors.New("duplicate proposal"))
	rc.HandleFailure(context.Background(), QueueCandidates, d, map[string]any{}, []byte(`{}`), err)

	if !d.acked {
		t.Fatal("permanent failure must ack")
	}
	if d.nacked {
		t.Error("permanent failure must not dead-letter")
	}
	if len(pub.calls) != 0 {
		t.Errorf("no republish expected, got %d", len(pub.calls))
	}
}

func TestRetryController_ShutdownFlushesPendingRepublish(t *testing.T) {
	clock := &fakeClock{}
	pub := &fakeRepublisher{}
	rc := NewRetryController(pub, 3, clock)
	d := &fakeAcker{}

	// The delivery is acked before the delay starts, so a shutdown during
	// the delay holds the only remaining copy of the message. It must be
	// flushed back onto the queue, not dropped.
	ctx, cancel := context.WithCancel(context.Background())
	rc.HandleFailure(ctx, QueueNewsRaw, d, map[string]any{}, []byte(`{"news_id":"n1"}`), errors.New("boom"))
	if !d.acked {
		t.Fatal("original delivery must be acked")
	}
	cancel()
	rc.Wait()

	if len(pub.calls) != 1 {
		t.Fatalf("expected the pending retry to flush on shutdown, got %d republishes", len(pub.calls))
	}
	if pub.calls[0].retryCount != 1 {
		t.Errorf("expected retry count 1, got %d", pub.calls[0].retryCount)
	}
	if pub.calls[0].body != `{"news_id":"n1"}` {
		t.Errorf("republished body changed: %s", pub.calls[0].body)
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]any
		want    int
	}{
		{"missing", map[string]any{}, 0},
		{"int32", map[string]any{"x-retry-count": int32(2)}, 2},
		{"int64", map[string]any{"x-retry-count": int64(4)}, 4},
		{"int", map[string]any{"x-retry-count": 1}, 1},
		{"float64", map[string]any{"x-retry-count": float64(3)}, 3},
		{"garbage", map[string]any{"x-retry-count": "two"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryCount(tt.headers); got != tt.want {
				t.Errorf("RetryCount(%v) = %d, want %d", tt.headers, got, tt.want)
			}
		})
	}
}

func TestQueueArgs(t *testing.T) {
	for _, q := range StageQueues {
		args := queueArgs(q)
		if args["x-dead-letter-exchange"] != DeadLetterExchange {
			t.Errorf("%s: missing dead-letter exchange", q)
		}
		if args["x-dead-letter-routing-key"] != q+".dlq" {
			t.Errorf("%s: wrong dead-letter routing key %v", q, args["x-dead-letter-routing-key"])
		}
		sac, ok := args["x-single-active-consumer"]
		if q == QueueMarketsPublish {
			if !ok || sac != true {
				t.Errorf("markets.publish must declare a single active consumer")
			}
		} else if ok {
			t.Errorf("%s: unexpected single-active-consumer arg", q)
		}
	}
}
