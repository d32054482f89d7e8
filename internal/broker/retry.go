package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/resilience"
)

// Clock abstracts time for the retry controller so tests can advance a
// virtual clock instead of sleeping through the delay schedule.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Republisher re-publishes a failed message body with a bumped retry count.
type Republisher interface {
	Republish(ctx context.Context, queue string, body []byte, retryCount int) error
}

// Acker is the slice of an AMQP delivery the controller needs.
type Acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// RetryController decides the fate of a failed delivery: delayed republish
// while retries remain, dead-letter once they are exhausted, straight ack
// for permanent business failures whose terminal state is already persisted.
type RetryController struct {
	pub      Republisher
	clock    Clock
	schedule []time.Duration

	mu         sync.RWMutex
	maxRetries int

	wg sync.WaitGroup
}

// DefaultRetrySchedule is the delay before each re-publish.
var DefaultRetrySchedule = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// republishFlushTimeout bounds the republish of an acked message once its
// delay has elapsed or shutdown cut it short.
const republishFlushTimeout = 5 * time.Second

// NewRetryController builds a controller with the given republisher and
// max retry count. A nil clock means the wall clock.
func NewRetryController(pub Republisher, maxRetries int, clock Clock) *RetryController {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if clock == nil {
		clock = RealClock()
	}
	return &RetryController{
		pub:        pub,
		clock:      clock,
		schedule:   DefaultRetrySchedule,
		maxRetries: maxRetries,
	}
}

// SetMaxRetries applies a refreshed max_retries setting. In-flight delayed
// republishes keep the count they were scheduled with.
func (rc *RetryController) SetMaxRetries(n int) {
	if n <= 0 {
		return
	}
	rc.mu.Lock()
	rc.maxRetries = n
	rc.mu.Unlock()
}

// HandleFailure inspects the failed delivery's retry count and either
// schedules a delayed republish (acking the original to avoid a tight
// redelivery loop) or rejects without requeue so the broker dead-letters
// it. Permanent errors ack immediately: the handler already recorded the
// terminal entity state and an audit row.
func (rc *RetryController) HandleFailure(ctx context.Context, queue string, d Acker, headers map[string]any, body []byte, handlerErr error) {
	log := zap.L().With(zap.String("queue", queue))

	if resilience.IsPermanent(handlerErr) {
		log.Info("permanent failure, not retrying", zap.Error(handlerErr))
		if err := d.Ack(false); err != nil {
			log.Warn("ack after permanent failure", zap.Error(err))
		}
		return
	}

	retries := RetryCount(headers)
	rc.mu.RLock()
	maxRetries := rc.maxRetries
	rc.mu.RUnlock()

	if retries >= maxRetries {
		log.Warn("retries exhausted, dead-lettering",
			zap.Int("retries", retries),
			zap.Error(handlerErr),
		)
		if err := d.Nack(false, false); err != nil {
			log.Warn("nack to DLQ", zap.Error(err))
		}
		return
	}

	delay := rc.delayFor(retries)
	log.Info("scheduling delayed retry",
		zap.Int("attempt", retries+1),
		zap.Duration("delay", delay),
		zap.Error(handlerErr),
	)

	// Ack now; the redelivery is our own republish after the delay. A crash
	// in the window loses one retry, which at-least-once tolerates better
	// than a tight redelivery loop.
	if err := d.Ack(false); err != nil {
		log.Warn("ack before delayed retry", zap.Error(err))
		return
	}

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		select {
		case <-ctx.Done():
			// The original is already acked, so this goroutine holds the
			// only copy. Flush it immediately instead of dropping it.
		case <-rc.clock.After(delay):
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), republishFlushTimeout)
		defer cancel()
		if err := rc.pub.Republish(pubCtx, queue, body, retries+1); err != nil {
			log.Error("delayed republish failed", zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled republish has been flushed.
func (rc *RetryController) Wait() {
	rc.wg.Wait()
}

func (rc *RetryController) delayFor(attempt int) time.Duration {
	if attempt >= len(rc.schedule) {
		attempt = len(rc.schedule) - 1
	}
	return rc.schedule[attempt]
}
