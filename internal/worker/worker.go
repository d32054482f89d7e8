// Package worker runs one pipeline stage as a queue consumer. The harness
// owns everything a stage handler should not: decoding, pacing, the remote
// pause gate, retry routing for failures, and settings refresh. Handlers
// only see typed messages and return errors.
package worker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/config"
	"github.com/foresight-labs/market-pipeline/internal/model"
)

// Handler processes one decoded message from its stage queue. A returned
// error is routed through the retry controller: transient errors get the
// delay schedule, permanent errors are acked because the handler already
// persisted the terminal state.
type Handler interface {
	Queue() string
	Handle(ctx context.Context, msg any) error
}

// Source is the slice of the broker the consumer needs.
type Source interface {
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	ConsumeBroadcast(consumerTag string) (<-chan amqp.Delivery, error)
}

// StatusReporter is the slice of the heartbeat reporter the consumer
// needs: worker status, counters, and the remote pause flag.
type StatusReporter interface {
	SetStatus(s model.WorkerStatus)
	RecordProcessed()
	RecordFailed(err error)
	Enabled() bool
	WaitEnabled(ctx context.Context) error
}

// Consumer ties one stage handler to its queue.
type Consumer struct {
	source   Source
	handler  Handler
	reporter StatusReporter
	retry    *broker.RetryController
	dynamic  *config.Dynamic
	settings config.SettingsReader

	pace        *rate.Limiter
	defaultMax  int
	consumerTag string
}

// New builds a consumer. processingDelay spaces message handling; zero
// means no pacing.
func New(source Source, handler Handler, reporter StatusReporter, retry *broker.RetryController,
	dynamic *config.Dynamic, settings config.SettingsReader, cfg config.WorkerConfig, maxRetries int) *Consumer {

	pace := rate.NewLimiter(rate.Inf, 1)
	if d := cfg.ProcessingDelay(); d > 0 {
		pace = rate.NewLimiter(rate.Every(d), 1)
	}
	return &Consumer{
		source:      source,
		handler:     handler,
		reporter:    reporter,
		retry:       retry,
		dynamic:     dynamic,
		settings:    settings,
		pace:        pace,
		defaultMax:  maxRetries,
		consumerTag: cfg.InstanceID,
	}
}

// Run consumes the stage queue until the context ends. It blocks; callers
// run it in a goroutine alongside the heartbeat reporter.
func (c *Consumer) Run(ctx context.Context) error {
	queue := c.handler.Queue()
	log := zap.L().With(zap.String("queue", queue))

	c.reporter.SetStatus(model.WorkerStatusStarting)

	deliveries, err := c.source.Consume(queue, c.consumerTag)
	if err != nil {
		c.reporter.SetStatus(model.WorkerStatusError)
		return eris.Wrapf(err, "worker: consume %s", queue)
	}

	broadcasts, err := c.source.ConsumeBroadcast(c.consumerTag)
	if err != nil {
		c.reporter.SetStatus(model.WorkerStatusError)
		return eris.Wrapf(err, "worker: consume broadcasts")
	}
	go c.watchSettings(ctx, broadcasts, log)

	c.reporter.SetStatus(model.WorkerStatusIdle)
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			c.retry.Wait()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.reporter.SetStatus(model.WorkerStatusError)
				return eris.Errorf("worker: delivery channel for %s closed", queue)
			}
			if err := c.process(ctx, queue, d, log); err != nil {
				return err
			}
		}
	}
}

// process handles one delivery end to end. The only returned errors are
// context cancellation; handler failures go through the retry controller.
func (c *Consumer) process(ctx context.Context, queue string, d amqp.Delivery, log *zap.Logger) error {
	// A remotely paused worker parks the message back on the queue and
	// blocks until re-enabled, so nothing is consumed while disabled.
	if !c.reporter.Enabled() {
		if err := d.Nack(false, true); err != nil {
			log.Warn("requeue while paused", zap.Error(err))
		}
		log.Info("worker paused, waiting for enable")
		if err := c.reporter.WaitEnabled(ctx); err != nil {
			return nil
		}
		log.Info("worker resumed")
		return nil
	}

	if err := c.pace.Wait(ctx); err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Warn("requeue on shutdown", zap.Error(nackErr))
		}
		return nil
	}

	msg, err := broker.Decode(queue, d.Body)
	if err != nil {
		// Malformed payloads never succeed on retry; dead-letter for
		// inspection.
		log.Warn("malformed message, dead-lettering", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Warn("nack malformed message", zap.Error(nackErr))
		}
		return nil
	}

	c.reporter.SetStatus(model.WorkerStatusRunning)
	handleErr := c.handler.Handle(ctx, msg)

	if handleErr != nil {
		// Surface the failure on the next heartbeat before the retry
		// path decides the delivery's fate.
		c.reporter.SetStatus(model.WorkerStatusError)
		c.reporter.RecordFailed(handleErr)
		c.retry.HandleFailure(ctx, queue, d, d.Headers, d.Body, handleErr)
		c.reporter.SetStatus(model.WorkerStatusIdle)
		return nil
	}

	c.reporter.SetStatus(model.WorkerStatusIdle)
	c.reporter.RecordProcessed()
	if err := d.Ack(false); err != nil {
		log.Warn("ack processed message", zap.Error(err))
	}
	return nil
}

// watchSettings re-reads runtime settings on every refresh broadcast and
// applies the ones the harness owns.
func (c *Consumer) watchSettings(ctx context.Context, broadcasts <-chan amqp.Delivery, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-broadcasts:
			if !ok {
				return
			}
			if err := c.dynamic.Reload(ctx, c.settings); err != nil {
				log.Warn("settings refresh failed", zap.Error(err))
				continue
			}
			c.retry.SetMaxRetries(c.dynamic.MaxRetries(c.defaultMax))
			if d := c.dynamic.ProcessingDelay(0); d > 0 {
				c.pace.SetLimit(rate.Every(d))
			} else {
				c.pace.SetLimit(rate.Inf)
			}
			log.Info("settings refreshed",
				zap.Int("max_retries", c.dynamic.MaxRetries(c.defaultMax)),
			)
		}
	}
}
