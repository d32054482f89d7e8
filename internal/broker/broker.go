// Package broker owns the message topology: one durable queue per pipeline
// stage bound to a topic exchange, each paired with a dead-letter queue, plus
// a best-effort config.refresh broadcast. Consumers use manual ack with
// prefetch 1.
package broker

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	// Exchange is the durable topic exchange all stage queues bind to.
	Exchange = "markets.pipeline"
	// DeadLetterExchange receives messages that exhausted their retries.
	DeadLetterExchange = "markets.pipeline.dlx"

	QueueNewsRaw        = "news.raw"
	QueueCandidates     = "candidates"
	QueueDraftsValidate = "drafts.validate"
	QueueMarketsPublish = "markets.publish"
	QueueMarketsResolve = "markets.resolve"
	QueueDisputes       = "disputes"
	QueueConfigRefresh  = "config.refresh"

	retryCountHeader = "x-retry-count"
)

// StageQueues lists the durable queues, each of which gets a <queue>.dlq.
var StageQueues = []string{
	QueueNewsRaw,
	QueueCandidates,
	QueueDraftsValidate,
	QueueMarketsPublish,
	QueueMarketsResolve,
	QueueDisputes,
}

// Broker wraps an AMQP connection and channel.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker and opens a channel. A dial failure is fatal at
// startup; the process exits and the supervisor restarts it.
func Connect(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, eris.Wrap(err, "broker: dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "broker: open channel")
	}
	return &Broker{conn: conn, ch: ch}, nil
}

// DeclareTopology declares the exchange, every stage queue with its DLQ, and
// the non-durable config.refresh broadcast exchange binding. Safe to call
// from every process; declarations are idempotent.
func (b *Broker) DeclareTopology() error {
	if err := b.ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "broker: declare exchange")
	}
	if err := b.ch.ExchangeDeclare(DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "broker: declare dead-letter exchange")
	}

	for _, q := range StageQueues {
		dlq := q + ".dlq"
		_, err := b.ch.QueueDeclare(q, true, false, false, false, queueArgs(q))
		if err != nil {
			return eris.Wrapf(err, "broker: declare queue %s", q)
		}
		if err := b.ch.QueueBind(q, q, Exchange, false, nil); err != nil {
			return eris.Wrapf(err, "broker: bind queue %s", q)
		}

		if _, err := b.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return eris.Wrapf(err, "broker: declare DLQ %s", dlq)
		}
		if err := b.ch.QueueBind(dlq, dlq, DeadLetterExchange, false, nil); err != nil {
			return eris.Wrapf(err, "broker: bind DLQ %s", dlq)
		}
	}

	return nil
}

// queueArgs builds the declaration arguments for a stage queue. Publishing
// on-chain must not race across processes, so markets.publish gets a single
// active consumer and the broker fails over on disconnect.
func queueArgs(q string) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": q + ".dlq",
	}
	if q == QueueMarketsPublish {
		args["x-single-active-consumer"] = true
	}
	return args
}

// Publish sends a persistent JSON message to a stage queue's routing key
// with retry count 0.
func (b *Broker) Publish(ctx context.Context, queue string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrapf(err, "broker: marshal message for %s", queue)
	}
	return b.publish(ctx, queue, body, 0, true)
}

// Republish re-sends a failed message's raw body with an incremented retry
// count. Used by the retry controller only.
func (b *Broker) Republish(ctx context.Context, queue string, body []byte, retryCount int) error {
	return b.publish(ctx, queue, body, retryCount, true)
}

// Broadcast sends a best-effort non-persistent message on the
// config.refresh routing key.
func (b *Broker) Broadcast(ctx context.Context) error {
	return b.publish(ctx, QueueConfigRefresh, []byte(`{}`), 0, false)
}

func (b *Broker) publish(ctx context.Context, key string, body []byte, retryCount int, persistent bool) error {
	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	err := b.ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{retryCountHeader: int32(retryCount)},
		Body:         body,
	})
	if err != nil {
		return eris.Wrapf(err, "broker: publish %s", key)
	}
	return nil
}

// Consume opens a manual-ack delivery stream on a stage queue with
// prefetch 1, so one in-flight message per consumer connection.
func (b *Broker) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	if err := b.ch.Qos(1, 0, false); err != nil {
		return nil, eris.Wrap(err, "broker: set qos")
	}
	deliveries, err := b.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "broker: consume %s", queue)
	}
	return deliveries, nil
}

// ConsumeBroadcast binds a private auto-delete queue to config.refresh and
// returns its auto-ack delivery stream. Lost broadcasts are acceptable;
// consumers re-read settings from the store on each signal.
func (b *Broker) ConsumeBroadcast(consumerTag string) (<-chan amqp.Delivery, error) {
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, eris.Wrap(err, "broker: declare broadcast queue")
	}
	if err := b.ch.QueueBind(q.Name, QueueConfigRefresh, Exchange, false, nil); err != nil {
		return nil, eris.Wrap(err, "broker: bind broadcast queue")
	}
	deliveries, err := b.ch.Consume(q.Name, consumerTag, true, true, false, false, nil)
	if err != nil {
		return nil, eris.Wrap(err, "broker: consume broadcast")
	}
	return deliveries, nil
}

// Close shuts down the channel and connection.
func (b *Broker) Close() {
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			zap.L().Warn("broker: close channel", zap.Error(err))
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			zap.L().Warn("broker: close connection", zap.Error(err))
		}
	}
}

// RetryCount reads the retry header from a delivery, defaulting to 0. The
// header is transport metadata owned by the retry controller; business
// handlers never see it.
func RetryCount(headers amqp.Table) int {
	v, ok := headers[retryCountHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
