package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

const contentType = "application/json"

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// channelSource hands out the channel currently in use, waiting for a reconnect if needed.
type channelSource interface {
	channel(ctx context.Context) (Channel, error)
}

type fixedChannel struct{ ch Channel }

func (f fixedChannel) channel(context.Context) (Channel, error) { return f.ch, nil }

// Transport implements rpc.Transport on AMQP.
type Transport struct {
	src    channelSource
	logger *zap.Logger

	// amqp channels are not safe for concurrent publishing
	pubMu sync.Mutex
}

var _ rpc.Transport = (*Transport)(nil)

// NewWithChannel builds a Transport over an already open channel. The caller owns its
// lifecycle and is expected to have declared the topology with DeclareTopology.
func NewWithChannel(ch Channel, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Transport{src: fixedChannel{ch: ch}, logger: logger}
}

// DeclareTopology declares the dead-letter exchange and queue, the request queue routed to
// it with a message TTL, and the durable response queue.
func DeclareTopology(ch Channel, top rpc.Topology) error {
	if err := ch.ExchangeDeclare(top.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", top.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(top.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", top.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(top.DeadLetterQueue, top.DeadLetterRoutingKey, top.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", top.DeadLetterQueue, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    top.DeadLetterExchange,
		"x-dead-letter-routing-key": top.DeadLetterRoutingKey,
	}
	if top.MessageTTL > 0 {
		args["x-message-ttl"] = top.MessageTTL.Milliseconds()
	}

	if _, err := ch.QueueDeclare(top.RequestQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", top.RequestQueue, err)
	}

	if _, err := ch.QueueDeclare(top.ResponseQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", top.ResponseQueue, err)
	}

	return nil
}

func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg rpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := t.src.channel(ctx)
	if err != nil {
		return t.wrap("publish", berr.ErrPublishFailed, err)
	}

	p := amqp.Publishing{
		Headers:       toTable(msg.Headers),
		ContentType:   contentType,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now().UTC(),
		Body:          msg.Body,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}

	t.pubMu.Lock()
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, p)
	t.pubMu.Unlock()

	if err != nil {
		return t.wrap("publish", berr.ErrPublishFailed, err)
	}

	return nil
}

func (t *Transport) Consume(ctx context.Context, queue string) (<-chan rpc.Delivery, error) {
	ch, err := t.src.channel(ctx)
	if err != nil {
		return nil, t.wrap("consume", berr.ErrConsumeFailed, err)
	}

	src, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, t.wrap("consume", berr.ErrConsumeFailed, err)
	}

	out := make(chan rpc.Delivery)

	go func() {
		defer close(out)

		for {
			var d amqp.Delivery

			select {
			case <-ctx.Done():
				return
			case dv, ok := <-src:
				if !ok {
					if ctx.Err() == nil {
						t.logger.Warn("rabbitmq delivery stream closed", zap.String("queue", queue))
					}

					return
				}

				d = dv
			}

			select {
			case out <- fromDelivery(d):
			case <-ctx.Done():
				_ = d.Reject(true)
				return
			}
		}
	}()

	return out, nil
}

func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	ch, err := t.src.channel(ctx)
	if err != nil {
		return "", t.wrap("declare reply queue", berr.ErrConsumeFailed, err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", t.wrap("declare reply queue", berr.ErrConsumeFailed, err)
	}

	return q.Name, nil
}

func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	ch, err := t.src.channel(ctx)
	if err != nil {
		return t.wrap("delete queue", berr.ErrConsumeFailed, err)
	}

	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return t.wrap("delete queue", berr.ErrConsumeFailed, err)
	}

	return nil
}

func (t *Transport) wrap(label string, base, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(base, berr.ErrTransportClosed, err))
	}

	return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(base, err))
}

type acker struct{ d amqp.Delivery }

func (a acker) Ack() error { return a.d.Ack(false) }

func (a acker) Reject(requeue bool) error { return a.d.Reject(requeue) }

func fromDelivery(d amqp.Delivery) rpc.Delivery {
	return rpc.Delivery{
		Message: rpc.Message{
			Body:          d.Body,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			Headers:       fromTable(d.Headers),
			Persistent:    d.DeliveryMode == amqp.Persistent,
		},
		Acker: acker{d: d},
	}
}

func toTable(h map[string]any) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]any {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]any, len(t))
	for k, v := range t {
		h[k] = v
	}

	return h
}
