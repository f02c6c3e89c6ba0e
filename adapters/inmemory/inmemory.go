/*
Package inmemory provides an in-process broker implementing rpc.Transport.

It models what the rpc layer relies on: named queues, a default exchange routing by
queue name, bound exchanges, per-delivery ack/reject with requeue, and private reply
queues. Publishing to a queue that does not exist drops the message, as an AMQP broker
does for unroutable messages. Everything published is also recorded for assertions.
*/
package inmemory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

const defaultQueueSize = 1024

var errAlreadySettled = errors.New("inmemory: delivery already settled")

// Published is one recorded publish call.
type Published struct {
	Exchange   string
	RoutingKey string
	Message    rpc.Message
}

// Stats counts how deliveries were settled.
type Stats struct {
	Acked    int64
	Rejected int64
	Requeued int64
}

type queue struct {
	name    string
	msgs    chan rpc.Message
	deleted chan struct{}
	once    sync.Once
}

func (q *queue) delete() { q.once.Do(func() { close(q.deleted) }) }

// Broker is a thread-safe in-memory implementation of rpc.Transport.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	bindings  map[string]string
	published []Published
	size      int

	acked    atomic.Int64
	rejected atomic.Int64
	requeued atomic.Int64
}

// Ensure Broker implements the transport contract.
var _ rpc.Transport = (*Broker)(nil)

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		bindings: make(map[string]string),
		size:     defaultQueueSize,
	}
}

// DeclareQueue creates name if it does not exist yet.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.declareLocked(name)
}

func (b *Broker) declareLocked(name string) *queue {
	if q, ok := b.queues[name]; ok {
		return q
	}

	q := &queue{name: name, msgs: make(chan rpc.Message, b.size), deleted: make(chan struct{})}
	b.queues[name] = q

	return q
}

// Bind routes messages published to exchange with routingKey into queueName.
func (b *Broker) Bind(queueName, exchange, routingKey string) {
	b.mu.Lock()
	b.bindings[exchange+"\x00"+routingKey] = queueName
	b.mu.Unlock()
}

// DeclareTopology declares the request, response and dead-letter queues and binds the dead-letter route.
func (b *Broker) DeclareTopology(top rpc.Topology) {
	b.DeclareQueue(top.RequestQueue)
	b.DeclareQueue(top.ResponseQueue)
	b.DeclareQueue(top.DeadLetterQueue)
	b.Bind(top.DeadLetterQueue, top.DeadLetterExchange, top.DeadLetterRoutingKey)
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg rpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg = cloneMessage(msg)

	b.mu.Lock()
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: routingKey, Message: msg})

	name := routingKey
	if exchange != "" {
		name = b.bindings[exchange+"\x00"+routingKey]
	}

	q, ok := b.queues[name]
	b.mu.Unlock()

	if !ok {
		// unroutable: dropped
		return nil
	}

	select {
	case q.msgs <- msg:
		return nil
	case <-q.deleted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Consume(ctx context.Context, name string) (<-chan rpc.Delivery, error) {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("inmemory consume %q: %w: no such queue", name, berr.ErrConsumeFailed)
	}

	out := make(chan rpc.Delivery)

	go func() {
		defer close(out)

		for {
			var msg rpc.Message

			select {
			case <-ctx.Done():
				return
			case <-q.deleted:
				return
			case msg = <-q.msgs:
			}

			d := rpc.Delivery{Message: msg, Acker: &acker{b: b, q: q, msg: msg}}

			select {
			case out <- d:
			case <-ctx.Done():
				b.requeue(q, msg)
				return
			case <-q.deleted:
				return
			}
		}
	}()

	return out, nil
}

func (b *Broker) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := "amq.gen-" + uuid.NewString()
	b.DeclareQueue(name)

	return name, nil
}

func (b *Broker) DeleteQueue(_ context.Context, name string) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	delete(b.queues, name)
	b.mu.Unlock()

	if ok {
		q.delete()
	}

	return nil
}

// QueueExists reports whether name is currently declared.
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.queues[name]

	return ok
}

// Len reports how many messages wait in name.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.msgs)
	}

	return 0
}

// Get removes and returns the next waiting message in name without a consumer.
func (b *Broker) Get(name string) (rpc.Message, bool) {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()

	if !ok {
		return rpc.Message{}, false
	}

	select {
	case m := <-q.msgs:
		return m, true
	default:
		return rpc.Message{}, false
	}
}

// Published returns a copy of every publish call so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Published(nil), b.published...)
}

// PublishedTo filters Published by routing key.
func (b *Broker) PublishedTo(routingKey string) []Published {
	var out []Published

	for _, p := range b.Published() {
		if p.RoutingKey == routingKey {
			out = append(out, p)
		}
	}

	return out
}

// Stats returns settlement counters.
func (b *Broker) Stats() Stats {
	return Stats{Acked: b.acked.Load(), Rejected: b.rejected.Load(), Requeued: b.requeued.Load()}
}

func (b *Broker) requeue(q *queue, msg rpc.Message) {
	b.requeued.Add(1)

	go func() {
		select {
		case q.msgs <- msg:
		case <-q.deleted:
		}
	}()
}

type acker struct {
	b       *Broker
	q       *queue
	msg     rpc.Message
	settled atomic.Bool
}

func (a *acker) Ack() error {
	if !a.settled.CompareAndSwap(false, true) {
		return errAlreadySettled
	}

	a.b.acked.Add(1)

	return nil
}

func (a *acker) Reject(requeue bool) error {
	if !a.settled.CompareAndSwap(false, true) {
		return errAlreadySettled
	}

	a.b.rejected.Add(1)

	if requeue {
		a.b.requeue(a.q, a.msg)
	}

	return nil
}

func cloneMessage(m rpc.Message) rpc.Message {
	m.Body = bytes.Clone(m.Body)

	if m.Headers != nil {
		h := make(map[string]any, len(m.Headers))
		for k, v := range m.Headers {
			h[k] = v
		}

		m.Headers = h
	}

	return m
}
