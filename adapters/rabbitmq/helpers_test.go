package rabbitmq_test

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type declared struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
}

// fakeChannel records calls made through the rabbitmq.Channel surface.
type fakeChannel struct {
	mu        sync.Mutex
	published []published
	queues    []declared
	deleted   []string
	exchanges []string
	bindings  [][3]string
	consumed  chan amqp.Delivery
	err       error
}

func newFakeChannel() *fakeChannel { return &fakeChannel{consumed: make(chan amqp.Delivery, 8)} }

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})

	return nil
}

func (f *fakeChannel) ConsumeWithContext(_ context.Context, _, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.consumed, nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name == "" {
		name = "amq.gen-test"
	}

	f.queues = append(f.queues, declared{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args})

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, name)

	return 0, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bindings = append(f.bindings, [3]string{name, key, exchange})

	return nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exchanges = append(f.exchanges, name+":"+kind)

	return nil
}

// fakeAcknowledger settles amqp deliveries in tests.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	rejects int
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acks++

	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	return a.Reject(0, requeue)
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rejects++
	a.requeue = requeue

	return nil
}
