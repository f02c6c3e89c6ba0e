package servicebus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	"github.com/next-trace/scg-rpc-bus/adapters/memstore"
	"github.com/next-trace/scg-rpc-bus/contract/blog"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/idempotency"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

const (
	secret     = "s3cret"
	replyQueue = "reply.test"
)

// acker records how a hand-built delivery was settled.
type acker struct {
	mu       sync.Mutex
	acked    int
	rejected int
	requeue  bool
}

func (a *acker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acked++

	return nil
}

func (a *acker) Reject(requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rejected++
	a.requeue = requeue

	return nil
}

func (a *acker) settled() (acked, rejected int, requeue bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.acked, a.rejected, a.requeue
}

// sleeps records backoff waits instead of sleeping.
type sleeps struct {
	mu  sync.Mutex
	got []time.Duration
	err error
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.got = append(s.got, d)

	return s.err
}

func (s *sleeps) waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.got...)
}

// sink records archived dead letters.
type sink struct {
	mu  sync.Mutex
	got []rpc.DeadLetter
}

func (s *sink) Archive(_ context.Context, dl rpc.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.got = append(s.got, dl)

	return nil
}

func (s *sink) letters() []rpc.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]rpc.DeadLetter(nil), s.got...)
}

// flaky fails AddUser with an infrastructure error.
type flaky struct {
	*memstore.Store

	mu    sync.Mutex
	calls int
}

var errDBDown = errors.New("db down")

func (f *flaky) AddUser(context.Context, string, string, string, string) (blog.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return blog.User{}, errDBDown
}

type fixture struct {
	broker   *inmemory.Broker
	store    *memstore.Store
	ledger   *idempotency.Memory
	sleeps   *sleeps
	sink     *sink
	consumer *servicebus.Consumer
}

func newFixture(t *testing.T, exec blog.DomainExecutor, opts ...servicebus.ConsumerOption) *fixture {
	t.Helper()

	f := &fixture{
		broker: inmemory.New(),
		store:  memstore.New(),
		ledger: idempotency.NewMemory(),
		sleeps: &sleeps{},
		sink:   &sink{},
	}
	f.broker.DeclareTopology(rpc.DefaultTopology())
	f.broker.DeclareQueue(replyQueue)

	if exec == nil {
		exec = f.store
	}

	d, err := servicebus.NewBlogDispatcher(exec, nil)
	require.NoError(t, err)

	opts = append([]servicebus.ConsumerOption{
		servicebus.WithSleeper(f.sleeps.sleep),
		servicebus.WithDeadLetterSink(f.sink),
	}, opts...)

	f.consumer, err = servicebus.NewConsumer(f.broker, d, f.ledger, rpc.StaticCredential(secret), nil, opts...)
	require.NoError(t, err)

	return f
}

func request(t *testing.T, action string, data any, auth string) (rpc.RequestEnvelope, rpc.Message) {
	t.Helper()

	req, err := rpc.NewRequest(action, data, auth)
	require.NoError(t, err)

	body, err := req.Encode()
	require.NoError(t, err)

	return req, rpc.Message{Body: body, CorrelationID: req.ID.String(), ReplyTo: replyQueue, Persistent: true}
}

func deliver(msg rpc.Message) (rpc.Delivery, *acker) {
	a := &acker{}
	return rpc.Delivery{Message: msg, Acker: a}, a
}

// lastReply decodes the most recent response published to queue.
func (f *fixture) lastReply(t *testing.T, queue string) (rpc.ResponseEnvelope, inmemory.Published) {
	t.Helper()

	pubs := f.broker.PublishedTo(queue)
	require.NotEmpty(t, pubs, "no reply on %s", queue)

	last := pubs[len(pubs)-1]

	resp, err := rpc.DecodeResponse(last.Message.Body)
	require.NoError(t, err)

	return resp, last
}

func mustUserID(t *testing.T, resp rpc.ResponseEnvelope) uuid.UUID {
	t.Helper()

	var created rpc.CreatedUser
	require.NoError(t, resp.DecodeData(&created))
	require.NotEqual(t, uuid.Nil, created.UserID)

	return created.UserID
}
