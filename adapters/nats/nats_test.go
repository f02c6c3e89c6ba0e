package nats_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/next-trace/scg-rpc-bus/adapters/nats"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// fakeConn routes published messages to subscribers of the same subject in-process.
type fakeConn struct {
	mu        sync.Mutex
	published []*natsgo.Msg
	subs      map[string][]*fakeSub
	err       error
}

type fakeSub struct {
	conn    *fakeConn
	subject string
	cb      natsgo.MsgHandler
}

func (s *fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	list := s.conn.subs[s.subject]
	for i, cur := range list {
		if cur == s {
			s.conn.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}

	return nil
}

func newFakeConn() *fakeConn { return &fakeConn{subs: map[string][]*fakeSub{}} }

func (f *fakeConn) PublishMsg(m *natsgo.Msg) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}

	f.published = append(f.published, m)
	subs := append([]*fakeSub(nil), f.subs[m.Subject]...)
	f.mu.Unlock()

	// queue group semantics: one subscriber gets the message
	if len(subs) > 0 {
		subs[0].cb(m)
	}

	return nil
}

func (f *fakeConn) Subscribe(subject, _ string, cb natsgo.MsgHandler) (nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	s := &fakeSub{conn: f, subject: subject, cb: cb}
	f.subs[subject] = append(f.subs[subject], s)

	return s, nil
}

func (f *fakeConn) subscribers(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.subs[subject])
}

func next(t *testing.T, ch <-chan rpc.Delivery) rpc.Delivery {
	t.Helper()

	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatalf("stream closed")
		}

		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}

	return rpc.Delivery{}
}

func TestNATS_PublishConsumeRoundTrip(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, rpc.DefaultTopology(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ch, err := tr.Consume(ctx, rpc.RequestQueue)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	msg := rpc.Message{
		Body:          []byte(`{"id":"x"}`),
		CorrelationID: "corr-1",
		ReplyTo:       "_INBOX.abc",
		Headers:       map[string]any{rpc.HeaderRetryCount: 2},
	}
	if err := tr.Publish(t.Context(), "", rpc.RequestQueue, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := next(t, ch)
	if string(d.Body) != `{"id":"x"}` || d.CorrelationID != "corr-1" || d.ReplyTo != "_INBOX.abc" {
		t.Fatalf("delivery: %+v", d.Message)
	}

	if rpc.RetryCount(d.Headers) != 2 {
		t.Fatalf("retry header lost: %+v", d.Headers)
	}

	if _, ok := d.Headers[nats.HeaderCorrelationID]; ok {
		t.Fatalf("correlation header leaked into headers")
	}

	if err := d.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestNATS_DeadLetterRouteMapsToQueueSubject(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, rpc.DefaultTopology(), nil)

	if err := tr.Publish(t.Context(), rpc.DeadLetterExchange, rpc.DeadLetterRoutingKey, rpc.Message{Body: []byte("dl")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := tr.Publish(t.Context(), "events", "user.created", rpc.Message{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if fc.published[0].Subject != rpc.DeadLetterQueue {
		t.Fatalf("dead-letter subject: %s", fc.published[0].Subject)
	}

	if fc.published[1].Subject != "events.user.created" {
		t.Fatalf("exchange subject: %s", fc.published[1].Subject)
	}
}

func TestNATS_RejectRequeueRepublishes(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, rpc.DefaultTopology(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ch, err := tr.Consume(ctx, "work")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	_ = tr.Publish(t.Context(), "", "work", rpc.Message{Body: []byte("again")})

	first := next(t, ch)
	if err := first.Reject(true); err != nil {
		t.Fatalf("reject: %v", err)
	}

	second := next(t, ch)
	if string(second.Body) != "again" {
		t.Fatalf("requeued body: %q", second.Body)
	}

	if err := second.Reject(false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if n := len(fc.published); n != 2 {
		t.Fatalf("publishes=%d, want original plus one requeue", n)
	}
}

func TestNATS_ReplyInboxLifecycle(t *testing.T) {
	fc := newFakeConn()
	tr := nats.New(fc, rpc.DefaultTopology(), nil)

	inbox, err := tr.DeclareReplyQueue(t.Context())
	if err != nil || !strings.HasPrefix(inbox, "_INBOX.") {
		t.Fatalf("inbox=%q err=%v", inbox, err)
	}

	ch, err := tr.Consume(t.Context(), inbox)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	if fc.subscribers(inbox) != 1 {
		t.Fatalf("not subscribed")
	}

	if err := tr.DeleteQueue(t.Context(), inbox); err != nil {
		t.Fatalf("delete: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not closed")
	}

	if fc.subscribers(inbox) != 0 {
		t.Fatalf("still subscribed")
	}
}

func TestNATS_ErrorWrapping(t *testing.T) {
	fc := newFakeConn()
	fc.err = errors.New("boom")
	tr := nats.New(fc, rpc.DefaultTopology(), nil)

	if err := tr.Publish(t.Context(), "", "q", rpc.Message{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}

	if _, err := tr.Consume(t.Context(), "q"); !errors.Is(err, berr.ErrConsumeFailed) {
		t.Fatalf("want ErrConsumeFailed, got %v", err)
	}

	fc.err = natsgo.ErrConnectionClosed
	if err := tr.Publish(t.Context(), "", "q", rpc.Message{}); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("want ErrTransportClosed, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := tr.Publish(ctx, "", "q", rpc.Message{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestNATS_NilConn(t *testing.T) {
	tr := nats.New(nil, rpc.DefaultTopology(), nil)
	if err := tr.Publish(t.Context(), "", "q", rpc.Message{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}
}
