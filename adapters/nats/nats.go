/*
Package nats implements rpc.Transport on core NATS.

Queues map to subjects consumed through a queue group named after the subject, so several
workers share one request stream. Exchanges have no NATS equivalent: a publish to an
exchange goes to "<exchange>.<routingKey>", except the dead-letter route, which maps to the
dead-letter queue subject. Core NATS is at-most-once: Ack is a no-op and Reject with
requeue republishes the message to its subject.
*/
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// HeaderCorrelationID carries rpc.Message.CorrelationID; ReplyTo travels as the NATS reply subject.
const HeaderCorrelationID = "Correlation-Id"

const bufferSize = 256

// Subscription is the handle returned by Conn.Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the subset of a NATS connection the transport needs.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	// Subscribe joins queue group on subject.
	Subscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error)
}

// Transport implements rpc.Transport on a NATS connection.
type Transport struct {
	conn   Conn
	top    rpc.Topology
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string][]*subscription
}

var _ rpc.Transport = (*Transport)(nil)

// New creates a Transport over c.
func New(c Conn, top rpc.Topology, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Transport{conn: c, top: top, logger: logger, subs: make(map[string][]*subscription)}
}

func (t *Transport) subject(exchange, routingKey string) string {
	switch {
	case exchange == "":
		return routingKey
	case exchange == t.top.DeadLetterExchange && routingKey == t.top.DeadLetterRoutingKey:
		return t.top.DeadLetterQueue
	default:
		return exchange + "." + routingKey
	}
}

func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg rpc.Message) error {
	if err := t.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	m := &nats.Msg{
		Subject: t.subject(exchange, routingKey),
		Reply:   msg.ReplyTo,
		Data:    msg.Body,
		Header:  toHeader(msg),
	}

	if err := t.conn.PublishMsg(m); err != nil {
		return t.wrap("publish", berr.ErrPublishFailed, err)
	}

	return nil
}

func (t *Transport) Consume(ctx context.Context, subject string) (<-chan rpc.Delivery, error) {
	if err := t.ready(ctx, berr.ErrConsumeFailed, "consume"); err != nil {
		return nil, err
	}

	s := &subscription{
		buf:  make(chan *nats.Msg, bufferSize),
		done: make(chan struct{}),
	}

	handle, err := t.conn.Subscribe(subject, subject, func(m *nats.Msg) {
		select {
		case s.buf <- m:
		case <-s.done:
		}
	})
	if err != nil {
		return nil, t.wrap("consume", berr.ErrConsumeFailed, err)
	}

	s.handle = handle

	t.mu.Lock()
	t.subs[subject] = append(t.subs[subject], s)
	t.mu.Unlock()

	out := make(chan rpc.Delivery)

	go func() {
		defer close(out)
		defer t.remove(subject, s)

		for {
			var m *nats.Msg

			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case m = <-s.buf:
			}

			d := rpc.Delivery{Message: fromMsg(m), Acker: &acker{t: t, subject: subject, msg: m}}

			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Reject(true)
				return
			case <-s.done:
				return
			}
		}
	}()

	return out, nil
}

// DeclareReplyQueue returns a fresh inbox subject.
func (t *Transport) DeclareReplyQueue(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return nats.NewInbox(), nil
}

// DeleteQueue drops every subscription this transport holds on subject.
func (t *Transport) DeleteQueue(_ context.Context, subject string) error {
	t.mu.Lock()
	subs := t.subs[subject]
	delete(t.subs, subject)
	t.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.stop())
	}

	return errors.Join(errs...)
}

func (t *Transport) remove(subject string, s *subscription) {
	if err := s.stop(); err != nil {
		t.logger.Debug("nats unsubscribe failed", zap.String("subject", subject), zap.Error(err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.subs[subject]
	for i, cur := range list {
		if cur == s {
			t.subs[subject] = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(t.subs[subject]) == 0 {
		delete(t.subs, subject)
	}
}

func (t *Transport) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.conn == nil {
		return fmt.Errorf("nats %s: %w", label, base)
	}

	return nil
}

func (t *Transport) wrap(label string, base, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats %s: %w", label, errors.Join(base, berr.ErrTransportClosed, err))
	}

	return fmt.Errorf("nats %s: %w", label, errors.Join(base, err))
}

type subscription struct {
	handle Subscription
	buf    chan *nats.Msg
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) stop() error {
	var err error

	s.once.Do(func() {
		close(s.done)

		if s.handle != nil {
			err = s.handle.Unsubscribe()
		}
	})

	return err
}

type acker struct {
	t       *Transport
	subject string
	msg     *nats.Msg
}

func (a *acker) Ack() error { return nil }

func (a *acker) Reject(requeue bool) error {
	if !requeue {
		return nil
	}

	m := &nats.Msg{Subject: a.subject, Reply: a.msg.Reply, Data: a.msg.Data, Header: a.msg.Header}
	if err := a.t.conn.PublishMsg(m); err != nil {
		return a.t.wrap("requeue", berr.ErrPublishFailed, err)
	}

	return nil
}

func toHeader(msg rpc.Message) nats.Header {
	if len(msg.Headers) == 0 && msg.CorrelationID == "" {
		return nil
	}

	h := make(nats.Header, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		h[k] = []string{fmt.Sprint(v)}
	}

	if msg.CorrelationID != "" {
		h[HeaderCorrelationID] = []string{msg.CorrelationID}
	}

	return h
}

func fromMsg(m *nats.Msg) rpc.Message {
	out := rpc.Message{Body: m.Data, ReplyTo: m.Reply}

	for k, vals := range m.Header {
		if len(vals) == 0 {
			continue
		}

		if k == HeaderCorrelationID {
			out.CorrelationID = vals[0]
			continue
		}

		if out.Headers == nil {
			out.Headers = make(map[string]any, len(m.Header))
		}

		out.Headers[k] = vals[0]
	}

	return out
}
