package servicebus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// DefaultCallTimeout bounds how long Call waits for a reply.
const DefaultCallTimeout = 10 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestQueue overrides the queue requests are published to.
func WithRequestQueue(name string) ClientOption {
	return func(c *Client) { c.requestQueue = name }
}

// WithResponseQueue overrides the shared queue fire-and-forget replies land in.
func WithResponseQueue(name string) ClientOption {
	return func(c *Client) { c.responseQueue = name }
}

// WithTimeout overrides DefaultCallTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithPropagator injects tracing headers into every request.
func WithPropagator(p rpc.HeaderPropagator) ClientOption {
	return func(c *Client) { c.propagator = p }
}

// Client is the producer side: it publishes requests and waits for the correlated reply.
// Each call owns a private reply queue, so concurrent calls share nothing but the transport.
type Client struct {
	transport     rpc.Transport
	logger        *zap.Logger
	requestQueue  string
	responseQueue string
	timeout       time.Duration
	propagator    rpc.HeaderPropagator
}

// NewClient builds a Client over t.
func NewClient(t rpc.Transport, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("new client: %w: transport is required", berr.ErrInvalidConfig)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		transport:     t,
		logger:        logger,
		requestQueue:  rpc.RequestQueue,
		responseQueue: rpc.ResponseQueue,
		timeout:       DefaultCallTimeout,
		propagator:    rpc.NopHeaderPropagator{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.timeout <= 0 {
		return nil, fmt.Errorf("new client: %w: timeout must be positive", berr.ErrInvalidConfig)
	}

	return c, nil
}

// Call builds a request for action and blocks until its reply arrives or the call times out.
// An Error response is returned as a value, not as an error.
func (c *Client) Call(ctx context.Context, action string, data any, auth string) (rpc.ResponseEnvelope, error) {
	req, err := rpc.NewRequest(action, data, auth)
	if err != nil {
		return rpc.ResponseEnvelope{}, err
	}

	return c.CallEnvelope(ctx, req)
}

// CallEnvelope sends a prepared request. Re-sending the same envelope is how a caller
// retries without risking a second execution.
func (c *Client) CallEnvelope(ctx context.Context, req rpc.RequestEnvelope) (rpc.ResponseEnvelope, error) {
	log := c.logger.With(zap.String("id", req.ID.String()), zap.String("action", req.Action))

	replyQueue, err := c.transport.DeclareReplyQueue(ctx)
	if err != nil {
		return rpc.ResponseEnvelope{}, fmt.Errorf("call %s: declare reply queue: %w", req.Action, err)
	}

	defer func() {
		if derr := c.transport.DeleteQueue(context.WithoutCancel(ctx), replyQueue); derr != nil {
			log.Warn("reply queue delete failed", zap.String("queue", replyQueue), zap.Error(derr))
		}
	}()

	subCtx, cancel := context.WithCancel(ctx)
	// runs before the queue delete above
	defer cancel()

	replies, err := c.transport.Consume(subCtx, replyQueue)
	if err != nil {
		return rpc.ResponseEnvelope{}, fmt.Errorf("call %s: subscribe: %w", req.Action, err)
	}

	msg, err := c.message(ctx, req)
	if err != nil {
		return rpc.ResponseEnvelope{}, err
	}

	msg.ReplyTo = replyQueue

	if err := c.transport.Publish(ctx, "", c.requestQueue, msg); err != nil {
		return rpc.ResponseEnvelope{}, fmt.Errorf("call %s: %w: %w", req.Action, berr.ErrPublishFailed, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	want := req.ID.String()

	for {
		select {
		case <-ctx.Done():
			return rpc.ResponseEnvelope{}, ctx.Err()
		case <-timer.C:
			log.Warn("call timed out", zap.Duration("timeout", c.timeout))
			return rpc.ResponseEnvelope{}, fmt.Errorf("call %s %s: %w after %s", req.Action, want, berr.ErrTimeout, c.timeout)
		case d, ok := <-replies:
			if !ok {
				return rpc.ResponseEnvelope{}, fmt.Errorf("call %s: %w", req.Action, berr.ErrTransportClosed)
			}

			_ = d.Ack()

			if d.CorrelationID != want {
				log.Debug("ignoring reply for another call", zap.String("correlation_id", d.CorrelationID))
				continue
			}

			return rpc.DecodeResponse(d.Body)
		}
	}
}

// Send publishes req without waiting. The reply goes to the shared response queue.
func (c *Client) Send(ctx context.Context, req rpc.RequestEnvelope) error {
	msg, err := c.message(ctx, req)
	if err != nil {
		return err
	}

	msg.ReplyTo = c.responseQueue

	if err := c.transport.Publish(ctx, "", c.requestQueue, msg); err != nil {
		return fmt.Errorf("send %s: %w: %w", req.Action, berr.ErrPublishFailed, err)
	}

	return nil
}

func (c *Client) message(ctx context.Context, req rpc.RequestEnvelope) (rpc.Message, error) {
	body, err := req.Encode()
	if err != nil {
		return rpc.Message{}, err
	}

	var headers map[string]any

	trace := make(map[string]string)
	c.propagator.Inject(ctx, trace)

	if len(trace) > 0 {
		headers = make(map[string]any, len(trace))
		for k, v := range trace {
			headers[k] = v
		}
	}

	return rpc.Message{
		Body:          body,
		CorrelationID: req.ID.String(),
		Headers:       headers,
		Persistent:    true,
	}, nil
}
