package servicebus

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// Caller-visible error texts produced by the consumer itself.
const (
	ReasonUnauthorized     = "Unauthorized"
	ReasonRetriesExhausted = "Failed after retries. Moved to DLQ"
)

// MaxBackoff caps a single retry wait. It matches the request queue message TTL:
// a request held back longer would expire on the broker anyway.
const MaxBackoff = rpc.MessageTTL

// Outcome is the terminal state reached by one delivery.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeCached       Outcome = "cached"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeDomainError  Outcome = "domain_error"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRejected     Outcome = "rejected"
	OutcomeRequeued     Outcome = "requeued"
)

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithTopology overrides the queue and exchange names.
func WithTopology(top rpc.Topology) ConsumerOption {
	return func(c *Consumer) { c.top = top }
}

// WithMaxRetries sets how many republishes happen before a message is dead-lettered.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff delay; attempt n waits base * 2^n, capped at MaxBackoff.
func WithBaseDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.baseDelay = d }
}

// WithConcurrency bounds how many deliveries are handled at once.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) { c.concurrency = n }
}

// WithRateLimit throttles dispatch to perSecond deliveries with the given burst.
// A non-positive perSecond disables throttling.
func WithRateLimit(perSecond float64, burst int) ConsumerOption {
	return func(c *Consumer) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}

		if burst < 1 {
			burst = 1
		}

		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDeadLetterSink mirrors every dead-lettered message to sink.
func WithDeadLetterSink(sink rpc.DeadLetterSink) ConsumerOption {
	return func(c *Consumer) { c.sink = sink }
}

// WithSleeper replaces the backoff wait. Tests use it to avoid real sleeps.
func WithSleeper(s Sleeper) ConsumerOption {
	return func(c *Consumer) { c.sleep = s }
}

// WithResubscribeDelay sets the pause before re-consuming after the delivery stream closed.
func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.resubscribe = d }
}

// Consumer drains the request queue and drives every delivery through
// decode, deduplicate, authorize, dispatch and retry.
type Consumer struct {
	transport  rpc.Transport
	dispatcher *Dispatcher
	ledger     rpc.Ledger
	creds      rpc.CredentialProvider
	logger     *zap.Logger

	top         rpc.Topology
	maxRetries  int
	baseDelay   time.Duration
	concurrency int
	limiter     *rate.Limiter
	sink        rpc.DeadLetterSink
	sleep       Sleeper
	resubscribe time.Duration
}

// NewConsumer validates its collaborators and applies opts over the defaults.
func NewConsumer(
	t rpc.Transport,
	d *Dispatcher,
	ledger rpc.Ledger,
	creds rpc.CredentialProvider,
	logger *zap.Logger,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if t == nil || d == nil || ledger == nil || creds == nil {
		return nil, fmt.Errorf("new consumer: %w: transport, dispatcher, ledger and credentials are required", berr.ErrInvalidConfig)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Consumer{
		transport:   t,
		dispatcher:  d,
		ledger:      ledger,
		creds:       creds,
		logger:      logger,
		top:         rpc.DefaultTopology(),
		maxRetries:  rpc.MaxRetryCount,
		baseDelay:   rpc.BaseDelay,
		concurrency: 16,
		sleep:       SleepContext,
		resubscribe: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.concurrency < 1 || c.maxRetries < 0 || c.baseDelay < 0 {
		return nil, fmt.Errorf("new consumer: %w: concurrency=%d max_retries=%d base_delay=%s",
			berr.ErrInvalidConfig, c.concurrency, c.maxRetries, c.baseDelay)
	}

	return c, nil
}

// Run consumes the request queue until ctx is cancelled and waits for in-flight
// deliveries before returning. A closed delivery stream is resubscribed.
// Only a failure of the very first subscription is returned.
func (c *Consumer) Run(ctx context.Context) error {
	sem := make(chan struct{}, c.concurrency)

	var wg sync.WaitGroup
	defer wg.Wait()

	first := true

	for {
		deliveries, err := c.transport.Consume(ctx, c.top.RequestQueue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if first {
				return fmt.Errorf("consume %s: %w", c.top.RequestQueue, err)
			}

			c.logger.Warn("resubscribe failed", zap.String("queue", c.top.RequestQueue), zap.Error(err))
		} else {
			first = false
			c.logger.Info("consuming", zap.String("queue", c.top.RequestQueue), zap.Int("concurrency", c.concurrency))
			c.drain(ctx, deliveries, sem, &wg)
		}

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("delivery stream closed, resubscribing", zap.Duration("after", c.resubscribe))

		if err := c.sleep(ctx, c.resubscribe); err != nil {
			return nil
		}
	}
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan rpc.Delivery, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		var d rpc.Delivery

		select {
		case <-ctx.Done():
			return
		case dv, ok := <-deliveries:
			if !ok {
				return
			}

			d = dv
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				_ = d.Reject(true)
				return
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = d.Reject(true)
			return
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			c.HandleDelivery(ctx, d)
		}()
	}
}

// HandleDelivery runs the per-message state machine and settles d exactly once.
func (c *Consumer) HandleDelivery(ctx context.Context, d rpc.Delivery) Outcome {
	// settling must survive shutdown
	settle := context.WithoutCancel(ctx)
	retries := rpc.RetryCount(d.Headers)

	req, err := rpc.DecodeRequest(d.Body)
	if err != nil {
		c.logger.Error("malformed request",
			zap.ByteString("body", d.Body),
			zap.Int("retry_count", retries),
			zap.Error(err),
		)

		if err := c.deadLetter(settle, d, err.Error()); err != nil {
			c.logger.Error("dead-letter publish failed", zap.Error(err))
		}

		_ = d.Reject(false)

		return OutcomeRejected
	}

	log := c.logger.With(
		zap.String("id", req.ID.String()),
		zap.String("action", req.Action),
		zap.Int("retry_count", retries),
	)

	processed, err := c.ledger.IsProcessed(settle, req.ID)
	if err != nil {
		return c.retry(ctx, log, d, req, retries, fmt.Errorf("ledger lookup: %w", err))
	}

	if processed {
		return c.reply(settle, log, d, rpc.CachedReplay(req.ID), OutcomeCached)
	}

	ok, err := c.authorized(settle, req.Auth)
	if err != nil {
		return c.retry(ctx, log, d, req, retries, fmt.Errorf("credentials: %w", err))
	}

	if !ok {
		return c.reply(settle, log, d, rpc.Failure(req.ID, ReasonUnauthorized), OutcomeUnauthorized)
	}

	claimed, err := c.ledger.Claim(settle, req.ID)
	if err != nil {
		return c.retry(ctx, log, d, req, retries, fmt.Errorf("ledger claim: %w", err))
	}

	if !claimed {
		return c.retry(ctx, log, d, req, retries, fmt.Errorf("claim %s: %w", req.ID, berr.ErrInFlight))
	}

	res, err := c.dispatcher.Dispatch(ctx, req.Action, req.Data)
	if err != nil {
		if rerr := c.ledger.Release(settle, req.ID); rerr != nil {
			log.Warn("ledger release failed", zap.Error(rerr))
		}

		if IsDomainError(err) {
			return c.reply(settle, log, d, rpc.Failure(req.ID, err.Error()), OutcomeDomainError)
		}

		return c.retry(ctx, log, d, req, retries, err)
	}

	// the operation has run: record it before anything else can fail
	if err := c.ledger.MarkProcessed(settle, req.ID); err != nil {
		log.Error("ledger mark failed", zap.Error(err))
	}

	resp, err := rpc.OK(req.ID, res)
	if err != nil {
		return c.reply(settle, log, d, rpc.Failure(req.ID, err.Error()), OutcomeDomainError)
	}

	return c.reply(settle, log, d, resp, OutcomeSuccess)
}

func (c *Consumer) authorized(ctx context.Context, auth string) (bool, error) {
	secret, err := c.creds.SharedSecret(ctx)
	if err != nil {
		return false, err
	}

	if auth == "" || secret == "" {
		return false, nil
	}

	return subtle.ConstantTimeCompare([]byte(auth), []byte(secret)) == 1, nil
}

// reply publishes resp to the delivery's reply destination and acks.
// A failed publish requeues the delivery so the reply is not lost.
func (c *Consumer) reply(ctx context.Context, log *zap.Logger, d rpc.Delivery, resp rpc.ResponseEnvelope, outcome Outcome) Outcome {
	if err := c.publishReply(ctx, d, resp); err != nil {
		log.Error("reply publish failed, requeueing", zap.String("outcome", string(outcome)), zap.Error(err))
		_ = d.Reject(true)

		return OutcomeRequeued
	}

	if err := d.Ack(); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}

	if outcome == OutcomeSuccess || outcome == OutcomeCached {
		log.Info("request handled", zap.String("outcome", string(outcome)))
	} else {
		log.Warn("request handled", zap.String("outcome", string(outcome)), zap.String("error", resp.Error))
	}

	return outcome
}

func (c *Consumer) publishReply(ctx context.Context, d rpc.Delivery, resp rpc.ResponseEnvelope) error {
	body, err := resp.Encode()
	if err != nil {
		return err
	}

	to := d.ReplyTo
	if to == "" {
		to = c.top.ResponseQueue
	}

	return c.transport.Publish(ctx, "", to, rpc.Message{
		Body:          body,
		CorrelationID: resp.CorrelationID.String(),
		Persistent:    true,
	})
}

func (c *Consumer) retry(ctx context.Context, log *zap.Logger, d rpc.Delivery, req rpc.RequestEnvelope, n int, cause error) Outcome {
	settle := context.WithoutCancel(ctx)

	if n >= c.maxRetries {
		log.Error("retries exhausted", zap.Error(cause))

		if err := c.publishReply(settle, d, rpc.Failure(req.ID, ReasonRetriesExhausted)); err != nil {
			log.Error("reply publish failed", zap.Error(err))
		}

		if err := c.deadLetter(settle, d, cause.Error()); err != nil {
			log.Error("dead-letter publish failed, requeueing", zap.Error(err))
			_ = d.Reject(true)

			return OutcomeRequeued
		}

		_ = d.Ack()

		log.Warn("request handled", zap.String("outcome", string(OutcomeDeadLettered)))

		return OutcomeDeadLettered
	}

	delay := backoff(c.baseDelay, n)
	log.Warn("dispatch failed, retrying", zap.Duration("backoff", delay), zap.Error(cause))

	if err := c.sleep(ctx, delay); err != nil {
		_ = d.Reject(true)
		return OutcomeRequeued
	}

	msg := rpc.Message{
		Body:          d.Body,
		CorrelationID: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		Headers:       rpc.WithRetryCount(d.Headers, n+1),
		Persistent:    true,
	}
	if err := c.transport.Publish(settle, "", c.top.RequestQueue, msg); err != nil {
		log.Error("republish failed, requeueing", zap.Error(err))
		_ = d.Reject(true)

		return OutcomeRequeued
	}

	_ = d.Ack()

	return OutcomeRetried
}

// backoff returns base * 2^n, saturating at MaxBackoff.
func backoff(base time.Duration, n int) time.Duration {
	if base <= 0 || n < 0 {
		return base
	}

	if n >= 63 || base > MaxBackoff>>n {
		return MaxBackoff
	}

	return base << n
}

// deadLetter routes the raw body to the dead-letter exchange and mirrors it to the sink.
func (c *Consumer) deadLetter(ctx context.Context, d rpc.Delivery, reason string) error {
	now := time.Now().UTC()
	headers := map[string]any{
		rpc.HeaderOriginalError: reason,
		rpc.HeaderTimestamp:     now.Format(time.RFC3339Nano),
	}

	err := c.transport.Publish(ctx, c.top.DeadLetterExchange, c.top.DeadLetterRoutingKey, rpc.Message{
		Body:    d.Body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("dead-letter: %w: %w", berr.ErrPublishFailed, err)
	}

	if c.sink != nil {
		dl := rpc.DeadLetter{Body: d.Body, Reason: reason, Source: c.top.RequestQueue, At: now, Headers: headers}
		if err := c.sink.Archive(ctx, dl); err != nil {
			c.logger.Warn("dead-letter archive failed", zap.Error(err))
		}
	}

	return nil
}
