package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// HandlerFunc executes one decoded payload.
type HandlerFunc func(ctx context.Context, p rpc.Payload) (any, error)

// HandlerMiddleware wraps handler execution. Middlewares are executed in registration order.
type HandlerMiddleware func(next HandlerFunc) HandlerFunc

// DispatcherOption configures a Dispatcher instance.
type DispatcherOption func(*Dispatcher)

// WithHandlerMiddleware registers global handler middleware.
func WithHandlerMiddleware(mw ...HandlerMiddleware) DispatcherOption {
	return func(d *Dispatcher) { d.mw = append(d.mw, mw...) }
}

// DispatchError marks a deterministic, domain-level failure: unknown action, bad payload,
// missing entity, conflict. It is answered with an Error response and never retried.
// Reason is the caller-visible text; Err keeps the coded cause for errors.Is.
type DispatchError struct {
	Reason string
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return "dispatch failed"
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsDomainError reports whether err is a non-retryable DispatchError.
func IsDomainError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// Dispatcher maps action payloads to handlers through a closed table keyed by payload type.
//
// Dispatcher is concurrency-safe and contains no global state.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]HandlerFunc
	mw       []HandlerMiddleware
	logger   *zap.Logger
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher(logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		handlers: make(map[reflect.Type]HandlerFunc),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Bind registers the handler for payload variant P. Duplicate bindings are rejected.
func Bind[P rpc.Payload, R any](d *Dispatcher, h func(ctx context.Context, p P) (R, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero P

	t := reflect.TypeOf(zero)
	if _, exists := d.handlers[t]; exists {
		return fmt.Errorf("bind %s: %w", zero.Action(), berr.ErrHandlerExists)
	}

	d.handlers[t] = func(ctx context.Context, v rpc.Payload) (any, error) {
		p, ok := v.(P)
		if !ok {
			return nil, fmt.Errorf("dispatch %s: %w", reflect.TypeOf(v).String(), berr.ErrHandlerTypeMismatch)
		}

		return h(ctx, p)
	}

	return nil
}

// Dispatch decodes data for action and runs the bound handler.
//
// The returned error is a *DispatchError for domain failures. Any other error, including a
// recovered handler panic, is an infrastructure failure the caller may retry.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, data json.RawMessage) (res any, err error) {
	p, err := rpc.DecodePayload(action, data)
	if err != nil {
		return nil, &DispatchError{Err: err}
	}

	d.mu.RLock()
	f, ok := d.handlers[reflect.TypeOf(p)]
	d.mu.RUnlock()

	if !ok {
		return nil, &DispatchError{Err: &rpc.UnknownActionError{Action: action}}
	}

	final := f
	for i := len(d.mw) - 1; i >= 0; i-- {
		final = d.mw[i](final)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", zap.String("action", action), zap.Any("panic", r))
			res, err = nil, fmt.Errorf("dispatch %s: handler panic: %v", action, r)
		}
	}()

	res, err = final(ctx, p)
	if err != nil {
		return nil, classify(err)
	}

	return res, nil
}

// classify promotes coded domain errors returned by handlers to DispatchError.
func classify(err error) error {
	if IsDomainError(err) {
		return err
	}

	for _, code := range []error{
		berr.ErrNotFound,
		berr.ErrConflict,
		berr.ErrMissingField,
		berr.ErrInvalidField,
		berr.ErrUnknownAction,
	} {
		if errors.Is(err, code) {
			return &DispatchError{Err: err}
		}
	}

	return err
}

// LoggingMiddleware logs every handler execution at debug level.
func LoggingMiddleware(logger *zap.Logger) HandlerMiddleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, p rpc.Payload) (any, error) {
			start := time.Now()
			res, err := next(ctx, p)
			logger.Debug("handler executed",
				zap.String("action", p.Action()),
				zap.Duration("took", time.Since(start)),
				zap.Error(err),
			)

			return res, err
		}
	}
}
