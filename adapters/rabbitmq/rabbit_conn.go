package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// Concrete AMQP connection-backed transport with auto-reconnect.

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// Prefetch caps unacknowledged deliveries per consumer; zero leaves the broker default.
	Prefetch int
	Topology rpc.Topology
}

type session struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	ready  chan struct{} // closed while a channel is usable
	closed chan struct{}
	once   sync.Once
}

func newSession(cfg Config, logger *zap.Logger) *session {
	s := &session{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run()

	return s
}

func (s *session) channel(ctx context.Context) (Channel, error) {
	for {
		s.mu.RLock()
		ch, ready := s.ch, s.ready
		s.mu.RUnlock()

		if ch != nil {
			return ch, nil
		}

		select {
		case <-ready:
		case <-s.closed:
			return nil, fmt.Errorf("%w: rabbitmq session closed", berr.ErrTransportClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *session) connect() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-rpc-bus"},
		Dial:       amqp.DefaultDial(s.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if s.cfg.Prefetch > 0 {
		if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()

			return nil, nil, err
		}
	}

	if err := DeclareTopology(ch, s.cfg.Topology); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, ch, nil
}

func (s *session) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, ch, err := s.connect()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := backoff + jitter/2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}

			s.logger.Warn("rabbitmq connect failed", zap.Duration("retry_in", sleep), zap.Error(err))

			t := time.NewTimer(sleep)
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
			}

			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}

			continue
		}

		backoff = time.Second

		s.mu.Lock()
		select {
		case <-s.closed:
			s.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()

			return
		default:
		}

		s.conn, s.ch = conn, ch
		close(s.ready)
		s.mu.Unlock()

		s.logger.Info("rabbitmq connected", zap.String("request_queue", s.cfg.Topology.RequestQueue))

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-s.closed:
			return
		case aerr := <-notify:
			s.logger.Warn("rabbitmq connection lost", zap.Any("reason", aerr))

			s.mu.Lock()
			_ = ch.Close()
			_ = conn.Close()
			s.conn, s.ch = nil, nil
			s.ready = make(chan struct{})
			s.mu.Unlock()
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		close(s.closed)

		if s.ch != nil {
			_ = s.ch.Close()
			s.ch = nil
		}

		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	})
}

// Dial connects to RabbitMQ with auto-reconnect, declares the topology on every connect,
// and returns the Transport with its cleanup. Calls wait for the first connection.
func Dial(cfg Config, logger *zap.Logger) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrInvalidConfig)
	}

	if cfg.Topology.RequestQueue == "" {
		cfg.Topology = rpc.DefaultTopology()
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	s := newSession(cfg, logger)

	return &Transport{src: s, logger: logger}, s.close, nil
}
