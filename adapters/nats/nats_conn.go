package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// Concrete NATS connection-backed Conn and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	Topology      rpc.Topology
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) PublishMsg(m *nats.Msg) error {
	if err := c.nc.PublishMsg(m); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsConn) Subscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, cb)
}

// Dial creates a real NATS connection and returns a Transport and a cleanup.
func Dial(cfg Config, logger *zap.Logger) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrInvalidConfig)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Topology.RequestQueue == "" {
		cfg.Topology = rpc.DefaultTopology()
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrTransportClosed, err)
	}

	tr := New(natsConn{nc: nc}, cfg.Topology, logger)
	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return tr, cleanup, nil
}
