// Package bootstrap turns a loaded config into live collaborators for the binaries.
// Every constructor returns a cleanup that is safe to call once.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	"github.com/next-trace/scg-rpc-bus/adapters/kafka"
	"github.com/next-trace/scg-rpc-bus/adapters/memstore"
	"github.com/next-trace/scg-rpc-bus/adapters/nats"
	"github.com/next-trace/scg-rpc-bus/adapters/postgres"
	"github.com/next-trace/scg-rpc-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-rpc-bus/config"
	"github.com/next-trace/scg-rpc-bus/contract/blog"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/idempotency"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

func noop() {}

// Transport connects to the configured broker.
func Transport(cfg *config.Config, logger *zap.Logger) (rpc.Transport, func(), error) { //nolint:ireturn
	top := cfg.RPCTopology()

	switch cfg.Broker.Kind {
	case "rabbitmq":
		t, cleanup, err := rabbitmq.Dial(rabbitmq.Config{
			URL:         cfg.Broker.URL,
			ConnTimeout: cfg.Broker.ConnTimeout,
			Prefetch:    cfg.Broker.Prefetch,
			Topology:    top,
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		return t, cleanup, nil
	case "nats":
		t, cleanup, err := nats.Dial(nats.Config{
			URL:           cfg.Broker.URL,
			Name:          cfg.AppName,
			ConnTimeout:   cfg.Broker.ConnTimeout,
			MaxReconnects: cfg.Broker.MaxReconnects,
			Topology:      top,
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		return t, cleanup, nil
	case "memory":
		b := inmemory.New()
		b.DeclareTopology(top)

		return b, noop, nil
	default:
		return nil, nil, fmt.Errorf("%w: broker kind %q", berr.ErrInvalidConfig, cfg.Broker.Kind)
	}
}

// Ledger builds the idempotency ledger. The redis ledger is pinged before use.
func Ledger(ctx context.Context, cfg config.LedgerConfig) (rpc.Ledger, func(), error) { //nolint:ireturn
	switch cfg.Kind {
	case "memory":
		return idempotency.NewMemory(), noop, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
		}

		ledger := idempotency.NewRedis(rdb,
			idempotency.WithKeyPrefix(cfg.KeyPrefix),
			idempotency.WithTTL(cfg.TTL),
			idempotency.WithClaimTTL(cfg.ClaimTTL),
		)

		return ledger, func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: ledger kind %q", berr.ErrInvalidConfig, cfg.Kind)
	}
}

// Executor returns the Postgres executor when a DSN is configured and the in-memory store otherwise.
func Executor(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (blog.DomainExecutor, func(), error) { //nolint:ireturn
	if cfg.DSN == "" {
		logger.Warn("postgres dsn not set, entities are kept in memory")
		return memstore.New(), noop, nil
	}

	db, err := postgres.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}

	exec := postgres.NewExecutor(db, logger)

	if cfg.Migrate {
		if err := exec.Migrate(ctx); err != nil {
			_ = postgres.Close(db)
			return nil, nil, err
		}
	}

	return exec, func() { _ = postgres.Close(db) }, nil
}

// ConsumerOptions maps the consumer section and attaches the Kafka dead-letter mirror when brokers are set.
func ConsumerOptions(cfg *config.Config) ([]servicebus.ConsumerOption, func(), error) {
	opts := []servicebus.ConsumerOption{
		servicebus.WithTopology(cfg.RPCTopology()),
		servicebus.WithConcurrency(cfg.Consumer.Concurrency),
		servicebus.WithMaxRetries(cfg.Consumer.MaxRetries),
		servicebus.WithBaseDelay(cfg.Consumer.BaseDelay),
	}

	if cfg.Consumer.RatePerSecond > 0 {
		opts = append(opts, servicebus.WithRateLimit(cfg.Consumer.RatePerSecond, cfg.Consumer.Burst))
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return opts, noop, nil
	}

	sink, cleanup, err := kafka.NewWithKgo(kafka.Config{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.DeadLetterTopic,
		ClientID:    cfg.Kafka.ClientID,
		Acks:        cfg.Kafka.Acks,
		Compression: cfg.Kafka.Compression,
	})
	if err != nil {
		return nil, nil, err
	}

	return append(opts, servicebus.WithDeadLetterSink(sink)), cleanup, nil
}

// ClientOptions maps the client and topology sections.
func ClientOptions(cfg *config.Config) []servicebus.ClientOption {
	return []servicebus.ClientOption{
		servicebus.WithRequestQueue(cfg.Topology.RequestQueue),
		servicebus.WithResponseQueue(cfg.Topology.ResponseQueue),
		servicebus.WithTimeout(cfg.Client.Timeout),
	}
}
