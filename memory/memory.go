// Package memory wires a complete blog RPC round trip inside one process:
// the in-memory broker, the in-memory entity store and a process-local ledger.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	"github.com/next-trace/scg-rpc-bus/adapters/memstore"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/idempotency"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

// Bus exposes every wired piece so tests and demos can inspect them.
type Bus struct {
	Broker   *inmemory.Broker
	Store    *memstore.Store
	Ledger   *idempotency.Memory
	Client   *servicebus.Client
	Consumer *servicebus.Consumer
	Blog     *servicebus.Blog
}

// New constructs the bus, starts its consumer, and returns a cleanup that stops
// the consumer and waits for in-flight deliveries.
func New(secret string, logger *zap.Logger, opts ...servicebus.ConsumerOption) (*Bus, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	broker := inmemory.New()
	broker.DeclareTopology(rpc.DefaultTopology())

	store := memstore.New()
	ledger := idempotency.NewMemory()

	dispatcher, err := servicebus.NewBlogDispatcher(store, logger)
	if err != nil {
		return nil, nil, err
	}

	consumer, err := servicebus.NewConsumer(broker, dispatcher, ledger, rpc.StaticCredential(secret), logger, opts...)
	if err != nil {
		return nil, nil, err
	}

	client, err := servicebus.NewClient(broker, logger)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := consumer.Run(ctx); err != nil {
			logger.Error("consumer stopped", zap.Error(err))
		}
	}()

	cleanup := func() {
		cancel()
		wg.Wait()
	}

	return &Bus{
		Broker:   broker,
		Store:    store,
		Ledger:   ledger,
		Client:   client,
		Consumer: consumer,
		Blog:     servicebus.NewBlog(client, secret),
	}, cleanup, nil
}
