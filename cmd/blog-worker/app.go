package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/next-trace/scg-rpc-bus/config"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/internal/bootstrap"
	"github.com/next-trace/scg-rpc-bus/observability"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Auth.SharedSecret == "" {
		logger.Warn("auth.shared_secret is empty, every request will be refused")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("blog-worker starting",
		zap.String("app", cfg.AppName),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("ledger", cfg.Ledger.Kind),
		zap.String("request_queue", cfg.Topology.RequestQueue),
	)

	transport, closeTransport, err := bootstrap.Transport(cfg, logger)
	if err != nil {
		logger.Error("transport", zap.Error(err))
		return 1
	}
	defer closeTransport()

	ledger, closeLedger, err := bootstrap.Ledger(ctx, cfg.Ledger)
	if err != nil {
		logger.Error("ledger", zap.Error(err))
		return 1
	}
	defer closeLedger()

	exec, closeExec, err := bootstrap.Executor(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Error("executor", zap.Error(err))
		return 1
	}
	defer closeExec()

	dispatcher, err := servicebus.NewBlogDispatcher(exec, logger,
		servicebus.WithHandlerMiddleware(servicebus.LoggingMiddleware(logger)))
	if err != nil {
		logger.Error("dispatcher", zap.Error(err))
		return 1
	}

	consumerOpts, closeSink, err := bootstrap.ConsumerOptions(cfg)
	if err != nil {
		logger.Error("consumer options", zap.Error(err))
		return 1
	}
	defer closeSink()

	consumer, err := servicebus.NewConsumer(transport, dispatcher, ledger,
		rpc.StaticCredential(cfg.Auth.SharedSecret), logger, consumerOpts...)
	if err != nil {
		logger.Error("consumer", zap.Error(err))
		return 1
	}

	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
		return 1
	}

	logger.Info("blog-worker stopped")

	return 0
}
