// Command blog-call issues one RPC call against a running blog-worker and prints the response envelope.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/next-trace/scg-rpc-bus/config"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/internal/bootstrap"
	"github.com/next-trace/scg-rpc-bus/observability"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	action := flag.String("action", "", "action to call: "+strings.Join(rpc.Actions(), "|"))
	data := flag.String("data", "{}", "JSON payload for the action")
	auth := flag.String("auth", "", "shared secret (defaults to auth.shared_secret)")
	timeout := flag.Duration("timeout", 0, "call timeout (defaults to client.timeout)")
	flag.Parse()

	if *action == "" {
		flag.Usage()
		os.Exit(2)
	}

	if !json.Valid([]byte(*data)) {
		fatalf("-data is not valid JSON")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	if *timeout > 0 {
		cfg.Client.Timeout = *timeout
	}

	secret := cfg.Auth.SharedSecret
	if *auth != "" {
		secret = *auth
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	transport, closeTransport, err := bootstrap.Transport(cfg, logger)
	if err != nil {
		fatalf("transport: %v", err)
	}
	defer closeTransport()

	client, err := servicebus.NewClient(transport, logger, bootstrap.ClientOptions(cfg)...)
	if err != nil {
		fatalf("client: %v", err)
	}

	// the transport may still be connecting; leave room beyond the call timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout+cfg.Broker.ConnTimeout+time.Second)
	defer cancel()

	resp, err := client.Call(ctx, *action, json.RawMessage(*data), secret)
	if err != nil {
		logger.Error("call failed", zap.String("action", *action), zap.Error(err))
		closeTransport()
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fatalf("encode response: %v", err)
	}

	fmt.Println(string(out))

	if !resp.OK() {
		closeTransport()
		os.Exit(3)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
