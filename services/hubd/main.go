package hubd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"crosslend/config"
	"crosslend/observability/logging"
	telemetry "crosslend/observability/otel"
	"crosslend/services/internal/daemon"
)

// Main initialises and runs the hub daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "deploy/compose/hubd.yaml", "path to hubd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	network, err := config.LoadNetwork(cfg.NetworkPath)
	if err != nil {
		return fmt.Errorf("load network: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("CROSSLEND_ENV"))
	logger, logCloser := logging.SetupWithFile("hubd", env, cfg.Log)
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("hubd", env, network.Hub.Domain))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	node, err := Build(cfg, network, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	handler, err := node.Router()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go node.Run(ctx)
	logger.Info("hub ready",
		slog.String("network", network.Name),
		slog.Uint64("domain", network.Hub.Domain),
		slog.Int("spokes", len(network.Spokes)))
	return daemon.Serve(ctx, daemon.NewServer(cfg.ListenAddress, handler), logger)
}
