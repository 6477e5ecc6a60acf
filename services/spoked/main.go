package spoked

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

// Main initialises and runs the spoke daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "deploy/compose/spoked.yaml", "path to spoked configuration")
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
	logger, logCloser := logging.SetupWithFile("spoked", env, cfg.Log)
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("spoked", env, cfg.Domain))
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
	logger.Info("spoke ready", slog.Uint64("domain", cfg.Domain), slog.String("network", network.Name))
	return daemon.Serve(ctx, daemon.NewServer(cfg.ListenAddress, handler), logger)
}
