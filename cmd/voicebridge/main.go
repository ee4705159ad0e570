package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxlabs/voicebridge/pkg/configutil"
	"github.com/voxlabs/voicebridge/pkg/gateway"
	"github.com/voxlabs/voicebridge/pkg/transports/mediaws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	var transportCfg mediaws.Config
	if err := configutil.DecodeSettings(cfg.Transport.Settings, &transportCfg); err != nil {
		return fmt.Errorf("transport settings: %w", err)
	}
	transport := mediaws.New(transportCfg)

	engine, err := gateway.NewEngine(gateway.EngineOptions{
		Config:    cfg,
		Transport: transport,
	})
	if err != nil {
		return err
	}
	transport.SetMonitor(engine.Hub())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("signal_received", "message", "shutting down")
	return engine.Stop()
}
