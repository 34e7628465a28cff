package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/readwatch/offline-cache/internal/config"
	"github.com/readwatch/offline-cache/internal/proxy"
	"github.com/readwatch/offline-cache/internal/telemetry"
)

func main() {
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-print-config] [config.yaml]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	configPath := "configs/config.yaml"
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			logrus.Fatalf("Failed to render config: %v", err)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	if err := config.ConfigureLogging(cfg.Log); err != nil {
		logrus.Fatalf("Invalid log configuration: %v", err)
	}

	if err := run(configPath, cfg); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}

func run(configPath string, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logrus.Warnf("Failed to flush traces: %v", err)
		}
	}()

	server, err := proxy.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logrus.Warnf("Failed to close cache storage: %v", err)
		}
	}()

	watcher, err := config.Watch(configPath, func(next *config.Config) {
		if err := server.Reload(ctx, next); err != nil {
			logrus.Errorf("Failed to apply new configuration: %v", err)
		}
	})
	if err != nil {
		logrus.Warnf("Configuration hot reload disabled: %v", err)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	return server.Start(ctx)
}
