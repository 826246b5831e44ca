// Package main is the entry point for the mirai home automation
// runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lukepetko/mirai/internal/buildinfo"
	"github.com/lukepetko/mirai/internal/config"
	"github.com/lukepetko/mirai/internal/runtime"

	_ "github.com/lukepetko/mirai/internal/automations"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log level", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting mirai",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"ha_host", cfg.HomeAssistant.Host,
		"mqtt_configured", cfg.MQTT.Configured(),
		"data_dir", cfg.DataDir,
		"timezone", cfg.Timezone,
	)

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("runtime stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("mirai stopped")
}
