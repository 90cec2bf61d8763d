package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/quillchat/quill/internal/chat"
	"github.com/quillchat/quill/internal/monitoring"
	"github.com/quillchat/quill/internal/web"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	core := chat.NewServer(chat.Options{
		Logger:         logger,
		CommandMailbox: cfg.CommandMailbox,
		ChannelMailbox: cfg.ChannelMailbox,
		SinkBuffer:     cfg.SinkBuffer,
	})

	facade := web.NewServer(core, web.Config{
		Addr:                 cfg.Addr,
		MaxConnections:       cfg.MaxConnections,
		SendBuffer:           cfg.SendBuffer,
		PublishRate:          cfg.PublishRate,
		PublishBurst:         cfg.PublishBurst,
		ConnRateLimitEnabled: cfg.ConnRateLimitEnabled,
		ConnRateLimitIPBurst: cfg.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:  cfg.ConnRateLimitIPRate,
		ConnRateLimitBurst:   cfg.ConnRateLimitBurst,
		ConnRateLimitRate:    cfg.ConnRateLimitRate,
		MetricsInterval:      cfg.MetricsInterval,
	}, logger)

	if err := facade.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := facade.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	core.Close()
}
