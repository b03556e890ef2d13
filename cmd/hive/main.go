package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidra-labs/taskhive/internal/api"
	"github.com/nidra-labs/taskhive/internal/config"
	"github.com/nidra-labs/taskhive/internal/eventstream"
	"github.com/nidra-labs/taskhive/internal/history"
	"github.com/nidra-labs/taskhive/internal/notify"
	"github.com/nidra-labs/taskhive/internal/orchestrator"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting TaskHive...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/hive.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize orchestrator
	orch := orchestrator.New(orchestrator.Options{
		DefaultTaskTimeout: cfg.Orchestrator.DefaultTimeout(),
		DefaultStrategy:    orchestrator.Strategy(cfg.Orchestrator.DefaultStrategy),
		SkipBlocked:        cfg.Orchestrator.SkipBlocked,
	}, logger)

	// Optional Redis event stream
	var stream *eventstream.Publisher
	if cfg.Database.Redis.URL != "" {
		stream, err = eventstream.NewPublisher(cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			orch.Subscribe(stream.Observer())
			logger.Info("Event stream initialized")
		}
	}

	// Optional PostgreSQL event archive
	var archive *history.Archive
	if cfg.Database.Postgres.DSN != "" {
		archive, err = history.New(context.Background(), cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without event archive", zap.Error(err))
		} else {
			orch.Subscribe(archive.Observer())
			logger.Info("Event archive initialized")
		}
	}

	// Optional chat notifications
	notifier := notify.NewManager(logger)
	if cfg.Notify.Slack.Enabled {
		sn, snErr := notify.NewSlackNotifier(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger)
		if snErr != nil {
			logger.Warn("Slack notifier disabled", zap.Error(snErr))
		} else {
			notifier.Register(sn)
		}
	}
	if cfg.Notify.Discord.Enabled {
		dn, dnErr := notify.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dnErr != nil {
			logger.Warn("Discord notifier disabled", zap.Error(dnErr))
		} else {
			notifier.Register(dn)
		}
	}
	orch.Subscribe(notifier.Observer())

	// Build HTTP handler
	handler := api.NewHandler(orch, api.NewExecutorFactory(), logger)

	// Start server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("TaskHive listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down TaskHive...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	notifier.Close()
	if archive != nil {
		archive.Close()
	}
	if stream != nil {
		stream.Close()
	}
}
