package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/bootstrap"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/config"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/queue"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/storage"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/loader"
	ioloader "github.com/OFFIS-RIT/kiwi/grounding/pkg/loader/io"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// logger
	log, syncLog, err := bootstrap.NewLogger(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer syncLog()
	logger.Init(log)

	engine, err := bootstrap.NewEngine(ctx, cfg, log)
	if err != nil {
		logger.Fatal("Could not build engine", "err", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Error("Failed to close engine", "err", err)
		}
	}()

	// s3 is optional; without a bucket only local messages are served
	var s3Loader loader.GraphFileLoader
	if cfg.S3.Enabled() {
		bucket, err := storage.Open(ctx, cfg.S3)
		if err != nil {
			logger.Fatal("Could not create S3 client", "err", err)
		}
		s3Loader = bucket.Loader()
	}

	// rabbitmq
	conn, err := queue.Connect(cfg.RabbitMQ)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.IngestQueue); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	var locker queue.Locker
	if engine.Locks != nil {
		locker = engine.Locks
	} else {
		logger.Warn("DATABASE_URL not set, sources are not leased across workers")
	}

	handler := queue.NewHandler(queue.NewHandlerParams{
		Ingester:  engine.Client,
		Locker:    locker,
		Local:     ioloader.NewIOGraphFileLoader(),
		S3:        s3Loader,
		Publisher: ch,
		Logger:    log,
		OnHandled: func(ev queue.RunEvent, took time.Duration) {
			metrics := engine.AI.GetMetrics()
			logger.Info(
				"AI Metrics",
				"input_tokens", metrics.InputTokens,
				"output_tokens", metrics.OutputTokens,
				"total_tokens", metrics.TotalTokens,
				"duration", clock(time.Duration(metrics.DurationMs)*time.Millisecond),
			)
			logger.Info("Processing time", "status", ev.Status, "duration", clock(took))
			engine.AI.ResetMetrics()
		},
	})

	if err := handler.Consume(ctx, consumerCh); err != nil {
		logger.Fatal("Consumer stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
