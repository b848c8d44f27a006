package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yudhapratama/go-apparel-orders.git/internal/config"
	kafkax "github.com/yudhapratama/go-apparel-orders.git/internal/kafka"
	"github.com/yudhapratama/go-apparel-orders.git/internal/orders"
	"github.com/yudhapratama/go-apparel-orders.git/internal/redisx"
	"github.com/yudhapratama/go-apparel-orders.git/internal/worker"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName+"-worker").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &worker.Service{
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-worker",
		Logger:      logger,
	}

	group := getenv("WORKER_GROUP", "status-cache")
	workers := mustAtoi(os.Getenv("WORKER_CONCURRENCY"), "4")

	topics := []string{orders.TopicOrderCreated, orders.TopicOrderPaid, orders.TopicOrderCancelled}
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		t := topic
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, t, workers)
		g.Go(func() error {
			logger.Info().Str("topic", t).Str("group", group).Int("workers", workers).Msg("consumer started")
			return cons.Start(gctx, svc.HandleOrderEvent)
		})
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info().Msg("shutting down consumers...")
		cancel()
	}()

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("consumer exit")
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
