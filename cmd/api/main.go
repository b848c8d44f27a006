package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/yudhapratama/go-apparel-orders.git/internal/catalog"
	"github.com/yudhapratama/go-apparel-orders.git/internal/config"
	"github.com/yudhapratama/go-apparel-orders.git/internal/httpx"
	kafkax "github.com/yudhapratama/go-apparel-orders.git/internal/kafka"
	"github.com/yudhapratama/go-apparel-orders.git/internal/orders"
	"github.com/yudhapratama/go-apparel-orders.git/internal/payments"
	"github.com/yudhapratama/go-apparel-orders.git/internal/postgres"
	"github.com/yudhapratama/go-apparel-orders.git/internal/redisx"
	"github.com/yudhapratama/go-apparel-orders.git/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers, one per lifecycle topic
	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024)
	pCreated.Start(ctx)
	pPaid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024)
	pPaid.Start(ctx)
	pCancelled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 1024)
	pCancelled.Start(ctx)
	pRejected := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStockRejected, 1024)
	pRejected.Start(ctx)

	// Core wiring
	ledger := &catalog.Ledger{DB: db}
	repo := &orders.Repo{DB: db}
	coord := &orders.Coordinator{
		Ledger:            ledger,
		Store:             repo,
		ProducerCreated:   pCreated,
		ProducerRejected:  pRejected,
		ProducerCancelled: pCancelled,
		Service:           cfg.ServiceName,
		Logger:            logger,
	}
	gateway := &payments.Gateway{
		Secret:   []byte(cfg.PaymentSecret),
		Confirms: &payments.Repo{DB: db},
		Placer:   coord,
		Orders:   repo,
		Redis:    rdb,
		Producer: pPaid,
		Service:  cfg.ServiceName,
		Logger:   logger,
	}

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{Core: coord, Repo: repo, Catalog: ledger, Redis: rdb}
	oh.Register(router)
	ph := &httpx.PaymentsHandler{Gateway: gateway}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	for _, p := range []*kafkax.Producer{pCreated, pPaid, pCancelled, pRejected} {
		p.Close() // close inbox -> flush & close writer
	}
	cancel() // stop producer loops
	for _, p := range []*kafkax.Producer{pCreated, pPaid, pCancelled, pRejected} {
		p.WaitClosed()
	}
}
