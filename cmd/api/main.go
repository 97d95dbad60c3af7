package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chakulahq/chakula-backend/api/routes"
	"github.com/chakulahq/chakula-backend/internal/orders"
	"github.com/chakulahq/chakula-backend/internal/payments"
	mpesawebhook "github.com/chakulahq/chakula-backend/internal/webhooks/mpesa"
	"github.com/chakulahq/chakula-backend/pkg/config"
	"github.com/chakulahq/chakula-backend/pkg/db"
	"github.com/chakulahq/chakula-backend/pkg/instance"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/metrics"
	"github.com/chakulahq/chakula-backend/pkg/migrate"
	"github.com/chakulahq/chakula-backend/pkg/mpesa"
	"github.com/chakulahq/chakula-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	// Redis only backs the order sequence and the callback burst guard, both
	// of which degrade without it.
	var (
		redisPinger redis.Pinger
		sequencer   redis.Sequencer
		dedupe      redis.IdempotencyStore
	)
	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Warn(context.Background(), "redis unavailable, order sequence falls back to the database")
	} else {
		redisPinger = redisClient
		sequencer = redisClient
		dedupe = redisClient
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	}

	paymentMetrics := metrics.NewPaymentMetrics(prometheus.DefaultRegisterer)

	gateway, err := mpesa.NewClient(cfg.Mpesa)
	if err != nil {
		logg.Error(context.Background(), "failed to create mpesa client", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	ordersSvc, err := orders.NewService(orders.ServiceParams{
		Repo:        ordersRepo,
		Tx:          dbClient,
		Sequencer:   sequencer,
		Logger:      logg,
		CountryCode: cfg.Mpesa.CountryCode,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	paymentsRepo := payments.NewRepository(dbClient.DB())
	paymentsSvc, err := payments.NewService(payments.ServiceParams{
		Repo:        paymentsRepo,
		OrdersRepo:  ordersRepo,
		Tx:          dbClient,
		Gateway:     gateway,
		Logger:      logg,
		Metrics:     paymentMetrics,
		CountryCode: cfg.Mpesa.CountryCode,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payments service", err)
		os.Exit(1)
	}

	poller, err := payments.NewPoller(payments.PollerParams{
		Payments: paymentsSvc,
		Repo:     paymentsRepo,
		Gateway:  gateway,
		Logger:   logg,
		Metrics:  paymentMetrics,
		Interval: cfg.Poller.Interval,
		Window:   cfg.Poller.Window,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create status poller", err)
		os.Exit(1)
	}

	watchedPayments, err := payments.NewWatchedService(paymentsSvc, poller, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create watched payments service", err)
		os.Exit(1)
	}

	webhookSvc, err := mpesawebhook.NewService(mpesawebhook.ServiceParams{
		Payments: paymentsSvc,
		Repo:     paymentsRepo,
		Dedupe:   dedupe,
		Logger:   logg,
		Metrics:  paymentMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisPinger, ordersSvc, watchedPayments, webhookSvc),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
