package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/safar/go-sql-shop/internal/account"
	"github.com/safar/go-sql-shop/internal/api"
	"github.com/safar/go-sql-shop/internal/auth"
	"github.com/safar/go-sql-shop/internal/cache"
	"github.com/safar/go-sql-shop/internal/cart"
	"github.com/safar/go-sql-shop/internal/catalog"
	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/config"
	"github.com/safar/go-sql-shop/internal/database"
	"github.com/safar/go-sql-shop/internal/logging"
	"github.com/safar/go-sql-shop/internal/metrics"
	"github.com/safar/go-sql-shop/internal/outbox"
	"github.com/safar/go-sql-shop/internal/pricing"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	logger := logging.New(cfg.Log, os.Stdout)

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	logger.Info("connected to database")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			logger.WithError(err).Fatal("run migrations")
		}
	}

	var cartCache cache.CartCache = cache.Noop{}
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable, cart reads will fall through to postgres")
		}
		cartCache = cache.NewRedisCache(client, cfg.Redis.CartTTL)
	}

	m := metrics.New()
	carts := cart.NewService(db, cartCache, logger)
	orders := checkout.NewService(db,
		pricing.Policy{ShippingCost: cfg.Checkout.ShippingCost, TaxRate: cfg.Checkout.TaxRate},
		checkout.WithTxTimeout(cfg.Checkout.TxTimeout),
		checkout.WithMaxRetries(cfg.Checkout.MaxRetries),
		checkout.WithEventTopic(cfg.Kafka.Topic),
		checkout.WithCartInvalidator(carts),
		checkout.WithObserver(m),
		checkout.WithLogger(logger),
	)

	router := api.NewRouter(api.Deps{
		Carts:          carts,
		Orders:         orders,
		Catalog:        catalog.NewService(db),
		Accounts:       account.NewService(db),
		Auth:           auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL),
		DB:             db,
		Log:            logger,
		Metrics:        m,
		MetricsHandler: m.Handler(),
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Kafka.Enabled() {
		relay := outbox.NewRelay(db, outbox.NewKafkaWriter(cfg.Kafka.Brokers), outbox.Config{
			PollInterval: cfg.Kafka.PollInterval,
			BatchSize:    cfg.Kafka.BatchSize,
		}, logger, m)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer relay.Close()
			relay.Run(ctx)
		}()
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("outbox relay started")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	wg.Wait()
}
