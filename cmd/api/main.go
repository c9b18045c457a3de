package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallet-ledger/internal/cache"
	"wallet-ledger/internal/config"
	"wallet-ledger/internal/httpapi"
	"wallet-ledger/internal/ledger"
	"wallet-ledger/internal/messaging"
	"wallet-ledger/internal/store"

	"go.uber.org/zap"
)

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	log, err := newLogger(cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	maxConns := cfg.PoolSize()
	log.Info("startup begin",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("migrate", cfg.DBMigrate),
		zap.Int32("maxConns", maxConns),
	)

	// Startup context
	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	pool, err := store.OpenPool(startCtx, cfg.DBDSN, maxConns)
	if err != nil {
		log.Fatal("startup db", zap.Error(err))
	}
	defer pool.Close()

	if cfg.DBMigrate {
		applied, err := store.Migrate(startCtx, pool)
		if err != nil {
			log.Fatal("startup migrations failed", zap.Error(err))
		}
		log.Info("startup migrations complete", zap.Strings("applied", applied))
	} else {
		log.Info("startup migrations disabled")
	}

	var opts []ledger.Option
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewClient(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("startup redis unavailable, replay cache off", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			defer rdb.Close()
			opts = append(opts, ledger.WithReplayCache(cache.New(rdb, cfg.IdemCacheTTL, log.Named("cache"))))
			log.Info("startup replay cache", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.IdemCacheTTL))
		}
	}

	var pub ledger.Publisher = messaging.NopPublisher{}
	if cfg.BusDisabled {
		log.Warn("startup bus disabled, events are not published")
	} else {
		if err := messaging.EnsureTopics(startCtx, cfg.KafkaBrokers, cfg.Topics()...); err != nil {
			log.Fatal("startup kafka topics", zap.Error(err))
		}
		w := messaging.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, log.Named("kafka"))
		defer w.Close()
		pub = messaging.NewPublisher(w, log.Named("publisher"))
		log.Info("startup kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	l := ledger.New(store.New(pool), pub, log.Named("ledger"), opts...)
	h := httpapi.NewHandlers(l, log.Named("http"))

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, cfg.HTTPMaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Info("startup ready",
		zap.Duration("took", time.Since(start).Truncate(time.Millisecond)),
		zap.String("addr", cfg.HTTPAddr),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}
