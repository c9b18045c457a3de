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

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/messaging"
	"wallet-ledger/internal/projector"
	"wallet-ledger/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if cfg.BusDisabled {
		fmt.Fprintln(os.Stderr, "worker: LEDGER_BUS_DISABLED is set, nothing to consume")
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
		zap.String("topic", cfg.KafkaTopic),
		zap.String("group", cfg.KafkaGroup),
		zap.Int32("maxConns", maxConns),
	)

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
	}

	if err := messaging.EnsureTopics(startCtx, cfg.KafkaBrokers, cfg.Topics()...); err != nil {
		log.Fatal("startup kafka topics", zap.Error(err))
	}

	proj := projector.New(store.New(pool), log.Named("projector"),
		projector.WithLargeWithdrawal(cfg.FraudLargeWithdrawal),
	)

	kafkaLog := log.Named("kafka")
	reader := messaging.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, kafkaLog)
	dlqWriter := messaging.NewWriter(cfg.KafkaBrokers, cfg.KafkaDLQTopic, kafkaLog)
	dlqReader := messaging.NewReader(cfg.KafkaBrokers, cfg.KafkaDLQTopic, cfg.KafkaGroup+".dlq-monitor", kafkaLog)

	consumer := messaging.NewConsumer(reader, dlqWriter, proj, cfg.KafkaTopic, log.Named("consumer"),
		messaging.WithFailureRecorder(proj),
	)
	monitor := messaging.NewDeadLetterMonitor(dlqReader, log.Named("dlq"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info("startup ready", zap.String("metrics", cfg.MetricsAddr))

	err = g.Wait()

	for name, c := range map[string]interface{ Close() error }{
		"reader":     reader,
		"dlq writer": dlqWriter,
		"dlq reader": dlqReader,
	} {
		if cerr := c.Close(); cerr != nil {
			log.Warn("close "+name, zap.Error(cerr))
		}
	}

	if err != nil {
		log.Error("worker stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
