package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/dispatcher"
	"github.com/crucible-run/crucible/internal/lifecycle"
	"github.com/crucible-run/crucible/internal/observability"
	"github.com/crucible-run/crucible/internal/queue"
	"github.com/crucible-run/crucible/internal/sandbox"
	"github.com/crucible-run/crucible/internal/scaffold"
	"github.com/crucible-run/crucible/internal/store"
)

func main() {
	_ = godotenv.Load()

	var cfg dispatcher.Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	var sandboxCfg sandbox.Config
	if err := envconfig.Process("", &sandboxCfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.WorkerID = cfg.ResolveWorkerID()

	log, _ := observability.NewLogger(cfg.LogLevel)
	defer log.Sync()
	log = log.With(zap.String("worker_id", cfg.WorkerID))

	reg := prometheus.DefaultRegisterer
	observability.RegisterAll(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}

	q, err := queue.New(cfg.RedisAddr, cfg.QueueKey, log)
	if err != nil {
		log.Fatal("queue connect failed", zap.Error(err))
	}
	defer q.Close()

	if err := os.MkdirAll(cfg.ScaffoldRoot, 0o755); err != nil {
		log.Fatal("scaffold root unavailable", zap.Error(err))
	}

	// Metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	svc := lifecycle.NewService(store.New(pool), q, log)

	// Expiration sweep runs beside the consume loop; it is the only path
	// that expires tasks a crashed worker never reports back.
	sweeper := lifecycle.NewSweeper(svc, cfg.SweepInterval, log)
	go sweeper.Run(ctx)

	d := dispatcher.New(
		svc,
		q,
		scaffold.New(cfg.ScaffoldRoot, log),
		sandbox.New(sandboxCfg, log),
		cfg.WorkerID,
		log,
	)
	if err := d.Run(ctx); err != nil {
		log.Fatal("dispatcher failed", zap.Error(err))
	}
}
