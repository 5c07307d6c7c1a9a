package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"

	"notifyd/internal/config"
	"notifyd/internal/httpserver"
	"notifyd/internal/logging"
	"notifyd/internal/observability"
	"notifyd/internal/providers/sendgrid"
	"notifyd/internal/queue/redisq"
	"notifyd/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publicKey, err := sendgrid.ParsePublicKey(cfg.SendgridWebhookPublicKey)
	if err != nil {
		slog.Error("webhook public key invalid", "err", err)
		os.Exit(1)
	}

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)

	rdb := r.NewClient(&r.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queue := redisq.New(rdb)
	defer queue.Close()

	observability.Register(prometheus.DefaultRegisterer)

	s := httpserver.New()
	wh := &httpserver.Webhook{Store: dbStore, PublicKey: publicKey}
	wh.Register(s.Mux)
	metrics := &httpserver.Metrics{Store: dbStore, Queue: queue}
	metrics.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(httpserver.RequestMetrics(s.Mux))}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	go func() {
		slog.Info("webhook metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
