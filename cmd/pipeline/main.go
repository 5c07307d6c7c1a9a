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
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"notifyd/internal/channels"
	"notifyd/internal/config"
	"notifyd/internal/domain"
	"notifyd/internal/httpserver"
	"notifyd/internal/logging"
	"notifyd/internal/observability"
	"notifyd/internal/poller"
	"notifyd/internal/providers/sendgrid"
	"notifyd/internal/providers/twilio"
	"notifyd/internal/queue/redisq"
	"notifyd/internal/store/pg"
	workerpool "notifyd/internal/worker"
)

func main() {
	cfg := config.LoadPipeline()
	logging.Init("pipeline", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("pipeline db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)
	dbStore.StaleAfter = mustDuration("CLAIM_STALE_AFTER", cfg.ClaimStaleAfter)

	rdb := r.NewClient(&r.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queue := redisq.New(rdb)
	defer queue.Close()

	// fail fast on unreachable store or queue substrate
	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if err := queue.Ping(startupCtx); err != nil {
		slog.Error("redis not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	pollInterval := mustDuration("POLL_INTERVAL", cfg.PollInterval)
	dispatchTimeout := mustDuration("DISPATCH_TIMEOUT", cfg.DispatchTimeout)
	retryBase := mustDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	retryMax := mustDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	var urgentBase time.Duration
	if cfg.UrgentRetryBase != "" {
		urgentBase = mustDuration("URGENT_RETRY_BASE_DELAY", cfg.UrgentRetryBase)
	}

	registry := channels.NewRegistry()
	emailSender := &sendgrid.Client{
		APIKey:    cfg.SendgridAPIKey,
		FromEmail: cfg.SendgridFrom,
		BaseURL:   cfg.SendgridBaseURL,
		HTTP:      &http.Client{Timeout: dispatchTimeout},
	}
	messageSender := &twilio.Client{
		AccountSID:     cfg.TwilioAccountSID,
		AuthToken:      cfg.TwilioAuthToken,
		FromNumber:     cfg.TwilioFromNumber,
		WhatsAppNumber: cfg.TwilioWhatsAppNumber,
		BaseURL:        cfg.TwilioBaseURL,
		HTTP:           &http.Client{Timeout: dispatchTimeout},
	}
	registry.Register("email", &channels.EmailDispatcher{Sender: emailSender, Directory: dbStore})
	registry.Register("sms", &channels.SMSDispatcher{Sender: messageSender, Directory: dbStore})
	registry.Register("whatsapp", &channels.SMSDispatcher{Sender: messageSender, Directory: dbStore, WhatsApp: true})
	registry.Register("push", &channels.PushDispatcher{})

	// one breaker per provider: a SendGrid outage must not stall SMS and
	// the stubbed push channel never trips anything
	twilioBreaker := workerpool.ProviderBreaker("twilio")
	breakers := map[domain.DeliveryMethod]*gobreaker.CircuitBreaker{
		domain.MethodEmail:    workerpool.ProviderBreaker("sendgrid"),
		domain.MethodSMS:      twilioBreaker,
		domain.MethodWhatsApp: twilioBreaker,
	}

	pool := &workerpool.Pool{
		Store:    dbStore,
		Queue:    queue,
		Registry: registry,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.DispatchRPS), cfg.DispatchBurst),
		Breakers: breakers,
		Retry: workerpool.RetryPolicy{
			MaxAttempts:       cfg.MaxAttempts,
			BaseDelay:         retryBase,
			MaxDelay:          retryMax,
			UrgentMaxAttempts: cfg.UrgentMaxAttempts,
			UrgentBaseDelay:   urgentBase,
		},
		Concurrency:     cfg.WorkerConcurrency,
		DispatchTimeout: dispatchTimeout,
	}

	jobPoller := &poller.Poller{
		Store:    dbStore,
		Queue:    queue,
		Interval: pollInterval,
		Batch:    cfg.PollBatch,
	}

	// health server
	s := httpserver.New()
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error { return queue.Ping(c) },
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(httpserver.RequestMetrics(s.Mux))}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("pipeline health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("pipeline metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("poller starting", "interval", pollInterval, "batch", cfg.PollBatch)
		pollErrCh <- jobPoller.Run(ctx)
	}()

	// delayed-retry mover: promotes due retries back onto their tier
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := queue.MoveDue(ctx, time.Now(), 100); err != nil && ctx.Err() == nil {
					slog.Error("delayed move failed", "err", err)
				}
			}
		}
	}()

	// queue depth gauges
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depths, err := queue.Depths(ctx); err == nil {
					for tier, n := range depths {
						observability.QueueDepth.WithLabelValues(tier).Set(float64(n))
					}
				}
			}
		}
	}()

	workerErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker pool starting", "concurrency", cfg.WorkerConcurrency, "rps", cfg.DispatchRPS)
		workerErrCh <- pool.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("poller failed", "err", err)
			os.Exit(1)
		}
	case err := <-workerErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker pool failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("pipeline shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	// drain: workers finish the dispatch in hand, then Run returns
	select {
	case <-workerErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("pipeline shutdown timeout waiting for workers")
	}
}

func mustDuration(name, raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Error("invalid duration config", "name", name, "value", raw, "err", err)
		os.Exit(1)
	}
	return d
}
