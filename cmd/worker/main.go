package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/EastsCloud/property-management/internal/app"
	"github.com/EastsCloud/property-management/internal/billing"
	jobmetrics "github.com/EastsCloud/property-management/internal/jobs"
	"github.com/EastsCloud/property-management/internal/observability"
	"github.com/EastsCloud/property-management/internal/platform/cache"
	"github.com/EastsCloud/property-management/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if cfg.RedisAddr == "" {
		logger.Error("worker requires REDIS_ADDR")
		os.Exit(1)
	}

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	if server := newMetricsServer(cfg.WorkerMetricsAddr, metrics.Handler()); server != nil {
		go func() {
			logger.Info("serving worker metrics", slog.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	serviceCfg := billing.ServiceConfig{
		Logger:       logger,
		Metrics:      metrics,
		OverdueGrace: cfg.OverdueGrace,
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		// sweeps and repairs must invalidate the API's cached summary
		serviceCfg.Cache = billing.NewRedisSummaryCache(redisClient, cfg.SummaryCacheTTL)
	}
	service := billing.NewService(store, serviceCfg)

	billingJobs := jobs.NewBillingJobs(service, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	cron, err := cronRegistrations(cfg)
	if err != nil {
		logger.Error("build cron tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  billingJobs.Handlers(),
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("overdue_cron", cfg.OverdueCron), slog.String("audit_cron", cfg.AuditCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// newMetricsServer exposes the worker's registry on addr; an empty addr disables it.
func newMetricsServer(addr string, handler http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// cronRegistrations schedules the sweep and the audit; an empty cron expression leaves a job unscheduled.
func cronRegistrations(cfg *app.Config) ([]jobs.CronRegistration, error) {
	var out []jobs.CronRegistration
	if cfg.OverdueCron != "" {
		task, err := jobs.NewOverdueSweepTask(time.Time{})
		if err != nil {
			return nil, err
		}
		out = append(out, jobs.CronRegistration{Spec: cfg.OverdueCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}
	if cfg.AuditCron != "" {
		task, err := jobs.NewAuditTask(false)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs.CronRegistration{Spec: cfg.AuditCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}
	return out, nil
}
