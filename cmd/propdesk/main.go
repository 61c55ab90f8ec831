package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/EastsCloud/property-management/cmd/propdesk/cli"
	"github.com/EastsCloud/property-management/internal/app"
	"github.com/EastsCloud/property-management/internal/billing"
	"github.com/EastsCloud/property-management/internal/observability"
	"github.com/EastsCloud/property-management/internal/platform/cache"
	"github.com/EastsCloud/property-management/jobs"
)

const usage = `usage: propdesk [command]

commands:
  serve                          run the HTTP API (default)
  init-db [--drop] [--seed FILE] apply the schema and load seed data ("-" skips seeding)
  jobs trigger NAME              enqueue billing:overdue_sweep or billing:audit
  jobs audit [--repair]          enqueue a reconciliation audit
  jobs stats                     print queue statistics
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping propdesk startup")
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

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "init-db":
		os.Exit(initDB(ctx, cfg, logger, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "propdesk: unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := observability.NewMetrics()

	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	service := newBillingService(cfg, logger, store, redisClient, metrics)

	var inspector jobs.QueueInspector
	if redisClient != nil {
		asynqInspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() { _ = asynqInspector.Close() }()
		inspector = asynqInspector
	}

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Billing: billing.NewHandler(logger, service),
		Jobs:    jobs.NewHandler(inspector, logger),
		Metrics: metrics,
		Health:  store.Ping,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", string(store.Driver)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func initDB(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("init-db", flag.ContinueOnError)
	drop := fs.Bool("drop", false, "drop and recreate every table")
	seedFile := fs.String("seed", "", "YAML seed file; \"-\" skips seeding")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", slog.Any("error", err))
		return 1
	}
	defer store.Close()

	service := billing.NewService(store, billing.ServiceConfig{Logger: logger, OverdueGrace: cfg.OverdueGrace})
	return cli.InitDBCommand(ctx, store, service, cli.InitDBOptions{Drop: *drop, SeedFile: *seedFile})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	opts := cli.JobsOptions{Action: args[0]}
	fs := flag.NewFlagSet("jobs "+args[0], flag.ContinueOnError)
	repair := fs.Bool("repair", false, "reconcile drifting invoices")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	opts.Repair = *repair
	if opts.Action == "trigger" {
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "jobs trigger: job name required")
			return 2
		}
		opts.Job = fs.Arg(0)
	}
	if cfg.RedisAddr == "" {
		fmt.Fprintln(os.Stderr, "jobs: REDIS_ADDR is not configured")
		return 1
	}

	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() { _ = jobsCLI.Close() }()
	return jobsCLI.JobsCommand(ctx, opts)
}

// connectRedis returns nil when Redis is not configured or unreachable; the API then runs uncached.
func connectRedis(ctx context.Context, cfg *app.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, summary cache disabled", slog.Any("error", err))
		return nil
	}
	return client
}

func newBillingService(cfg *app.Config, logger *slog.Logger, store billing.Repository, redisClient *redis.Client, metrics *observability.Metrics) *billing.Service {
	serviceCfg := billing.ServiceConfig{
		Logger:       logger,
		Metrics:      metrics,
		OverdueGrace: cfg.OverdueGrace,
	}
	if redisClient != nil {
		serviceCfg.Cache = billing.NewRedisSummaryCache(redisClient, cfg.SummaryCacheTTL)
	}
	return billing.NewService(store, serviceCfg)
}
