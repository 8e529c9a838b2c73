// Package app wires the job engine's components from configuration. Both
// binaries build the same graph; only their entrypoints differ.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"marketpulse/internal/analytics"
	"marketpulse/internal/billing"
	"marketpulse/internal/config"
	"marketpulse/internal/db"
	"marketpulse/internal/executor"
	"marketpulse/internal/external"
	"marketpulse/internal/health"
	"marketpulse/internal/jobs"
	"marketpulse/internal/queue"
	"marketpulse/internal/results"
	"marketpulse/internal/retry"
	"marketpulse/internal/schedule"
	"marketpulse/internal/tenants"
	"marketpulse/internal/types"
)

// App is the assembled engine.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Tasks      *db.TaskRepository
	JobLocks   *db.JobLockRepository
	JobHistory *db.JobHistoryRepository

	Schedules  *schedule.Service
	Dispatcher *schedule.Dispatcher
	Processor  *jobs.Processor
	Results    *results.Store
	Costs      *billing.CostReporter
	Analytics  *analytics.Service
	Metrics    jobs.Metrics
}

// NewLogger builds the JSON process logger at level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// LoadConfig resolves secrets for the current APP_ENV and loads config.
func LoadConfig() (*config.Config, error) {
	provider := config.DefaultProvider(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION"))
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// New connects to Postgres (and Redis when configured) and builds every
// component. Close releases the connections.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Pool: pool}

	awsCfg, err := loadAWS(ctx, cfg.AWS)
	if err != nil {
		pool.Close()
		return nil, err
	}

	a.Metrics = jobs.NoopMetrics{}
	if cfg.Observability.MetricsEnabled {
		a.Metrics = jobs.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace, types.NewSlogLogger(logger))
	}

	var cache tenants.Cache
	if cfg.Redis.Enabled() {
		a.Redis = tenants.NewRedisClient(cfg.Redis)
		cache = tenants.NewRedisCache(a.Redis)
	}

	// The loader refuses an empty queue outside local.
	var sender schedule.Sender
	if cfg.AWS.DeliveryQueueURL != "" {
		sender = queue.NewDeliverySender(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	} else {
		sender = queue.NewLocalSender(logger)
	}

	gen := external.NewGenerationClient(cfg.Generation, &http.Client{})
	costTable := billing.NewStaticCostTable()
	dispatch, err := executor.NewDispatcher(cfg.Generation.Timeout, logger,
		executor.NewGenerationExecutors(gen, costTable, logger)...)
	if err != nil {
		a.Close()
		return nil, err
	}

	scheduleRepo := db.NewScheduleRepository(pool)
	resultRepo := db.NewResultRepository(pool)
	a.Tasks = db.NewTaskRepository(pool)
	a.JobLocks = db.NewJobLockRepository(pool)
	a.JobHistory = db.NewJobHistoryRepository(pool)

	a.Schedules = schedule.NewService(scheduleRepo, retry.Policy{
		MaxRetries: cfg.Scheduler.ScheduleMaxRetries,
		Delay:      cfg.Scheduler.ScheduleRetryDelay,
	}, logger)
	a.Dispatcher = schedule.NewDispatcher(a.Schedules, sender, a.Metrics, cfg.Scheduler.Concurrency, logger)

	a.Results = results.NewStore(resultRepo)
	a.Processor = jobs.NewProcessor(jobs.Config{
		Tasks:    a.Tasks,
		Contexts: tenants.NewProvider(db.NewTenantRepository(pool), cache, cfg.Redis.ContextTTL, logger),
		Executor: dispatch,
		Results:  a.Results,
		Policy: retry.Policy{
			MaxRetries: cfg.Scheduler.TaskMaxRetries,
			Delay:      cfg.Scheduler.TaskRetryDelay,
		},
		Metrics:     a.Metrics,
		Concurrency: cfg.Scheduler.Concurrency,
		Logger:      logger,
	})
	a.Costs = billing.NewCostReporter(a.Tasks, resultRepo, costTable)
	a.Analytics = analytics.NewService(db.NewAnalyticsRepository(pool), logger)
	return a, nil
}

// Probes returns the readiness probes for the connected dependencies.
func (a *App) Probes() []health.Probe {
	probes := []health.Probe{health.PostgresProbe(a.Pool)}
	if a.Redis != nil {
		probes = append(probes, health.RedisProbe(a.Redis))
	}
	return probes
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("closing redis client", "error", err)
		}
	}
	a.Pool.Close()
}

func loadAWS(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config (region=%s): %w", c.Region, err)
	}
	if c.EndpointURL != "" {
		cfg.BaseEndpoint = aws.String(c.EndpointURL)
	}
	return cfg, nil
}
