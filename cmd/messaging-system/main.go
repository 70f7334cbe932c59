// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	adminapi "github.com/kcenon/messaging-system-sub004/internal/admin-api"
	ratelimiting "github.com/kcenon/messaging-system-sub004/internal/advanced-rate-limiting"
	"github.com/kcenon/messaging-system-sub004/internal/bus"
	"github.com/kcenon/messaging-system-sub004/internal/config"
	"github.com/kcenon/messaging-system-sub004/internal/container"
	eventhooks "github.com/kcenon/messaging-system-sub004/internal/event-hooks"
	"github.com/kcenon/messaging-system-sub004/internal/jobqueue"
	"github.com/kcenon/messaging-system-sub004/internal/obs"
	"github.com/kcenon/messaging-system-sub004/internal/reaper"
	"github.com/kcenon/messaging-system-sub004/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var benchCount int
	var benchRate int
	var benchPriority string
	var benchTimeout time.Duration
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|worker|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq|purge-all|bench|stats-keys")
	fs.StringVar(&adminQueue, "queue", "main", "Queue name for admin peek (main|dead)")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: enqueue rate jobs/sec")
	fs.StringVar(&benchPriority, "bench-priority", "high", "Admin bench: priority (high|low)")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: timeout to wait for completion")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	mainQueue := buildQueue(cfg.Bus.Queue)
	deadQueue := jobqueue.NewMutexQueue(0)

	msgBus := bus.New(cfg.Bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgBus.Start(ctx)
	defer msgBus.Stop()

	pool := worker.New(cfg.Pool, cfg.CircuitBreaker, mainQueue, deadQueue, logger)
	rep := reaper.New(cfg.Reaper, pool, mainQueue, logger)

	var hooks *eventhooks.Manager
	if cfg.EventHooks.Enabled {
		hooks, err = eventhooks.NewManager(cfg.EventHooks, slog.Default())
		if err != nil {
			logger.Fatal("failed to init event hooks", obs.Err(err))
		}
		if err := hooks.Start(); err != nil {
			logger.Fatal("failed to start event hooks", obs.Err(err))
		}
		defer hooks.Stop()
	}

	limiter := ratelimiting.NewRateLimiter(logger, ratelimiting.DefaultConfig())

	if role != "admin" {
		readyCheck := func(context.Context) error { return nil }
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()

		obs.StartQueueLengthUpdater(ctx, cfg, map[string]obs.SizeFunc{
			"main": mainQueue.Size,
			"dead": deadQueue.Size,
		}, logger)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	var adminSrv *adminapi.Server
	if cfg.AdminAPI.Enabled && role != "producer" {
		apiCfg := &adminapi.Config{
			ListenAddr:           cfg.AdminAPI.Addr,
			ReadTimeout:          cfg.AdminAPI.RequestTimeout,
			WriteTimeout:         cfg.AdminAPI.RequestTimeout,
			ShutdownTimeout:      5 * time.Second,
			JWTSecret:            cfg.AdminAPI.AuthToken,
			RequireAuth:          cfg.AdminAPI.AuthToken != "",
			DenyByDefault:        true,
			RateLimitEnabled:     cfg.AdminAPI.RateLimitPerSec > 0,
			RateLimitPerMinute:   int(cfg.AdminAPI.RateLimitPerSec * 60),
			RateLimitBurst:       cfg.AdminAPI.RateLimitBurst,
			AuditEnabled:         true,
			AuditLogPath:         "admin-audit.log",
			RequireDoubleConfirm: true,
			ConfirmationPhrase:   "CONFIRM_DELETE",
		}
		deps := adminapi.Dependencies{Bus: msgBus, Pool: pool, MainQueue: mainQueue, DeadQueue: deadQueue}
		adminSrv, err = adminapi.NewServer(apiCfg, cfg, deps, logger)
		if err != nil {
			logger.Fatal("failed to create admin API server", obs.Err(err))
		}
		go func() {
			if err := adminSrv.Start(); err != nil {
				logger.Error("admin API server error", obs.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	switch role {
	case "producer":
		runProducer(ctx, msgBus, limiter, logger)
	case "worker":
		go rep.Run(ctx)
		pool.Run(ctx)
	case "all":
		go rep.Run(ctx)
		go runProducer(ctx, msgBus, limiter, logger)
		pool.Run(ctx)
	case "admin":
		runAdmin(ctx, adminapi.Dependencies{Bus: msgBus, Pool: pool, MainQueue: mainQueue, DeadQueue: deadQueue}, logger,
			adminCmd, adminQueue, adminN, adminYes, benchCount, benchRate, benchPriority, benchTimeout)
		return
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// buildQueue selects the worker pool's main queue by the same
// config.QueueConfig strategy, capacity, typed strategy and max wait the bus
// uses for its per-subscription queues. TypedWeights and the adaptive tuning
// knobs are not applied here; the typed and adaptive queues use their defaults.
func buildQueue(cfg config.QueueConfig) jobqueue.Queue {
	switch cfg.Strategy {
	case "lock_free":
		return jobqueue.NewLockFreeQueue(cfg.Capacity)
	case "typed":
		strategy := jobqueue.StrategyStrict
		if cfg.TypedStrategy == "fair_weighted" {
			strategy = jobqueue.StrategyFairWeighted
		}
		return jobqueue.NewTypedQueue(strategy, jobqueue.DefaultWeights(), cfg.MaxWait)
	case "adaptive":
		ac := jobqueue.DefaultAdaptiveConfig()
		ac.Capacity = cfg.Capacity
		return jobqueue.NewAdaptiveQueue(ac)
	default:
		return jobqueue.NewMutexQueue(cfg.Capacity)
	}
}

// runProducer publishes a steady stream of synthetic "heartbeat" events
// onto the bus, gated by the rate limiter's global+priority token buckets
// — a stand-in for whatever upstream system would otherwise be driving
// publishes, kept simple enough to double as a liveness probe.
func runProducer(ctx context.Context, b *bus.Bus, limiter *ratelimiting.RateLimiter, logger *zap.Logger) {
	var seq uint64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := limiter.Consume(ctx, "producer", 1, "normal")
			if err != nil {
				logger.Error("rate limiter error", obs.Err(err))
				continue
			}
			if !result.Allowed {
				logger.Warn("producer throttled", obs.String("retry_after", result.RetryAfter.String()))
				continue
			}

			n := atomic.AddUint64(&seq, 1)
			payload := container.New()
			payload.Add(container.NewUint64("seq", n))
			payload.Add(container.NewString("kind", "heartbeat"))

			if _, err := b.Publish(ctx, "system.heartbeat", payload); err != nil {
				logger.Warn("heartbeat publish failed", obs.Err(err))
			}
		}
	}
}

func runAdmin(ctx context.Context, deps adminapi.Dependencies, logger *zap.Logger, cmd, queue string, n int, yes bool, benchCount, benchRate int, benchPriority string, benchTimeout time.Duration) {
	switch cmd {
	case "stats":
		printJSON(adminStats(deps))
	case "peek":
		printJSON(adminPeek(ctx, deps, queue, n))
	case "purge-dlq":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		jobs := drainAll(deps.DeadQueue)
		fmt.Printf(`{"success":true,"items_deleted":%d}`+"\n", len(jobs))
	case "purge-all":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		n := len(drainAll(deps.MainQueue)) + len(drainAll(deps.DeadQueue))
		fmt.Printf(`{"success":true,"items_deleted":%d}`+"\n", n)
	case "bench":
		logger.Info("bench must be run through the admin HTTP API (/api/v1/bench); no standalone CLI path exists")
	case "stats-keys":
		printJSON(adminStats(deps))
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func adminStats(deps adminapi.Dependencies) map[string]interface{} {
	stats := deps.Bus.Stats()
	return map[string]interface{}{
		"published":  stats.Published,
		"delivered":  stats.Delivered,
		"failed":     stats.Failed,
		"main_depth": deps.MainQueue.Size(),
		"dead_depth": deps.DeadQueue.Size(),
		"in_flight":  len(deps.Pool.InFlightSnapshot()),
	}
}

func adminPeek(ctx context.Context, deps adminapi.Dependencies, queue string, n int) interface{} {
	q := deps.MainQueue
	if queue == "dead" {
		q = deps.DeadQueue
	}
	var items []string
	for i := 0; i < n; i++ {
		c, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		job, ok := q.Dequeue(c)
		cancel()
		if !ok {
			break
		}
		items = append(items, job.ID)
		_ = q.Enqueue(ctx, job)
	}
	return items
}

func drainAll(q jobqueue.Queue) []jobqueue.Job {
	var out []jobqueue.Job
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		job, ok := q.Dequeue(ctx)
		cancel()
		if !ok {
			break
		}
		out = append(out, job)
	}
	return out
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
