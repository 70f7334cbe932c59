// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PoolConfig tunes the worker pool that drains the bus's delivery queues.
type PoolConfig struct {
	Count        int           `mapstructure:"count"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Backoff      Backoff       `mapstructure:"backoff"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	BreakerPause time.Duration `mapstructure:"breaker_pause"`
	// Typed pins the first len(jobqueue.Types()) workers to one type each,
	// leaving the rest floating across all types. Only takes effect when
	// the pool's queue implements jobqueue.TypedDequeuer; ignored otherwise.
	Typed bool `mapstructure:"typed"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// QueueConfig configures the per-subscription job queue strategy (§4.3).
type QueueConfig struct {
	Strategy          string             `mapstructure:"strategy"` // mutex | lock_free | adaptive | typed
	Capacity          int                `mapstructure:"capacity"`
	TypedStrategy     string             `mapstructure:"typed_strategy"` // strict | fair_weighted
	TypedWeights      map[string]float64 `mapstructure:"typed_weights"`
	MaxWait           time.Duration      `mapstructure:"max_wait"`
	AdaptiveWindow    time.Duration      `mapstructure:"adaptive_window"`
	AdaptiveCooldown  time.Duration      `mapstructure:"adaptive_cooldown"`
	PromoteRate       float64            `mapstructure:"promote_rate"`
	DemoteRate        float64            `mapstructure:"demote_rate"`
	ContentionLatency time.Duration      `mapstructure:"contention_latency"`
}

// BusConfig configures the publish/subscribe message bus (§4.5, §6).
type BusConfig struct {
	Queue               QueueConfig   `mapstructure:"queue"`
	MaxContainerSize    int           `mapstructure:"max_container_size"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	SubscriberQueueSize int           `mapstructure:"subscriber_queue_size"`
	BackpressurePolicy  string        `mapstructure:"backpressure_policy"` // block | drop_oldest | reject
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort   int           `mapstructure:"metrics_port"`
	LogLevel      string        `mapstructure:"log_level"`
	Tracing       TracingConfig `mapstructure:"tracing"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

// ReaperConfig tunes stranded in-flight job recovery.
type ReaperConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

// EventHooksConfig configures lifecycle event fan-out to external subscribers.
type EventHooksConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	WebhookURLs []string      `mapstructure:"webhook_urls"`
	NATSURL     string        `mapstructure:"nats_url"`
	NATSSubject string        `mapstructure:"nats_subject"`
	RetryMax    int           `mapstructure:"retry_max"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
}

// AdminAPIConfig configures the HTTP administration surface (§4.12).
type AdminAPIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	AuthToken       string        `mapstructure:"auth_token"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type Config struct {
	Pool           PoolConfig       `mapstructure:"pool"`
	Bus            BusConfig        `mapstructure:"bus"`
	CircuitBreaker CircuitBreaker   `mapstructure:"circuit_breaker"`
	Observability  Observability    `mapstructure:"observability"`
	Reaper         ReaperConfig     `mapstructure:"reaper"`
	EventHooks     EventHooksConfig `mapstructure:"event_hooks"`
	AdminAPI       AdminAPIConfig   `mapstructure:"admin_api"`
}

func defaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Count:        16,
			MaxRetries:   3,
			Backoff:      Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			JobTimeout:   30 * time.Second,
			BreakerPause: 100 * time.Millisecond,
		},
		Bus: BusConfig{
			Queue: QueueConfig{
				Strategy:          "adaptive",
				Capacity:          1024,
				TypedStrategy:     "fair_weighted",
				MaxWait:           5 * time.Second,
				AdaptiveWindow:    2 * time.Second,
				AdaptiveCooldown:  1 * time.Second,
				PromoteRate:       0.5,
				DemoteRate:        0.1,
				ContentionLatency: 2 * time.Millisecond,
			},
			MaxContainerSize:    16 * 1024 * 1024,
			RequestTimeout:      10 * time.Second,
			SubscriberQueueSize: 256,
			BackpressurePolicy:  "block",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:    9090,
			LogLevel:       "info",
			Tracing:        Tracing{Enabled: false},
			SampleInterval: 2 * time.Second,
		},
		Reaper: ReaperConfig{
			ScanInterval: 5 * time.Second,
			StaleAfter:   1 * time.Minute,
		},
		EventHooks: EventHooksConfig{
			Enabled:   false,
			RetryMax:  3,
			RetryBase: 500 * time.Millisecond,
		},
		AdminAPI: AdminAPIConfig{
			Enabled:         true,
			Addr:            ":8090",
			RateLimitPerSec: 50,
			RateLimitBurst:  100,
			RequestTimeout:  5 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file plus environment overrides
// (underscored env vars, e.g. BUS_MAX_CONTAINER_SIZE), falling back to
// defaultConfig for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("pool.count", def.Pool.Count)
	v.SetDefault("pool.max_retries", def.Pool.MaxRetries)
	v.SetDefault("pool.backoff.base", def.Pool.Backoff.Base)
	v.SetDefault("pool.backoff.max", def.Pool.Backoff.Max)
	v.SetDefault("pool.job_timeout", def.Pool.JobTimeout)
	v.SetDefault("pool.breaker_pause", def.Pool.BreakerPause)

	v.SetDefault("bus.queue.strategy", def.Bus.Queue.Strategy)
	v.SetDefault("bus.queue.capacity", def.Bus.Queue.Capacity)
	v.SetDefault("bus.queue.typed_strategy", def.Bus.Queue.TypedStrategy)
	v.SetDefault("bus.queue.max_wait", def.Bus.Queue.MaxWait)
	v.SetDefault("bus.queue.adaptive_window", def.Bus.Queue.AdaptiveWindow)
	v.SetDefault("bus.queue.adaptive_cooldown", def.Bus.Queue.AdaptiveCooldown)
	v.SetDefault("bus.queue.promote_rate", def.Bus.Queue.PromoteRate)
	v.SetDefault("bus.queue.demote_rate", def.Bus.Queue.DemoteRate)
	v.SetDefault("bus.queue.contention_latency", def.Bus.Queue.ContentionLatency)
	v.SetDefault("bus.max_container_size", def.Bus.MaxContainerSize)
	v.SetDefault("bus.request_timeout", def.Bus.RequestTimeout)
	v.SetDefault("bus.subscriber_queue_size", def.Bus.SubscriberQueueSize)
	v.SetDefault("bus.backpressure_policy", def.Bus.BackpressurePolicy)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.sample_interval", def.Observability.SampleInterval)

	v.SetDefault("reaper.scan_interval", def.Reaper.ScanInterval)
	v.SetDefault("reaper.stale_after", def.Reaper.StaleAfter)

	v.SetDefault("event_hooks.enabled", def.EventHooks.Enabled)
	v.SetDefault("event_hooks.retry_max", def.EventHooks.RetryMax)
	v.SetDefault("event_hooks.retry_base", def.EventHooks.RetryBase)

	v.SetDefault("admin_api.enabled", def.AdminAPI.Enabled)
	v.SetDefault("admin_api.addr", def.AdminAPI.Addr)
	v.SetDefault("admin_api.rate_limit_per_sec", def.AdminAPI.RateLimitPerSec)
	v.SetDefault("admin_api.rate_limit_burst", def.AdminAPI.RateLimitBurst)
	v.SetDefault("admin_api.request_timeout", def.AdminAPI.RequestTimeout)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Pool.Count < 1 {
		return fmt.Errorf("pool.count must be >= 1")
	}
	switch cfg.Bus.Queue.Strategy {
	case "mutex", "lock_free", "adaptive", "typed":
	default:
		return fmt.Errorf("bus.queue.strategy must be one of mutex|lock_free|adaptive|typed, got %q", cfg.Bus.Queue.Strategy)
	}
	switch cfg.Bus.Queue.TypedStrategy {
	case "strict", "fair_weighted":
	default:
		return fmt.Errorf("bus.queue.typed_strategy must be strict|fair_weighted, got %q", cfg.Bus.Queue.TypedStrategy)
	}
	if cfg.Bus.MaxContainerSize <= 0 {
		return fmt.Errorf("bus.max_container_size must be > 0")
	}
	switch cfg.Bus.BackpressurePolicy {
	case "block", "drop_oldest", "reject":
	default:
		return fmt.Errorf("bus.backpressure_policy must be block|drop_oldest|reject, got %q", cfg.Bus.BackpressurePolicy)
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
