package sapgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"server"`

	Upstream UpstreamConfig `yaml:"upstream"`

	Retry struct {
		MaxAttempts         int     `yaml:"maxAttempts"`
		PerAttemptTimeoutMs int     `yaml:"perAttemptTimeoutMs"`
		OverallTimeoutMs    int     `yaml:"overallTimeoutMs"`
		BackoffBaseMs       int     `yaml:"backoffBaseMs"`
		BackoffMultiplier   float64 `yaml:"backoffMultiplier"`
		JitterCeilingMs     int     `yaml:"jitterCeilingMs"`
	} `yaml:"retry"`

	Cache struct {
		TTLMs int `yaml:"cacheTtlMs"`

		// Warmup refreshes the inquiry list in the background so a fallback
		// entry exists before the first user request.
		Warmup struct {
			Enabled      bool   `yaml:"enabled"`
			InitialDelay string `yaml:"initialDelay"`
			Every        string `yaml:"every"`

			initialDelayDur time.Duration
			everyDur        time.Duration
		} `yaml:"warmup"`
	} `yaml:"cache"`

	Push PushConfig `yaml:"push"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

type UpstreamConfig struct {
	BaseURL   string `yaml:"baseURL"`
	Host      string `yaml:"host"`
	SAPClient string `yaml:"sapClient"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	VerifyTLS bool   `yaml:"verifyTLS"`
	MaxBody   string `yaml:"maxBody"`

	Paths struct {
		Inquiries       string `yaml:"inquiries"`
		Negotiation     string `yaml:"negotiation"`
		PostNegotiation string `yaml:"postNegotiation"`
		Login           string `yaml:"login"`
	} `yaml:"paths"`

	maxBodyBytes int64
}

type PushConfig struct {
	// Store is "memory" or "leveldb".
	Store           string `yaml:"store"`
	Path            string `yaml:"path"`
	Subject         string `yaml:"subject"`
	VAPIDPublicKey  string `yaml:"vapidPublicKey"`
	VAPIDPrivateKey string `yaml:"vapidPrivateKey"`
	TTL             string `yaml:"ttl"`

	ttlDur time.Duration
}

// envOverrides are applied on top of the yaml file. Unset variables leave
// the file values alone.
type envOverrides struct {
	Port              *int     `env:"PORT"`
	UpstreamBaseURL   *string  `env:"SAP_BASE_URL"`
	SAPClient         *string  `env:"SAP_CLIENT"`
	SAPUser           *string  `env:"SAP_USER"`
	SAPPass           *string  `env:"SAP_PASS"`
	VerifyTLS         *bool    `env:"SAPGATE_VERIFY_TLS"`
	MaxAttempts       *int     `env:"SAPGATE_MAX_ATTEMPTS"`
	PerAttemptTimeout *int     `env:"SAPGATE_PER_ATTEMPT_TIMEOUT_MS"`
	OverallTimeout    *int     `env:"SAPGATE_OVERALL_TIMEOUT_MS"`
	BackoffBase       *int     `env:"SAPGATE_BACKOFF_BASE_MS"`
	BackoffMultiplier *float64 `env:"SAPGATE_BACKOFF_MULTIPLIER"`
	JitterCeiling     *int     `env:"SAPGATE_JITTER_CEILING_MS"`
	CacheTTL          *int     `env:"SAPGATE_CACHE_TTL_MS"`
	VAPIDPublicKey    *string  `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey   *string  `env:"VAPID_PRIVATE_KEY"`
	LogLevel          *string  `env:"SAPGATE_LOG_LEVEL"`
}

func defaultConfig() Config {
	var cfg Config
	p := DefaultRetryPolicy()
	cfg.Server.Port = 5000
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Upstream.SAPClient = "120"
	cfg.Upstream.MaxBody = "16mb"
	cfg.Upstream.Paths.Inquiries = "/zinq/getinq"
	cfg.Upstream.Paths.Negotiation = "/zinq/getneg"
	cfg.Upstream.Paths.PostNegotiation = "/zinq/postneg"
	cfg.Upstream.Paths.Login = "/zinq/getlogin"
	cfg.Retry.MaxAttempts = p.MaxAttempts
	cfg.Retry.PerAttemptTimeoutMs = int(p.PerAttemptTimeout / time.Millisecond)
	cfg.Retry.OverallTimeoutMs = int(p.OverallTimeout / time.Millisecond)
	cfg.Retry.BackoffBaseMs = int(p.BackoffBase / time.Millisecond)
	cfg.Retry.BackoffMultiplier = p.BackoffMultiplier
	cfg.Retry.JitterCeilingMs = int(p.JitterCeiling / time.Millisecond)
	cfg.Cache.TTLMs = 300000
	cfg.Push.Store = "memory"
	cfg.Push.Path = "./data/push"
	cfg.Push.TTL = "24h"
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads the yaml file at path (skipped when path is empty), then
// applies environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	ov.apply(&cfg)

	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (o envOverrides) apply(cfg *Config) {
	set(&cfg.Server.Port, o.Port)
	set(&cfg.Upstream.BaseURL, o.UpstreamBaseURL)
	set(&cfg.Upstream.SAPClient, o.SAPClient)
	set(&cfg.Upstream.User, o.SAPUser)
	set(&cfg.Upstream.Password, o.SAPPass)
	set(&cfg.Upstream.VerifyTLS, o.VerifyTLS)
	set(&cfg.Retry.MaxAttempts, o.MaxAttempts)
	set(&cfg.Retry.PerAttemptTimeoutMs, o.PerAttemptTimeout)
	set(&cfg.Retry.OverallTimeoutMs, o.OverallTimeout)
	set(&cfg.Retry.BackoffBaseMs, o.BackoffBase)
	set(&cfg.Retry.BackoffMultiplier, o.BackoffMultiplier)
	set(&cfg.Retry.JitterCeilingMs, o.JitterCeiling)
	set(&cfg.Cache.TTLMs, o.CacheTTL)
	set(&cfg.Push.VAPIDPublicKey, o.VAPIDPublicKey)
	set(&cfg.Push.VAPIDPrivateKey, o.VAPIDPrivateKey)
	set(&cfg.Logging.Level, o.LogLevel)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (cfg *Config) finalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.baseURL is required")
	}
	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")
	if !strings.HasPrefix(cfg.Upstream.BaseURL, "http://") && !strings.HasPrefix(cfg.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.baseURL must be an http(s) URL, got %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.MaxBody != "" {
		n, err := parseBytes(cfg.Upstream.MaxBody)
		if err != nil {
			return fmt.Errorf("upstream.maxBody: %w", err)
		}
		cfg.Upstream.maxBodyBytes = n
	}
	if err := cfg.Policy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if cfg.Cache.TTLMs < 0 {
		return fmt.Errorf("cache.cacheTtlMs must not be negative")
	}
	if cfg.Cache.Warmup.InitialDelay != "" {
		d, err := time.ParseDuration(cfg.Cache.Warmup.InitialDelay)
		if err != nil {
			return fmt.Errorf("cache.warmup.initialDelay: %w", err)
		}
		cfg.Cache.Warmup.initialDelayDur = d
	}
	if cfg.Cache.Warmup.Every != "" {
		d, err := time.ParseDuration(cfg.Cache.Warmup.Every)
		if err != nil {
			return fmt.Errorf("cache.warmup.every: %w", err)
		}
		cfg.Cache.Warmup.everyDur = d
	}

	switch cfg.Push.Store {
	case "", "memory":
		cfg.Push.Store = "memory"
	case "leveldb":
		if cfg.Push.Path == "" {
			return fmt.Errorf("push.path is required for the leveldb store")
		}
	default:
		return fmt.Errorf("push.store: unknown store %q", cfg.Push.Store)
	}
	if cfg.Push.TTL != "" {
		d, err := time.ParseDuration(cfg.Push.TTL)
		if err != nil {
			return fmt.Errorf("push.ttl: %w", err)
		}
		cfg.Push.ttlDur = d
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

// Policy converts the retry section into the policy consumed by the fetcher.
func (cfg Config) Policy() RetryPolicy {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		PerAttemptTimeout: ms(cfg.Retry.PerAttemptTimeoutMs),
		OverallTimeout:    ms(cfg.Retry.OverallTimeoutMs),
		BackoffBase:       ms(cfg.Retry.BackoffBaseMs),
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		JitterCeiling:     ms(cfg.Retry.JitterCeilingMs),
	}
}

func (cfg Config) CacheTTL() time.Duration {
	return time.Duration(cfg.Cache.TTLMs) * time.Millisecond
}
