// Package config loads and validates all runtime configuration for the relay.
//
// Scalar settings are read from environment variables (preferred for
// containers) with a config.yaml fallback; structured settings — the
// provider pool, API keys, sensitive words, and the price book — come from
// the YAML file only. Environment variables take precedence over YAML.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-relay/internal/auth"
	"github.com/nulpointcorp/llm-relay/internal/provider"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Providers is the upstream pool. At least one enabled provider is
	// required to start.
	Providers []ProviderConfig

	// Keys is the inbound API key table. Empty disables authentication.
	Keys []KeyConfig

	// Redis holds the connection URL for the distributed rate-limit window.
	// Optional; without it request ceilings are enforced per replica.
	Redis RedisConfig

	// ClickHouse enables the statistics sink backend. Optional; without it
	// request records go to the structured log.
	ClickHouse ClickHouseConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// StickyTTL is how long a session keeps its provider affinity. Default: 1h.
	StickyTTL time.Duration

	// UpstreamTimeout caps one provider attempt. Default: 5m.
	UpstreamTimeout time.Duration

	// SensitiveWords blocks matching request bodies before forwarding.
	SensitiveWords SensitiveWordsConfig

	// Pricing maps model names (or prefixes) to USD per million tokens.
	Pricing map[string]float64

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// ProviderConfig is one upstream provider entry in the YAML pool.
type ProviderConfig struct {
	ID       int64   `mapstructure:"id"`
	Name     string  `mapstructure:"name"`
	URL      string  `mapstructure:"url"`
	Key      string  `mapstructure:"key"`
	Type     string  `mapstructure:"type"` // claude | openai-compatible | codex | gemini-cli
	Enabled  *bool   `mapstructure:"enabled"`
	Weight   int     `mapstructure:"weight"`
	Priority int     `mapstructure:"priority"`
	Group    string  `mapstructure:"group"`
	CostUSD  float64 `mapstructure:"cost_per_mtok"`

	Limit5hUSD      float64 `mapstructure:"limit_5h_usd"`
	LimitWeeklyUSD  float64 `mapstructure:"limit_weekly_usd"`
	LimitMonthlyUSD float64 `mapstructure:"limit_monthly_usd"`

	LimitConcurrentSessions int `mapstructure:"limit_concurrent_sessions"`

	TPM int `mapstructure:"tpm"`
	RPM int `mapstructure:"rpm"`
	RPD int `mapstructure:"rpd"`
	CC  int `mapstructure:"cc"`

	// Redirects rewrites inbound model names, e.g. {gpt-4o: gpt-5-codex}.
	Redirects map[string]string `mapstructure:"redirects"`
}

// KeyConfig is one inbound API key.
type KeyConfig struct {
	ID       int64  `mapstructure:"id"`
	UserID   int64  `mapstructure:"user_id"`
	Name     string `mapstructure:"name"`
	Secret   string `mapstructure:"secret"`
	Group    string `mapstructure:"group"`
	Disabled bool   `mapstructure:"disabled"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the statistics sink backend settings.
type ClickHouseConfig struct {
	// Addr is host:port of the ClickHouse native interface. Empty disables
	// the backend.
	Addr     string
	Database string
	Username string
	Password string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	Threshold int

	// BaseCooldown is the open duration at the threshold; it doubles with
	// each further failure. Default: 60s.
	BaseCooldown time.Duration

	// MaxCooldown caps the doubling. Default: 30m.
	MaxCooldown time.Duration
}

// SensitiveWordsConfig configures the content guard.
type SensitiveWordsConfig struct {
	// Literals are case-insensitive substrings.
	Literals []string
	// Patterns are Go regular expressions matched against the raw body.
	Patterns []string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_THRESHOLD", 5)
	v.SetDefault("CB_BASE_COOLDOWN", "60s")
	v.SetDefault("CB_MAX_COOLDOWN", "30m")

	v.SetDefault("STICKY_TTL", "1h")
	v.SetDefault("UPSTREAM_TIMEOUT", "5m")

	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Threshold:    v.GetInt("CB_THRESHOLD"),
			BaseCooldown: v.GetDuration("CB_BASE_COOLDOWN"),
			MaxCooldown:  v.GetDuration("CB_MAX_COOLDOWN"),
		},

		StickyTTL:       v.GetDuration("STICKY_TTL"),
		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),

		SensitiveWords: SensitiveWordsConfig{
			Literals: v.GetStringSlice("SENSITIVE_WORDS"),
			Patterns: v.GetStringSlice("SENSITIVE_PATTERNS"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: invalid providers section: %w", err)
	}
	if err := v.UnmarshalKey("keys", &cfg.Keys); err != nil {
		return nil, fmt.Errorf("config: invalid keys section: %w", err)
	}
	if err := v.UnmarshalKey("pricing", &cfg.Pricing); err != nil {
		return nil, fmt.Errorf("config: invalid pricing section: %w", err)
	}
	// YAML sections extend the env-provided word lists.
	cfg.SensitiveWords.Literals = append(cfg.SensitiveWords.Literals, v.GetStringSlice("sensitive_words.literals")...)
	cfg.SensitiveWords.Patterns = append(cfg.SensitiveWords.Patterns, v.GetStringSlice("sensitive_words.patterns")...)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	enabled := 0
	for _, p := range c.Providers {
		if p.Enabled == nil || *p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: at least one enabled provider is required in the providers section")
	}

	seen := make(map[int64]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == 0 {
			return fmt.Errorf("config: providers[%d] (%q) needs a nonzero id", i, p.Name)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %d", p.ID)
		}
		seen[p.ID] = true
		if p.URL == "" {
			return fmt.Errorf("config: provider %q needs a url", p.Name)
		}
		switch provider.Type(p.Type) {
		case provider.TypeClaude, provider.TypeOpenAI, provider.TypeCodex, provider.TypeGeminiCLI:
		default:
			return fmt.Errorf("config: provider %q has invalid type %q; must be one of: claude, openai-compatible, codex, gemini-cli", p.Name, p.Type)
		}
		if p.Weight < 0 {
			return fmt.Errorf("config: provider %q has negative weight", p.Name)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.Threshold < 1 {
		return fmt.Errorf("config: CB_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.Threshold)
	}
	if c.CircuitBreaker.BaseCooldown <= 0 {
		return fmt.Errorf("config: CB_BASE_COOLDOWN must be a positive duration")
	}
	if c.CircuitBreaker.MaxCooldown < c.CircuitBreaker.BaseCooldown {
		return fmt.Errorf("config: CB_MAX_COOLDOWN must be ≥ CB_BASE_COOLDOWN")
	}

	return nil
}

// ProviderRecords converts the YAML pool into provider records, dropping
// entries explicitly disabled.
func (c *Config) ProviderRecords() []*provider.Provider {
	now := time.Now()
	out := make([]*provider.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		enabled := p.Enabled == nil || *p.Enabled
		out = append(out, &provider.Provider{
			ID:                      p.ID,
			Name:                    p.Name,
			URL:                     strings.TrimRight(p.URL, "/"),
			Key:                     p.Key,
			Type:                    provider.Type(p.Type),
			Enabled:                 enabled,
			Weight:                  p.Weight,
			Priority:                p.Priority,
			Group:                   p.Group,
			CostPerMtok:             p.CostUSD,
			Limit5hUSD:              p.Limit5hUSD,
			LimitWeeklyUSD:          p.LimitWeeklyUSD,
			LimitMonthlyUSD:         p.LimitMonthlyUSD,
			LimitConcurrentSessions: p.LimitConcurrentSessions,
			TPM:                     p.TPM,
			RPM:                     p.RPM,
			RPD:                     p.RPD,
			CC:                      p.CC,
			Redirects:               p.Redirects,
			CreatedAt:               now,
			UpdatedAt:               now,
		})
	}
	// Disabled entries stay in the repository (Alive() filters them) so
	// /health can report them; fully remove only the ones with no id.
	return out
}

// AuthKeys converts the YAML key table for the authenticator.
func (c *Config) AuthKeys() []auth.Key {
	out := make([]auth.Key, 0, len(c.Keys))
	for _, k := range c.Keys {
		out = append(out, auth.Key{
			ID:       k.ID,
			UserID:   k.UserID,
			Name:     k.Name,
			Secret:   k.Secret,
			Group:    k.Group,
			Disabled: k.Disabled,
		})
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
