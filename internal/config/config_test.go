package config

import (
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/provider"
)

func validConfig() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Providers: []ProviderConfig{
			{ID: 1, Name: "main", URL: "https://api.example.com/", Type: "claude", Weight: 10},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:    5,
			BaseCooldown: time.Minute,
			MaxCooldown:  30 * time.Minute,
		},
		StickyTTL:       time.Hour,
		UpstreamTimeout: 5 * time.Minute,
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantMsg: "at least one enabled provider",
		},
		{
			name: "all providers disabled",
			mutate: func(c *Config) {
				off := false
				c.Providers[0].Enabled = &off
			},
			wantMsg: "at least one enabled provider",
		},
		{
			name:    "zero provider id",
			mutate:  func(c *Config) { c.Providers[0].ID = 0 },
			wantMsg: "nonzero id",
		},
		{
			name: "duplicate provider id",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, ProviderConfig{ID: 1, Name: "dup", URL: "https://x", Type: "claude"})
			},
			wantMsg: "duplicate provider id",
		},
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Providers[0].URL = "" },
			wantMsg: "needs a url",
		},
		{
			name:    "bad provider type",
			mutate:  func(c *Config) { c.Providers[0].Type = "grpc" },
			wantMsg: "invalid type",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Providers[0].Weight = -1 },
			wantMsg: "negative weight",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantMsg: "invalid LOG_LEVEL",
		},
		{
			name:    "zero breaker threshold",
			mutate:  func(c *Config) { c.CircuitBreaker.Threshold = 0 },
			wantMsg: "CB_THRESHOLD",
		},
		{
			name:    "max cooldown below base",
			mutate:  func(c *Config) { c.CircuitBreaker.MaxCooldown = time.Second },
			wantMsg: "CB_MAX_COOLDOWN",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestProviderRecords(t *testing.T) {
	off := false
	cfg := validConfig()
	cfg.Providers = []ProviderConfig{
		{ID: 1, Name: "a", URL: "https://a.example.com/", Type: "claude", Weight: 5, Priority: 1,
			Redirects: map[string]string{"gpt-4o": "claude-sonnet-4"}},
		{ID: 2, Name: "b", URL: "https://b.example.com", Type: "codex", Enabled: &off},
	}

	recs := cfg.ProviderRecords()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2 (disabled entries stay for health reporting)", len(recs))
	}

	a := recs[0]
	if a.URL != "https://a.example.com" {
		t.Errorf("trailing slash not trimmed: %q", a.URL)
	}
	if !a.Enabled {
		t.Error("absent enabled flag must default to true")
	}
	if a.Type != provider.TypeClaude || a.Weight != 5 || a.Priority != 1 {
		t.Errorf("record fields lost: %+v", a)
	}
	if a.Redirects["gpt-4o"] != "claude-sonnet-4" {
		t.Error("redirects not carried over")
	}

	if recs[1].Enabled {
		t.Error("explicit enabled: false must stick")
	}
}

func TestAuthKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Keys = []KeyConfig{
		{ID: 1, UserID: 10, Name: "alice", Secret: "sk-a", Group: "team-x"},
		{ID: 2, UserID: 20, Name: "bob", Secret: "sk-b", Disabled: true},
	}

	keys := cfg.AuthKeys()
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(keys))
	}
	if keys[0].Secret != "sk-a" || keys[0].UserID != 10 || keys[0].Group != "team-x" {
		t.Errorf("key fields lost: %+v", keys[0])
	}
	if !keys[1].Disabled {
		t.Error("disabled flag must be carried over")
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	if err := loadDotEnv("definitely-not-here.env"); err != nil {
		t.Errorf("missing .env must not be an error: %v", err)
	}
}
