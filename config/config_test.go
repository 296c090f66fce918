package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultTOMLMatchesDefault(t *testing.T) {
	var cfg Config
	md, err := toml.Decode(DefaultTOML(), &cfg)
	if err != nil {
		t.Fatalf("DefaultTOML does not parse: %v", err)
	}
	if len(md.Undecoded()) > 0 {
		t.Errorf("DefaultTOML has unknown keys: %v", md.Undecoded())
	}

	merged := merge(Default(), &cfg, md)
	def := Default()
	if merged.Policy != def.Policy || merged.Learner != def.Learner || merged.Log != def.Log || merged.Catalog != def.Catalog {
		t.Errorf("DefaultTOML drifted from Default():\n got %+v\nwant %+v", merged, def)
	}
	if merged.Fetcher != def.Fetcher || merged.Site != def.Site {
		t.Errorf("fetcher/site drifted: %+v %+v", merged.Fetcher, merged.Site)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[site]
max_pages = 5

[policy]
max_ai_attempts = 0

[oracle]
gemini_keys = ["k1", "k2"]
claude_code = false

[log]
level = "debug"
file = ""
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Site.MaxPages != 5 || cfg.Site.BaseURL != "https://goyabu.io" {
		t.Errorf("site = %+v", cfg.Site)
	}
	if cfg.Policy.MaxAIAttempts != 0 || cfg.Policy.MaxRetries != 2 {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Oracle.ClaudeCode || len(cfg.Oracle.GeminiKeys) < 2 {
		t.Errorf("oracle = %+v", cfg.Oracle)
	}
	if cfg.Log.File != "" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[fetcher]\ntimeout = 10\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "fetcher.timeout") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"level", func(c *Config) { c.Log.Level = "loud" }},
		{"format", func(c *Config) { c.Log.Format = "xml" }},
		{"confidence", func(c *Config) { c.Learner.TitleConfidence = 1.5 }},
		{"delays", func(c *Config) { c.Fetcher.MaxDelayMillis = 10 }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: invalid config accepted", tt.name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GEMINI_API_KEYS":     "a, b,,c",
		"GEMINI_API_KEY":      "b",
		"ANTHROPIC_API_KEY":   "sk-ant",
		"ANIMEHEAL_RULES_DIR": "/var/lib/animeheal/rules",
		"ANIMEHEAL_LOG_LEVEL": "warn",
	}
	cfg := Default()
	applyEnv(cfg, func(k string) string { return env[k] })

	if got := strings.Join(cfg.Oracle.GeminiKeys, ","); got != "a,b,c" {
		t.Errorf("gemini keys = %q", got)
	}
	if cfg.Oracle.AnthropicKey != "sk-ant" || cfg.Rules.Dir != "/var/lib/animeheal/rules" || cfg.Log.Level != "warn" {
		t.Errorf("config = %+v", cfg)
	}

	cfg = Default()
	applyEnv(cfg, func(k string) string {
		if k == "GEMINI_API_KEY" {
			return "solo"
		}
		return ""
	})
	if len(cfg.Oracle.GeminiKeys) != 1 || cfg.Oracle.GeminiKeys[0] != "solo" {
		t.Errorf("single key = %q", cfg.Oracle.GeminiKeys)
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	if cfg.Fetcher.Timeout() != 20*time.Second || cfg.Policy.Cooldown() != 8*time.Second {
		t.Errorf("durations = %v %v", cfg.Fetcher.Timeout(), cfg.Policy.Cooldown())
	}
	lo, hi := cfg.Fetcher.Delays()
	if lo != 800*time.Millisecond || hi != 1800*time.Millisecond {
		t.Errorf("delays = %v..%v", lo, hi)
	}
}
