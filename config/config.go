// Package config provides configuration loading for animeheal using TOML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Site settings
type Site struct {
	BaseURL  string `toml:"base_url"`
	Output   string `toml:"output"`    // catalogue file written by scrape
	MaxPages int    `toml:"max_pages"` // 0 = until the list runs out
}

// HTTP fetching settings
type Fetcher struct {
	UserAgent      string `toml:"user_agent"`
	AcceptLanguage string `toml:"accept_language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Retries        int    `toml:"retries"`
	MinDelayMillis int    `toml:"min_delay_ms"`
	MaxDelayMillis int    `toml:"max_delay_ms"`
	Browser        bool   `toml:"browser"`     // render challenge pages with headless Chrome
	ChromePath     string `toml:"chrome_path"` // empty = auto-detect
}

// Rule store settings
type Rules struct {
	Dir string `toml:"dir"`
}

// Error dashboard settings
type Dashboard struct {
	Dir string `toml:"dir"`
}

// Error policy and auto-fix settings
type Policy struct {
	MaxRetries         int `toml:"max_retries"`
	MaxAIAttempts      int `toml:"max_ai_attempts"`
	AutofixMaxAttempts int `toml:"autofix_max_attempts"`
	CooldownSeconds    int `toml:"cooldown_seconds"` // pause after a retry decision
}

// Rule learner gating
type Learner struct {
	StructuralConfidence float64 `toml:"structural_confidence"`
	TitleConfidence      float64 `toml:"title_confidence"`
	MinLearnedScore      float64 `toml:"min_learned_score"`
}

// Oracle pool settings
type Oracle struct {
	GeminiKeys      []string `toml:"gemini_keys"`
	GeminiModels    []string `toml:"gemini_models"` // every key is paired with every model
	AnthropicKey    string   `toml:"anthropic_key"`
	ClaudeModel     string   `toml:"claude_model"`
	ClaudeCode      bool     `toml:"claude_code"` // use the local claude CLI when installed
	CooldownSeconds int      `toml:"cooldown_seconds"`
	MaxAttempts     int      `toml:"max_attempts"`
}

// Anime catalog settings
type Catalog struct {
	Endpoint      string  `toml:"endpoint"`
	CacheDir      string  `toml:"cache_dir"` // empty disables the cache
	CacheTTLHours int     `toml:"cache_ttl_hours"`
	Retries       int     `toml:"retries"`
	MinRatio      float64 `toml:"min_ratio"`
}

// Logging settings
type Log struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
	File   string `toml:"file"`   // rotated log file, empty = stderr only
}

// Metrics endpoint settings
type Metrics struct {
	Addr string `toml:"addr"`
}

// Config is the main configuration struct
type Config struct {
	Site      Site      `toml:"site"`
	Fetcher   Fetcher   `toml:"fetcher"`
	Rules     Rules     `toml:"rules"`
	Dashboard Dashboard `toml:"dashboard"`
	Policy    Policy    `toml:"policy"`
	Learner   Learner   `toml:"learner"`
	Oracle    Oracle    `toml:"oracle"`
	Catalog   Catalog   `toml:"catalog"`
	Log       Log       `toml:"log"`
	Metrics   Metrics   `toml:"metrics"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Site: Site{
			BaseURL: "https://goyabu.io",
			Output:  "output/animes.json",
		},
		Fetcher: Fetcher{
			UserAgent:      "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
			AcceptLanguage: "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7",
			TimeoutSeconds: 20,
			Retries:        3,
			MinDelayMillis: 800,
			MaxDelayMillis: 1800,
		},
		Rules: Rules{
			Dir: "rules",
		},
		Dashboard: Dashboard{
			Dir: "output/errors",
		},
		Policy: Policy{
			MaxRetries:         2,
			MaxAIAttempts:      1,
			AutofixMaxAttempts: 3,
			CooldownSeconds:    8,
		},
		Learner: Learner{
			StructuralConfidence: 0.55,
			TitleConfidence:      0.30,
			MinLearnedScore:      0.6,
		},
		Oracle: Oracle{
			GeminiModels:    []string{"gemini-2.5-flash"},
			ClaudeCode:      true,
			CooldownSeconds: 60,
			MaxAttempts:     3,
		},
		Catalog: Catalog{
			Endpoint:      "https://graphql.anilist.co",
			CacheDir:      "output/cache",
			CacheTTLHours: 24 * 7,
			Retries:       10,
			MinRatio:      0.6,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
			File:   "logs/animeheal.log",
		},
		Metrics: Metrics{
			Addr: "127.0.0.1:9464",
		},
	}
}

// configDir returns the configuration directory path.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "animeheal"), nil
}

// ConfigPath returns the path to the user's config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load loads configuration, layering the file at path on top of defaults
// and the environment on top of both. An empty path means the user config
// file, whose absence is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return withEnv(cfg, os.Getenv)
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return withEnv(cfg, os.Getenv)
	}

	userCfg, md, err := loadFromTOML(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return withEnv(merge(cfg, userCfg, md), os.Getenv)
}

func withEnv(cfg *Config, getenv func(string) string) (*Config, error) {
	applyEnv(cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromTOML loads a TOML config file and returns the config with the
// metadata recording which keys were set.
func loadFromTOML(path string) (*Config, toml.MetaData, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, md, fmt.Errorf("parsing config TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, md, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return &cfg, md, nil
}

// merge layers user config on top of defaults. Strings and numbers
// override when non-zero; booleans override when the key is present.
func merge(defaults, user *Config, md toml.MetaData) *Config {
	result := *defaults

	// Site
	mergeString(&result.Site.BaseURL, user.Site.BaseURL)
	mergeString(&result.Site.Output, user.Site.Output)
	mergeInt(&result.Site.MaxPages, user.Site.MaxPages)

	// Fetcher
	mergeString(&result.Fetcher.UserAgent, user.Fetcher.UserAgent)
	mergeString(&result.Fetcher.AcceptLanguage, user.Fetcher.AcceptLanguage)
	mergeInt(&result.Fetcher.TimeoutSeconds, user.Fetcher.TimeoutSeconds)
	mergeInt(&result.Fetcher.Retries, user.Fetcher.Retries)
	if md.IsDefined("fetcher", "min_delay_ms") {
		result.Fetcher.MinDelayMillis = user.Fetcher.MinDelayMillis
	}
	if md.IsDefined("fetcher", "max_delay_ms") {
		result.Fetcher.MaxDelayMillis = user.Fetcher.MaxDelayMillis
	}
	if md.IsDefined("fetcher", "browser") {
		result.Fetcher.Browser = user.Fetcher.Browser
	}
	mergeString(&result.Fetcher.ChromePath, user.Fetcher.ChromePath)

	// Paths
	mergeString(&result.Rules.Dir, user.Rules.Dir)
	mergeString(&result.Dashboard.Dir, user.Dashboard.Dir)

	// Policy
	if md.IsDefined("policy", "max_retries") {
		result.Policy.MaxRetries = user.Policy.MaxRetries
	}
	if md.IsDefined("policy", "max_ai_attempts") {
		result.Policy.MaxAIAttempts = user.Policy.MaxAIAttempts
	}
	mergeInt(&result.Policy.AutofixMaxAttempts, user.Policy.AutofixMaxAttempts)
	if md.IsDefined("policy", "cooldown_seconds") {
		result.Policy.CooldownSeconds = user.Policy.CooldownSeconds
	}

	// Learner
	mergeFloat(&result.Learner.StructuralConfidence, user.Learner.StructuralConfidence)
	mergeFloat(&result.Learner.TitleConfidence, user.Learner.TitleConfidence)
	mergeFloat(&result.Learner.MinLearnedScore, user.Learner.MinLearnedScore)

	// Oracle
	if len(user.Oracle.GeminiKeys) > 0 {
		result.Oracle.GeminiKeys = user.Oracle.GeminiKeys
	}
	if len(user.Oracle.GeminiModels) > 0 {
		result.Oracle.GeminiModels = user.Oracle.GeminiModels
	}
	mergeString(&result.Oracle.AnthropicKey, user.Oracle.AnthropicKey)
	mergeString(&result.Oracle.ClaudeModel, user.Oracle.ClaudeModel)
	if md.IsDefined("oracle", "claude_code") {
		result.Oracle.ClaudeCode = user.Oracle.ClaudeCode
	}
	mergeInt(&result.Oracle.CooldownSeconds, user.Oracle.CooldownSeconds)
	mergeInt(&result.Oracle.MaxAttempts, user.Oracle.MaxAttempts)

	// Catalog
	mergeString(&result.Catalog.Endpoint, user.Catalog.Endpoint)
	if md.IsDefined("catalog", "cache_dir") {
		result.Catalog.CacheDir = user.Catalog.CacheDir
	}
	mergeInt(&result.Catalog.CacheTTLHours, user.Catalog.CacheTTLHours)
	mergeInt(&result.Catalog.Retries, user.Catalog.Retries)
	mergeFloat(&result.Catalog.MinRatio, user.Catalog.MinRatio)

	// Log
	mergeString(&result.Log.Level, user.Log.Level)
	mergeString(&result.Log.Format, user.Log.Format)
	if md.IsDefined("log", "file") {
		result.Log.File = user.Log.File
	}

	// Metrics
	mergeString(&result.Metrics.Addr, user.Metrics.Addr)

	return &result
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

func mergeFloat(dst *float64, src float64) {
	if src != 0 {
		*dst = src
	}
}

// applyEnv overrides secrets and paths from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	if keys := splitList(getenv("GEMINI_API_KEYS")); len(keys) > 0 {
		cfg.Oracle.GeminiKeys = keys
	}
	if key := strings.TrimSpace(getenv("GEMINI_API_KEY")); key != "" && !contains(cfg.Oracle.GeminiKeys, key) {
		cfg.Oracle.GeminiKeys = append(cfg.Oracle.GeminiKeys, key)
	}
	if key := strings.TrimSpace(getenv("ANTHROPIC_API_KEY")); key != "" {
		cfg.Oracle.AnthropicKey = key
	}

	mergeString(&cfg.Site.Output, getenv("ANIMEHEAL_OUTPUT"))
	mergeString(&cfg.Rules.Dir, getenv("ANIMEHEAL_RULES_DIR"))
	mergeString(&cfg.Dashboard.Dir, getenv("ANIMEHEAL_DASHBOARD_DIR"))
	mergeString(&cfg.Catalog.CacheDir, getenv("ANIMEHEAL_CACHE_DIR"))
	mergeString(&cfg.Log.Level, getenv("ANIMEHEAL_LOG_LEVEL"))
	mergeString(&cfg.Log.File, getenv("ANIMEHEAL_LOG_FILE"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate rejects values the rest of the program cannot work with.
func (c *Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format %q: want text or json", c.Log.Format)
	}
	for name, v := range map[string]float64{
		"learner.structural_confidence": c.Learner.StructuralConfidence,
		"learner.title_confidence":      c.Learner.TitleConfidence,
		"learner.min_learned_score":     c.Learner.MinLearnedScore,
		"catalog.min_ratio":             c.Catalog.MinRatio,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s = %v: want a value between 0 and 1", name, v)
		}
	}
	if c.Fetcher.MaxDelayMillis < c.Fetcher.MinDelayMillis {
		return fmt.Errorf("fetcher.max_delay_ms (%d) is below min_delay_ms (%d)", c.Fetcher.MaxDelayMillis, c.Fetcher.MinDelayMillis)
	}
	return nil
}

// SlogLevel parses the configured level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", l.Level, err)
	}
	return lv, nil
}

// Timeout returns the per-request timeout.
func (f Fetcher) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Delays returns the bounds of the pause before each request.
func (f Fetcher) Delays() (time.Duration, time.Duration) {
	return time.Duration(f.MinDelayMillis) * time.Millisecond, time.Duration(f.MaxDelayMillis) * time.Millisecond
}

// Cooldown returns the pause after a retry decision.
func (p Policy) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// Cooldown returns how long a failed pool member sits out.
func (o Oracle) Cooldown() time.Duration {
	return time.Duration(o.CooldownSeconds) * time.Second
}

// CacheTTL returns how long catalog lookups stay fresh.
func (c Catalog) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// DefaultTOML returns the default configuration as a TOML string.
// Used by `animeheal config init` to generate a user config file.
func DefaultTOML() string {
	return `# animeheal configuration
# Save to ~/.config/animeheal/config.toml and customize
# Only include settings you want to change from defaults

[site]
base_url = "https://goyabu.io"
output = "output/animes.json"
max_pages = 0                 # 0 = until the list runs out

[fetcher]
user_agent = "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
accept_language = "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7"
timeout_seconds = 20
retries = 3
min_delay_ms = 800            # random pause before each request
max_delay_ms = 1800
browser = false               # render challenge pages with headless Chrome
chrome_path = ""              # empty = auto-detect

[rules]
dir = "rules"                 # learned and scored strategies

[dashboard]
dir = "output/errors"         # dashboard.json and errors.txt

[policy]
max_retries = 2
max_ai_attempts = 1
autofix_max_attempts = 3
cooldown_seconds = 8

[learner]
structural_confidence = 0.55
title_confidence = 0.30
min_learned_score = 0.6

[oracle]
# Keys can also come from GEMINI_API_KEYS (comma separated), GEMINI_API_KEY
# and ANTHROPIC_API_KEY.
gemini_keys = []
gemini_models = ["gemini-2.5-flash"]
anthropic_key = ""
claude_model = ""
claude_code = true            # use the local claude CLI when installed
cooldown_seconds = 60
max_attempts = 3

[catalog]
endpoint = "https://graphql.anilist.co"
cache_dir = "output/cache"    # empty disables the cache
cache_ttl_hours = 168
retries = 10
min_ratio = 0.6

[log]
level = "info"                # debug, info, warn, error
format = "text"               # text or json
file = "logs/animeheal.log"   # empty = stderr only

[metrics]
addr = "127.0.0.1:9464"
`
}

// FormatError formats a configuration error for user display.
func FormatError(err error) string {
	return fmt.Sprintf("Configuration error:\n\n%s", err.Error())
}
