// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath       = "config.toml"
	DefaultAdLibBaseURL     = "https://api.scrapecreators.com"
	DefaultGeminiBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel      = "gemini-2.5-flash"
	DefaultBatchConcurrency = 5
	DefaultMaxCacheAgeDays  = 30
	DefaultMaxCacheBytes    = 10 << 30 // 10 GiB
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log    LogConfig    `toml:"log"`
	AdLib  AdLibConfig  `toml:"adlib"`
	Gemini GeminiConfig `toml:"gemini"`
	Cache  CacheConfig  `toml:"cache"`
	Batch  BatchConfig  `toml:"batch"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdLibConfig holds the ads-library provider base URL and API key.
type AdLibConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// GeminiConfig holds the analysis provider base URL, API key, and model name.
type GeminiConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

// CacheConfig holds the media cache directory and eviction budgets.
type CacheConfig struct {
	Dir           string `toml:"dir"`
	MaxAgeDays    int    `toml:"max_age_days"`
	MaxTotalBytes int64  `toml:"max_total_bytes"`
}

// BatchConfig holds the upstream fan-out concurrency bound.
type BatchConfig struct {
	Concurrency int `toml:"concurrency"`
}

// Load reads and parses the TOML config file at path, applies default values
// for missing fields, then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		AdLib: AdLibConfig{
			BaseURL: DefaultAdLibBaseURL,
		},
		Gemini: GeminiConfig{
			BaseURL: DefaultGeminiBaseURL,
			Model:   DefaultGeminiModel,
		},
		Cache: CacheConfig{
			Dir:           defaultCacheDir(),
			MaxAgeDays:    DefaultMaxCacheAgeDays,
			MaxTotalBytes: DefaultMaxCacheBytes,
		},
		Batch: BatchConfig{
			Concurrency: DefaultBatchConcurrency,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides config fields from the environment. Environment wins over
// the file so that keys never have to be written to disk.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SCRAPECREATORS_API_KEY"); v != "" {
		cfg.AdLib.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("ADLENS_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ADLENS_BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Batch.Concurrency = n
		}
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".adlens-cache")
	}
	return filepath.Join(home, ".cache", "adlens")
}
