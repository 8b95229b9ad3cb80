// Package config handles loading and managing recapd configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir    string `toml:"data_dir"`
	CacheStore string `toml:"cache_store"` // "file" (default) or "sqlite"
}

// SyncConfig holds history synchronization tuning.
type SyncConfig struct {
	ChunkDays        int `toml:"chunk_days"`        // Max calendar days per fetch chunk
	FetchConcurrency int `toml:"fetch_concurrency"` // Max chunks fetched in parallel
	PageSize         int `toml:"page_size"`         // Messages per pagination request
	PageTimeoutSecs  int `toml:"page_timeout_secs"` // Timeout per page request
}

// AttachmentConfig holds the default attachment resolution policy.
type AttachmentConfig struct {
	Enabled      bool     `toml:"enabled"`
	MaxSizeBytes int64    `toml:"max_size_bytes"` // 0 = unlimited
	AllowedTypes []string `toml:"allowed_types"`  // empty = unrestricted
	Concurrency  int      `toml:"concurrency"`    // Max parallel downloads
	TimeoutSecs  int      `toml:"timeout_secs"`   // Timeout per download
}

// RecapConfig holds LLM recap configuration.
type RecapConfig struct {
	BaseURL   string `toml:"base_url"` // OpenAI-compatible endpoint, empty = api.openai.com
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"` // Env var holding the API key
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	BindAddr    string   `toml:"bind_addr"` // Defaults to loopback
	APIPort     int      `toml:"api_port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"` // Empty disables CORS
}

// WebexConfig holds Webex backend credentials.
type WebexConfig struct {
	BaseURL     string `toml:"base_url"` // Override for testing; empty = webexapis.com
	AccessToken string `toml:"access_token"`
	TokenEnv    string `toml:"token_env"` // Env var consulted when access_token is empty
}

// RedditConfig holds Reddit backend settings.
type RedditConfig struct {
	BaseURL   string `toml:"base_url"` // Override for testing; empty = www.reddit.com
	UserAgent string `toml:"user_agent"`
}

// IMAPConfig holds IMAP backend connection settings.
type IMAPConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Username    string `toml:"username"`
	PasswordEnv string `toml:"password_env"` // Env var holding the password
	TLS         bool   `toml:"tls"`
}

// PrewarmSchedule defines a scheduled cache pre-warm sync for one
// conversation.
type PrewarmSchedule struct {
	Source       string `toml:"source"`  // Backend name ("webex", "reddit", "imap")
	Account      string `toml:"account"` // Account identifier for that backend
	Conversation string `toml:"conversation"`
	Schedule     string `toml:"schedule"` // Cron expression
	WindowDays   int    `toml:"window_days"`
	Enabled      bool   `toml:"enabled"`
}

// Config represents the recapd configuration.
type Config struct {
	Data        DataConfig        `toml:"data"`
	Sync        SyncConfig        `toml:"sync"`
	Attachments AttachmentConfig  `toml:"attachments"`
	Recap       RecapConfig       `toml:"recap"`
	Server      ServerConfig      `toml:"server"`
	Webex       WebexConfig       `toml:"webex"`
	Reddit      RedditConfig      `toml:"reddit"`
	IMAP        IMAPConfig        `toml:"imap"`
	Prewarm     []PrewarmSchedule `toml:"prewarm"`

	// Computed, not read from the config file.
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default recapd home directory.
// Respects the RECAPD_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("RECAPD_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recapd"
	}
	return filepath.Join(home, ".recapd")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.recapd/config.toml).
// The config file is optional; defaults apply when it is absent.
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir:    homeDir,
			CacheStore: "file",
		},
		Sync: SyncConfig{
			ChunkDays:        7,
			FetchConcurrency: 5,
			PageSize:         500,
			PageTimeoutSecs:  30,
		},
		Attachments: AttachmentConfig{
			Enabled:     false,
			Concurrency: 20,
			TimeoutSecs: 60,
		},
		Recap: RecapConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Server: ServerConfig{
			APIPort: 8080,
		},
		Reddit: RedditConfig{
			UserAgent: "recapd/1.0",
		},
		IMAP: IMAPConfig{
			Port: 993,
			TLS:  true,
		},
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.ChunkDays < 1 {
		return fmt.Errorf("sync.chunk_days must be at least 1, got %d", c.Sync.ChunkDays)
	}
	if c.Sync.FetchConcurrency < 1 {
		return fmt.Errorf("sync.fetch_concurrency must be at least 1, got %d", c.Sync.FetchConcurrency)
	}
	switch c.Data.CacheStore {
	case "file", "sqlite":
	default:
		return fmt.Errorf("data.cache_store must be \"file\" or \"sqlite\", got %q", c.Data.CacheStore)
	}
	return nil
}

// EnsureHomeDir creates the data directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.Data.DataDir, 0o755)
}

// CacheDir returns the root directory of the file-backed day cache.
func (c *Config) CacheDir() string {
	return filepath.Join(c.Data.DataDir, "cache")
}

// CacheDBPath returns the path of the SQLite day cache database.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.Data.DataDir, "cache.db")
}

// PageTimeout returns the per-page fetch timeout as a duration.
func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.Sync.PageTimeoutSecs) * time.Second
}

// AttachmentTimeout returns the per-download timeout as a duration.
func (c *Config) AttachmentTimeout() time.Duration {
	return time.Duration(c.Attachments.TimeoutSecs) * time.Second
}

// EnabledPrewarms returns pre-warm schedules with scheduling enabled.
func (c *Config) EnabledPrewarms() []PrewarmSchedule {
	var out []PrewarmSchedule
	for _, p := range c.Prewarm {
		if p.Enabled && p.Schedule != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
