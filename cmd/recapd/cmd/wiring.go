package cmd

import (
	"fmt"
	"os"

	"github.com/recapd/recapd/internal/config"
	"github.com/recapd/recapd/internal/daycache"
	"github.com/recapd/recapd/internal/engine"
	"github.com/recapd/recapd/internal/source"
	"github.com/recapd/recapd/internal/source/imapchat"
	"github.com/recapd/recapd/internal/source/reddit"
	"github.com/recapd/recapd/internal/source/webex"
	"github.com/recapd/recapd/internal/summarize"
)

// buildRegistry assembles the backend registry from the configuration.
// Backends missing required settings are simply not registered.
func buildRegistry(cfg *config.Config) *source.Registry {
	var srcs []source.Source

	token := cfg.Webex.AccessToken
	if token == "" && cfg.Webex.TokenEnv != "" {
		token = os.Getenv(cfg.Webex.TokenEnv)
	}
	if token != "" {
		webexOpts := []webex.Option{webex.WithLogger(logger)}
		if cfg.Webex.BaseURL != "" {
			webexOpts = append(webexOpts, webex.WithBaseURL(cfg.Webex.BaseURL))
		}
		srcs = append(srcs, webex.New(token, webexOpts...))
	}

	redditOpts := []reddit.Option{reddit.WithLogger(logger)}
	if cfg.Reddit.BaseURL != "" {
		redditOpts = append(redditOpts, reddit.WithBaseURL(cfg.Reddit.BaseURL))
	}
	srcs = append(srcs, reddit.New(cfg.Reddit.UserAgent, redditOpts...))

	if cfg.IMAP.Host != "" {
		srcs = append(srcs, imapchat.New(&imapchat.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: os.Getenv(cfg.IMAP.PasswordEnv),
			TLS:      cfg.IMAP.TLS,
		}, imapchat.WithLogger(logger)))
	}

	return source.NewRegistry(srcs...)
}

// openCache opens the configured day cache store.
func openCache(cfg *config.Config) (daycache.Store, error) {
	switch cfg.Data.CacheStore {
	case "sqlite":
		store, err := daycache.OpenSQLite(cfg.CacheDBPath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return store, nil
	default:
		store, err := daycache.NewFileStore(cfg.CacheDir())
		if err != nil {
			return nil, fmt.Errorf("open file cache: %w", err)
		}
		return store, nil
	}
}

// engineOptions maps configuration to engine tuning.
func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.ChunkDays = cfg.Sync.ChunkDays
	opts.FetchConcurrency = cfg.Sync.FetchConcurrency
	opts.PageSize = cfg.Sync.PageSize
	opts.PageTimeout = cfg.PageTimeout()
	if cfg.Attachments.Concurrency > 0 {
		opts.AttachmentConcurrency = cfg.Attachments.Concurrency
	}
	opts.AttachmentTimeout = cfg.AttachmentTimeout()
	return opts
}

// buildSummarizer creates the recap summarizer, or returns nil when no
// API key is available.
func buildSummarizer(cfg *config.Config) *summarize.Summarizer {
	apiKey := os.Getenv(cfg.Recap.APIKeyEnv)
	if apiKey == "" {
		return nil
	}
	opts := []summarize.Option{summarize.WithLogger(logger)}
	if cfg.Recap.BaseURL != "" {
		opts = append(opts, summarize.WithBaseURL(cfg.Recap.BaseURL))
	}
	return summarize.New(apiKey, cfg.Recap.Model, opts...)
}

// attachmentPolicy builds the engine policy from config, gated by the
// per-invocation flag.
func attachmentPolicy(cfg *config.Config, enabled bool) engine.AttachmentPolicy {
	return engine.AttachmentPolicy{
		Enabled:      enabled && cfg.Attachments.Enabled,
		MaxBytes:     cfg.Attachments.MaxSizeBytes,
		AllowedTypes: cfg.Attachments.AllowedTypes,
	}
}
