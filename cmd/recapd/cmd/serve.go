package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/recapd/recapd/internal/api"
	"github.com/recapd/recapd/internal/config"
	"github.com/recapd/recapd/internal/daycache"
	"github.com/recapd/recapd/internal/engine"
	"github.com/recapd/recapd/internal/scheduler"
	"github.com/recapd/recapd/internal/source"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server and pre-warm scheduler",
	Long: `Start the recapd HTTP API and, if any [[prewarm]] schedules are
configured, the cron scheduler that keeps their day caches warm.

The server exposes sync, recap (streamed as server-sent events), export
and conversation listing under /api/v1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := buildRegistry(cfg)

		cache, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer cache.Close()

		opts := engineOptions(cfg)

		sched := scheduler.New(prewarmFunc(registry, cache, opts)).WithLogger(logger)
		if n, errs := sched.AddJobsFromConfig(cfg); n > 0 || len(errs) > 0 {
			for _, e := range errs {
				logger.Warn("skipping pre-warm schedule", "error", e)
			}
			if n > 0 {
				sched.Start()
				defer func() {
					<-sched.Stop().Done()
				}()
			}
		}

		var recapper api.Recapper
		if s := buildSummarizer(cfg); s != nil {
			recapper = s
		}
		server := api.NewServer(cfg, registry, cache, opts, recapper, logger)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		select {
		case <-cmd.Context().Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown error", "error", err)
			}
			return cmd.Context().Err()
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

// prewarmFunc builds the scheduler callback: sync the job's trailing
// window with caching enabled so day entries are fresh.
func prewarmFunc(registry *source.Registry, cache daycache.Store, opts engine.Options) scheduler.PrewarmFunc {
	return func(ctx context.Context, job config.PrewarmSchedule) error {
		src, err := registry.Get(job.Source)
		if err != nil {
			return err
		}

		days := job.WindowDays
		if days < 1 {
			days = 7
		}
		end := time.Now()
		start := end.AddDate(0, 0, -(days - 1))

		syn := engine.New(src, cache, opts).WithLogger(logger)
		res, err := syn.Synchronize(ctx, engine.Request{
			Account:        job.Account,
			Conversation:   job.Conversation,
			Start:          start,
			End:            end,
			CachingEnabled: true,
		})
		if err != nil {
			return err
		}
		if res.Partial() {
			return fmt.Errorf("pre-warm fetched partially: %d of %d days failed", res.FailedDays, res.Days)
		}
		return nil
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
