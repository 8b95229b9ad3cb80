// Package engine implements history synchronization for chat backends:
// cache-aware date range partitioning, bounded-concurrency chunk fetching
// with pagination, cross-chunk deduplication, attachment resolution, and
// reply threading. The engine is backend-agnostic; backends plug in via
// the source package.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/recapd/recapd/internal/daycache"
	"github.com/recapd/recapd/internal/model"
	"github.com/recapd/recapd/internal/source"
)

// AttachmentPolicy controls whether and which attachments are fetched.
type AttachmentPolicy struct {
	// Enabled gates all attachment network traffic. When false the engine
	// performs no probes or downloads and drops attachment-only messages.
	Enabled bool

	// MaxBytes rejects attachments larger than this. Zero means no limit.
	MaxBytes int64

	// AllowedTypes is a MIME allow list. Entries match exactly
	// ("image/png") or as a prefix wildcard ("image/"). Empty allows all.
	AllowedTypes []string
}

// Options tunes the engine. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// ChunkDays caps the number of calendar days per fetch chunk. Chunk
	// size is a parallelism knob only and never changes the output.
	ChunkDays int

	// FetchConcurrency bounds parallel chunk fetches.
	FetchConcurrency int

	// AttachmentConcurrency bounds parallel attachment downloads,
	// independently of FetchConcurrency.
	AttachmentConcurrency int

	// PageSize is the per-page message limit passed to backends.
	PageSize int

	// PageTimeout bounds a single page fetch.
	PageTimeout time.Duration

	// AttachmentTimeout bounds a single attachment probe plus download.
	AttachmentTimeout time.Duration

	// Now supplies the current instant, overridable in tests.
	Now func() time.Time
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		ChunkDays:             7,
		FetchConcurrency:      5,
		AttachmentConcurrency: 20,
		PageSize:              500,
		PageTimeout:           30 * time.Second,
		AttachmentTimeout:     60 * time.Second,
		Now:                   time.Now,
	}
}

// Request describes one synchronization run.
type Request struct {
	Account      string
	Conversation string

	// Start and End bound the window; both endpoints' calendar days are
	// included. End may fall on today.
	Start time.Time
	End   time.Time

	// Location is the timezone defining calendar day boundaries, and in
	// particular which day is "today". Nil means time.Local.
	Location *time.Location

	// CachingEnabled turns the day cache on for this run.
	CachingEnabled bool

	// Attachments is the attachment policy for this run.
	Attachments AttachmentPolicy
}

func (r Request) location() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return time.Local
}

// Result is the outcome of a synchronization run.
type Result struct {
	// Messages is the threaded, deterministically ordered history.
	Messages []model.Message

	// Days is the number of calendar days in the request window.
	Days int

	// CachedDays and FetchedDays count how each day was served. Days
	// belonging to failed chunks are counted in FailedDays and contribute
	// no messages.
	CachedDays  int
	FetchedDays int
	FailedDays  int
}

// Partial reports whether some chunks failed and the result is missing
// their days.
func (r *Result) Partial() bool {
	return r.FailedDays > 0
}

// Synchronizer runs history synchronization for one backend against one
// day cache.
type Synchronizer struct {
	src    source.Source
	cache  daycache.Store
	opts   Options
	logger *slog.Logger
}

// New creates a Synchronizer.
func New(src source.Source, cache daycache.Store, opts Options) *Synchronizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Synchronizer{
		src:    src,
		cache:  cache,
		opts:   opts,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used by the synchronizer.
func (s *Synchronizer) WithLogger(logger *slog.Logger) *Synchronizer {
	s.logger = logger
	return s
}

// Synchronize produces the message history for the requested window.
//
// Cached days are served locally; the remaining days are grouped into
// contiguous chunks and fetched in parallel. A chunk failure costs only
// that chunk's days; even an all-chunks-failed run returns whatever the
// cache provided rather than an error. Successful fresh days strictly
// before today are written back to the cache, empty days included, so
// quiet days do not get refetched. Today is never read from nor written
// to the cache.
func (s *Synchronizer) Synchronize(ctx context.Context, req Request) (*Result, error) {
	if req.Account == "" {
		return nil, errors.New("account is required")
	}
	if req.Conversation == "" {
		return nil, errors.New("conversation is required")
	}
	if req.End.Before(req.Start) {
		return nil, fmt.Errorf("end %s precedes start %s",
			req.End.Format("2006-01-02"), req.Start.Format("2006-01-02"))
	}

	loc := req.location()
	today := midnight(s.opts.Now(), loc)
	runID := uuid.NewString()[:8]
	logger := s.logger.With("run", runID, "source", s.src.Name(), "conversation", req.Conversation)

	cached, chunks := s.partition(req, today)
	totalDays := 0
	last := midnight(req.End, loc)
	for d := midnight(req.Start, loc); !d.After(last); d = d.AddDate(0, 0, 1) {
		totalDays++
	}
	missDays := 0
	for _, c := range chunks {
		missDays += len(c.days)
	}
	logger.Info("synchronizing",
		"days", totalDays,
		"cached_days", totalDays-missDays,
		"chunks", len(chunks),
		"affinity", s.src.Affinity().String())

	res := &Result{Days: totalDays, CachedDays: totalDays - missDays}

	if len(chunks) == 0 {
		res.Messages = ResolveThreads(cached, logger)
		return res, nil
	}

	// Shared-handle backends get exactly one session for the whole run,
	// covering both chunk fetches and attachment downloads.
	var shared source.Session
	if s.src.Affinity() == source.AffinityShared {
		sess, err := s.src.Open(ctx, req.Account)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		defer sess.Close()
		shared = sess
	}

	chunkResults := s.fetchChunks(ctx, req, chunks, shared)

	// First-seen wins across cache and chunks. Cached messages take
	// precedence; a freshly fetched duplicate of a cached message is
	// discarded before any attachment work happens.
	seen := make(map[string]struct{}, len(cached))
	for _, m := range cached {
		seen[m.ID] = struct{}{}
	}

	var freshRaws []source.RawMessage
	okChunks := make([]fetchChunk, 0, len(chunkResults))
	for _, cr := range chunkResults {
		if cr.err != nil {
			res.FailedDays += len(cr.chunk.days)
			logger.Warn("chunk fetch failed, continuing with remaining chunks",
				"chunk_start", cr.chunk.start().Format("2006-01-02"),
				"chunk_days", len(cr.chunk.days),
				"error", cr.err)
			continue
		}
		res.FetchedDays += len(cr.chunk.days)
		okChunks = append(okChunks, cr.chunk)
		for _, raw := range cr.raws {
			if _, dup := seen[raw.ID]; dup {
				continue
			}
			seen[raw.ID] = struct{}{}
			freshRaws = append(freshRaws, raw)
		}
	}

	attachSess := shared
	attachDegraded := false
	if attachSess == nil && len(freshRaws) > 0 && req.Attachments.Enabled {
		sess, err := s.src.Open(ctx, req.Account)
		if err != nil {
			logger.Warn("opening attachment session failed, proceeding without attachments and skipping cache write-back", "error", err)
			attachDegraded = true
		} else {
			defer sess.Close()
			attachSess = sess
		}
	}

	policy := req.Attachments
	if policy.Enabled && attachSess == nil {
		policy.Enabled = false
	}
	fresh := s.resolveAttachments(ctx, attachSess, freshRaws, policy)

	// A degraded run serves attachment-less messages once, but caching
	// them would make the loss permanent for every later read of those
	// days. Leave the days unwritten so the next run retries in full.
	if req.CachingEnabled && !attachDegraded {
		s.writeBack(req, okChunks, fresh, today, logger)
	}

	merged := make([]model.Message, 0, len(cached)+len(fresh))
	merged = append(merged, cached...)
	merged = append(merged, fresh...)
	res.Messages = ResolveThreads(merged, logger)

	logger.Info("synchronized",
		"messages", len(res.Messages),
		"fetched_days", res.FetchedDays,
		"failed_days", res.FailedDays)
	return res, nil
}

// writeBack persists each successfully fetched day strictly before today,
// including days with no messages. Write failures degrade to a warning;
// the run's result is already assembled in memory.
func (s *Synchronizer) writeBack(req Request, okChunks []fetchChunk, fresh []model.Message, today time.Time, logger *slog.Logger) {
	loc := req.location()

	byDay := make(map[time.Time][]model.Message)
	for _, m := range fresh {
		byDay[midnight(m.Timestamp, loc)] = append(byDay[midnight(m.Timestamp, loc)], m)
	}

	for _, c := range okChunks {
		for _, day := range c.days {
			if !day.Before(today) {
				continue
			}
			key := daycache.Key{Account: req.Account, Conversation: req.Conversation, Day: day}
			msgs := byDay[day]
			if msgs == nil {
				msgs = []model.Message{}
			}
			if err := s.cache.Put(key, msgs); err != nil {
				logger.Warn("cache write failed", "day", key.DayString(), "error", err)
			}
		}
	}
}
