package engine

import (
	"errors"
	"time"

	"github.com/recapd/recapd/internal/daycache"
	"github.com/recapd/recapd/internal/model"
)

// fetchChunk is a contiguous run of cache-miss calendar days, fetched as
// one remote pagination job. Days are local midnights in the request
// timezone, in ascending order.
type fetchChunk struct {
	days []time.Time
}

// start returns the inclusive lower instant of the chunk window.
func (c fetchChunk) start() time.Time {
	return c.days[0]
}

// end returns the exclusive upper instant of the chunk window.
func (c fetchChunk) end() time.Time {
	return c.days[len(c.days)-1].AddDate(0, 0, 1)
}

// contains reports whether an instant falls inside the chunk window.
func (c fetchChunk) contains(t time.Time) bool {
	return !t.Before(c.start()) && t.Before(c.end())
}

// partition walks every calendar day of the request window and splits it
// into cache hits and fetch chunks. A day is a hit iff it is strictly
// before today (local), caching is enabled, and a readable well-formed
// entry exists; a corrupted entry demotes to a miss. Today is always a
// miss by construction. Partitioning itself cannot fail.
func (s *Synchronizer) partition(req Request, today time.Time) (cached []model.Message, chunks []fetchChunk) {
	loc := req.location()
	day := midnight(req.Start, loc)
	last := midnight(req.End, loc)

	var missDays []time.Time
	for !day.After(last) {
		if s.dayHit(req, day, today, &cached) {
			day = day.AddDate(0, 0, 1)
			continue
		}
		missDays = append(missDays, day)
		day = day.AddDate(0, 0, 1)
	}

	return cached, chunkDays(missDays, s.opts.ChunkDays)
}

// dayHit tries to serve one calendar day from cache, appending its
// messages to cached on success.
func (s *Synchronizer) dayHit(req Request, day, today time.Time, cached *[]model.Message) bool {
	if !req.CachingEnabled || !day.Before(today) {
		return false
	}

	key := daycache.Key{Account: req.Account, Conversation: req.Conversation, Day: day}
	msgs, err := s.cache.Get(key)
	if errors.Is(err, daycache.ErrMiss) {
		return false
	}
	if err != nil {
		// Unreadable entries degrade to a miss and are refetched.
		s.logger.Warn("discarding unreadable cache entry",
			"conversation", req.Conversation,
			"day", key.DayString(),
			"error", err)
		return false
	}

	s.logger.Debug("cache hit", "conversation", req.Conversation, "day", key.DayString(), "messages", len(msgs))
	*cached = append(*cached, msgs...)
	return true
}

// chunkDays merges adjacent miss days into contiguous runs and splits any
// run longer than maxDays into equal-size sub-chunks. Chunk boundaries
// are a parallelism knob only; the final output must not depend on them.
func chunkDays(days []time.Time, maxDays int) []fetchChunk {
	if len(days) == 0 {
		return nil
	}
	if maxDays < 1 {
		maxDays = 1
	}

	var runs [][]time.Time
	run := []time.Time{days[0]}
	for _, d := range days[1:] {
		if run[len(run)-1].AddDate(0, 0, 1).Equal(d) {
			run = append(run, d)
		} else {
			runs = append(runs, run)
			run = []time.Time{d}
		}
	}
	runs = append(runs, run)

	var chunks []fetchChunk
	for _, r := range runs {
		for i := 0; i < len(r); i += maxDays {
			end := i + maxDays
			if end > len(r) {
				end = len(r)
			}
			chunks = append(chunks, fetchChunk{days: r[i:end]})
		}
	}
	return chunks
}

// midnight truncates an instant to 00:00:00 of its calendar day in loc.
func midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
