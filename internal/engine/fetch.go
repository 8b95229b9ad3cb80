package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/recapd/recapd/internal/source"
	"golang.org/x/sync/errgroup"
)

// chunkResult carries the outcome of one chunk fetch. A failed chunk's
// days are not cached and its messages are simply absent from the result;
// the failure never aborts sibling chunks.
type chunkResult struct {
	chunk fetchChunk
	raws  []source.RawMessage
	err   error
}

// fetchChunks runs all chunks under the bounded fetch pool, honoring the
// source's session affinity. With a shared-handle source one session is
// opened up front and reused by every worker; a per-call source gets one
// session per chunk. A single chunk runs inline without pool overhead.
func (s *Synchronizer) fetchChunks(ctx context.Context, req Request, chunks []fetchChunk, shared source.Session) []chunkResult {
	results := make([]chunkResult, len(chunks))
	for i := range chunks {
		results[i].chunk = chunks[i]
	}

	if len(chunks) == 1 {
		results[0].raws, results[0].err = s.fetchOneChunk(ctx, req, chunks[0], shared)
		return results
	}

	sem := make(chan struct{}, s.opts.FetchConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i := range chunks {
		i := i
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				results[i].err = gctx.Err()
				return nil
			}

			results[i].raws, results[i].err = s.fetchOneChunk(gctx, req, chunks[i], shared)
			return nil
		})
	}

	// Workers never return errors; failures are recorded per chunk.
	_ = g.Wait()
	return results
}

// fetchOneChunk opens a session if the source is per-call (shared is nil
// in that case) and pages the chunk window.
func (s *Synchronizer) fetchOneChunk(ctx context.Context, req Request, c fetchChunk, shared source.Session) ([]source.RawMessage, error) {
	sess := shared
	if sess == nil {
		var err error
		sess, err = s.src.Open(ctx, req.Account)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		defer sess.Close()
	}
	return s.pageChunk(ctx, sess, req.Conversation, c)
}

// pageChunk paginates backward from the chunk's end boundary, keeping
// only messages inside the chunk window and deduplicating by message ID
// within the chunk. Pagination stops when the oldest message in a page
// predates the chunk start, or when a short page signals the end of
// history. Messages with neither text nor attachment handles are pure
// control events and are dropped.
func (s *Synchronizer) pageChunk(ctx context.Context, sess source.Session, conversation string, c fetchChunk) ([]source.RawMessage, error) {
	var (
		kept   []source.RawMessage
		seen   = make(map[string]struct{})
		before = c.end()
	)

	for page := 0; ; page++ {
		pageCtx, cancel := context.WithTimeout(ctx, s.opts.PageTimeout)
		msgs, err := sess.FetchPage(pageCtx, conversation, before, s.opts.PageSize)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetch page %d before %s: %w", page, before.Format(time.RFC3339), err)
		}
		if len(msgs) == 0 {
			break
		}

		oldest := msgs[0].Timestamp
		for _, raw := range msgs {
			if raw.Timestamp.Before(oldest) {
				oldest = raw.Timestamp
			}
			if !c.contains(raw.Timestamp) {
				continue
			}
			if raw.Text == "" && len(raw.Handles) == 0 {
				continue
			}
			if _, dup := seen[raw.ID]; dup {
				continue
			}
			seen[raw.ID] = struct{}{}
			kept = append(kept, raw)
		}

		if len(msgs) < s.opts.PageSize || oldest.Before(c.start()) {
			break
		}
		if !oldest.Before(before) {
			// A page that fails to move the cursor backward would loop
			// forever; treat it as end of history.
			s.logger.Warn("pagination cursor did not advance, stopping",
				"conversation", conversation,
				"before", before.Format(time.RFC3339))
			break
		}
		before = oldest
	}

	return kept, nil
}
