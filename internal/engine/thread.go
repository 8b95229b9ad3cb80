package engine

import (
	"log/slog"
	"sort"

	"github.com/recapd/recapd/internal/model"
)

// ResolveThreads converts parent-pointer reply links into a root-grouped,
// chronologically ordered sequence and assigns ThreadRootID on every
// message. The ordering is deterministic for a given input set,
// independent of input order:
//
//   - top-level messages (no reply link) sort chronologically, each
//     followed immediately by its thread's descendants, themselves
//     chronologically sorted;
//   - threads whose root is not an in-range top-level message (orphaned
//     threads, including single synthetic roots) are appended after all
//     top-level threads, ordered by their earliest member.
func ResolveThreads(msgs []model.Message, logger *slog.Logger) []model.Message {
	if logger == nil {
		logger = slog.Default()
	}
	if len(msgs) == 0 {
		return msgs
	}

	byID := make(map[string]*model.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	var topLevel []*model.Message
	descendants := make(map[string][]*model.Message)

	for i := range msgs {
		m := &msgs[i]
		if m.ReplyToID == "" {
			m.ThreadRootID = m.ID
			topLevel = append(topLevel, m)
			continue
		}
		m.ThreadRootID = resolveRoot(m.ID, byID, logger)
		descendants[m.ThreadRootID] = append(descendants[m.ThreadRootID], m)
	}

	sortChrono(topLevel)
	for _, group := range descendants {
		sortChrono(group)
	}

	out := make([]model.Message, 0, len(msgs))
	for _, top := range topLevel {
		out = append(out, *top)
		for _, d := range descendants[top.ID] {
			out = append(out, *d)
		}
		delete(descendants, top.ID)
	}

	// Remaining groups are orphaned threads: their true root lies outside
	// the fetched window. Order them by earliest member.
	orphaned := make([][]*model.Message, 0, len(descendants))
	for _, group := range descendants {
		orphaned = append(orphaned, group)
	}
	sort.Slice(orphaned, func(i, j int) bool {
		return orphaned[i][0].Before(orphaned[j][0])
	})
	for _, group := range orphaned {
		for _, m := range group {
			out = append(out, *m)
		}
	}

	return out
}

// resolveRoot walks the reply chain upward from id. The walk stops at a
// true root (no reply link), at the deepest in-range ancestor when the
// next parent is missing from the set (synthetic local root), or on a
// cycle, in which case the current node is treated as its own root.
func resolveRoot(id string, byID map[string]*model.Message, logger *slog.Logger) string {
	visited := make(map[string]struct{})
	current := id

	for {
		if _, seen := visited[current]; seen {
			logger.Warn("reply cycle detected, breaking thread at current message", "id", current)
			return current
		}
		visited[current] = struct{}{}

		parent := byID[current].ReplyToID
		if parent == "" {
			return current
		}
		if _, ok := byID[parent]; !ok {
			// Parent outside the fetched window: current becomes a
			// synthetic local root for the orphaned thread.
			return current
		}
		current = parent
	}
}

func sortChrono(msgs []*model.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
