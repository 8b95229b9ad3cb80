// Package daycache persists per-day message archives. The unit of
// persistence is one (account, conversation, local calendar day) key; the
// cache is derived, re-fetchable data and is safe to delete at any time.
package daycache

import (
	"errors"
	"strings"
	"time"

	"github.com/recapd/recapd/internal/model"
)

// ErrMiss indicates that no cache entry exists for a key. A corrupted or
// unreadable entry is reported as a distinct error; callers are expected
// to demote any Get error to a miss.
var ErrMiss = errors.New("daycache: miss")

// Key identifies one cached day. Day must be midnight in the caller's
// timezone; only its calendar date is significant.
type Key struct {
	Account      string
	Conversation string
	Day          time.Time
}

// DayString returns the key's calendar date as YYYY-MM-DD.
func (k Key) DayString() string {
	return k.Day.Format("2006-01-02")
}

// Store is the day-granular cache interface. An empty (non-nil) message
// list is a valid entry meaning "checked, nothing found" and must
// round-trip as such. Concurrent writers to the same key are not
// coordinated; last writer wins.
type Store interface {
	// Get returns the cached messages for key, ErrMiss if absent, or
	// another error if the entry exists but cannot be read.
	Get(key Key) ([]model.Message, error)

	// Put writes the messages for key, replacing any existing entry.
	Put(key Key, msgs []model.Message) error

	Close() error
}

// sanitize strips everything but letters and digits from a path
// component, so account and conversation identifiers cannot escape the
// cache layout.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
