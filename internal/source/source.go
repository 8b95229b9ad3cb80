// Package source defines the capability contract a chat backend must
// provide to the sync engine: backward pagination, attachment resolution,
// and a declared concurrency affinity. Backends form a closed set of
// variants registered at construction time.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/recapd/recapd/internal/model"
)

// Affinity declares how sessions may be used across parallel chunk
// fetches.
type Affinity int

const (
	// AffinityPerCall means each chunk fetch may open its own session.
	AffinityPerCall Affinity = iota

	// AffinityShared means one session must be opened per account and
	// reused across all parallel chunk fetches, typically because the
	// backing store cannot tolerate concurrent connections.
	AffinityShared
)

func (a Affinity) String() string {
	switch a {
	case AffinityShared:
		return "shared-handle"
	default:
		return "per-call"
	}
}

// ErrNoProbe is returned by Probe when a backend has no cheap metadata
// probe; callers should fall back to downloading the payload.
var ErrNoProbe = errors.New("source: probe not supported")

// AttachmentHandle is an opaque reference to a not-yet-downloaded
// attachment. URL is set for HTTP-addressable payloads; Ref carries any
// backend-private locator (e.g. an IMAP part path).
type AttachmentHandle struct {
	URL string
	Ref string
}

// AttachmentInfo is the result of a cheap existence/size/type probe.
type AttachmentInfo struct {
	MimeType string
	Size     int64
}

// RawMessage is a fetched message whose attachments have not been
// resolved yet. Handles are ordered; the engine zips resolved payloads
// back onto the message by index.
type RawMessage struct {
	model.Message
	Handles []AttachmentHandle
}

// Session is an authenticated connection to one account on a backend.
type Session interface {
	// FetchPage returns up to pageSize messages strictly older than
	// before, newest first, along with their attachment handles.
	// A short page signals the end of available history.
	FetchPage(ctx context.Context, conversationID string, before time.Time, pageSize int) ([]RawMessage, error)

	// Probe returns size/type metadata for a handle without downloading
	// the payload, or ErrNoProbe if the backend cannot do so cheaply.
	Probe(ctx context.Context, h AttachmentHandle) (*AttachmentInfo, error)

	// ResolveAttachment downloads the payload for a handle.
	ResolveAttachment(ctx context.Context, h AttachmentHandle) (*model.Attachment, error)

	Close() error
}

// Source is one chat backend.
type Source interface {
	// Name returns the backend's registry name ("webex", "reddit", ...).
	Name() string

	// Affinity declares the backend's session concurrency contract.
	Affinity() Affinity

	// Open authenticates a session for the given account.
	Open(ctx context.Context, account string) (Session, error)

	// ListConversations lists the conversations visible to the account.
	ListConversations(ctx context.Context, account string) ([]model.Conversation, error)
}

// Registry holds the closed set of configured backends.
type Registry struct {
	sources map[string]Source
}

// NewRegistry builds a registry from the given backends.
func NewRegistry(srcs ...Source) *Registry {
	m := make(map[string]Source, len(srcs))
	for _, s := range srcs {
		m[s.Name()] = s
	}
	return &Registry{sources: m}
}

// Get returns the backend with the given name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q (configured: %v)", name, r.Names())
	}
	return s, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
