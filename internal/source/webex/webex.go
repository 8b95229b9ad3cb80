// Package webex implements the Webex messaging backend. Webex exposes a
// plain REST API with bearer auth, cursor-free backward pagination on the
// message list endpoint, and direct HTTPS download URLs for attachments,
// so sessions are cheap and the backend declares per-call affinity.
package webex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/recapd/recapd/internal/model"
	"github.com/recapd/recapd/internal/source"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://webexapis.com/v1"
	maxRetries     = 5
	maxBackoff     = 60 // seconds
)

// Source is the Webex backend.
type Source struct {
	baseURL string
	token   string
	rps     rate.Limit
	logger  *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(u string) Option {
	return func(s *Source) { s.baseURL = u }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// WithRateLimit sets the request rate limit in requests per second.
func WithRateLimit(rps float64) Option {
	return func(s *Source) { s.rps = rate.Limit(rps) }
}

// New creates a Webex source authenticating with the given bearer token.
func New(token string, opts ...Option) *Source {
	s := &Source{
		baseURL: defaultBaseURL,
		token:   token,
		rps:     5,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements source.Source.
func (s *Source) Name() string { return "webex" }

// Affinity implements source.Source.
func (s *Source) Affinity() source.Affinity { return source.AffinityPerCall }

// Open implements source.Source. The account argument is unused; a Webex
// token identifies exactly one account.
func (s *Source) Open(ctx context.Context, account string) (source.Session, error) {
	if s.token == "" {
		return nil, fmt.Errorf("webex: no access token configured")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.token})
	return &session{
		baseURL:    s.baseURL,
		httpClient: oauth2.NewClient(ctx, ts),
		limiter:    rate.NewLimiter(s.rps, 1),
		logger:     s.logger,
	}, nil
}

// ListConversations implements source.Source, listing the rooms visible
// to the token.
func (s *Source) ListConversations(ctx context.Context, account string) ([]model.Conversation, error) {
	sess, err := s.Open(ctx, account)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.(*session).listRooms(ctx)
}

type session struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Webex API JSON response types (unexported, used only for unmarshaling).

type roomJSON struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"` // "group" or "direct"
}

type listRoomsResponse struct {
	Items []roomJSON `json:"items"`
}

type messageJSON struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId"`
	ParentID    string   `json:"parentId"`
	PersonID    string   `json:"personId"`
	PersonEmail string   `json:"personEmail"`
	Text        string   `json:"text"`
	Created     string   `json:"created"` // RFC 3339
	Files       []string `json:"files"`
}

type listMessagesResponse struct {
	Items []messageJSON `json:"items"`
}

// FetchPage implements source.Session. Webex lists messages newest first
// and filters with a "before" timestamp, which maps directly onto the
// engine's pagination contract.
func (c *session) FetchPage(ctx context.Context, conversationID string, before time.Time, pageSize int) ([]source.RawMessage, error) {
	params := url.Values{}
	params.Set("roomId", conversationID)
	params.Set("max", strconv.Itoa(pageSize))
	params.Set("before", before.UTC().Format(time.RFC3339))

	data, err := c.request(ctx, "GET", "/messages?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	raws := make([]source.RawMessage, 0, len(resp.Items))
	for _, item := range resp.Items {
		created, err := time.Parse(time.RFC3339, item.Created)
		if err != nil {
			c.logger.Warn("skipping message with unparseable timestamp",
				"id", item.ID, "created", item.Created)
			continue
		}

		raw := source.RawMessage{
			Message: model.Message{
				ID:        item.ID,
				Author:    model.Author{ID: item.PersonID, Name: item.PersonEmail},
				Text:      item.Text,
				Timestamp: created,
				ReplyToID: item.ParentID,
			},
		}
		for _, fileURL := range item.Files {
			raw.Handles = append(raw.Handles, source.AttachmentHandle{URL: fileURL})
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// Probe implements source.Session with a HEAD request against the file
// URL. Webex reports Content-Type and Content-Length on HEAD, so the
// engine can reject oversized or off-policy files without downloading.
func (c *session) Probe(ctx context.Context, h source.AttachmentHandle) (*source.AttachmentInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe attachment: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("probe attachment: status %d", resp.StatusCode)
	}

	info := &source.AttachmentInfo{MimeType: resp.Header.Get("Content-Type")}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		info.Size, _ = strconv.ParseInt(cl, 10, 64)
	}
	return info, nil
}

// ResolveAttachment implements source.Session.
func (c *session) ResolveAttachment(ctx context.Context, h source.AttachmentHandle) (*model.Attachment, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}

	return &model.Attachment{
		MimeType: resp.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

// Close implements source.Session.
func (c *session) Close() error { return nil }

func (c *session) listRooms(ctx context.Context) ([]model.Conversation, error) {
	params := url.Values{}
	params.Set("max", "1000")
	params.Set("sortBy", "lastactivity")

	data, err := c.request(ctx, "GET", "/rooms?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp listRoomsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse rooms: %w", err)
	}

	convs := make([]model.Conversation, len(resp.Items))
	for i, room := range resp.Items {
		convs[i] = model.Conversation{
			ID:    room.ID,
			Title: room.Title,
			Kind:  room.Type,
		}
	}
	return convs, nil
}

// request makes an API request with rate limiting and retry logic for
// transient failures.
func (c *session) request(ctx context.Context, method, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case 429:
			// Webex sends Retry-After in seconds on 429.
			wait := 15 * time.Second
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
					wait = time.Duration(secs) * time.Second
				}
			}
			c.logger.Debug("rate limited, honoring Retry-After", "wait", wait, "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case 500, 502, 503, 504:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case 401:
			return nil, fmt.Errorf("unauthorized (401): token may be invalid or expired")

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns exponential backoff with full jitter.
func calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

var _ source.Source = (*Source)(nil)
var _ source.Session = (*session)(nil)
