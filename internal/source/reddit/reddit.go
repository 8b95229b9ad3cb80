// Package reddit implements a read-only backend over Reddit's public
// JSON endpoints. A conversation is one post: the submission becomes the
// top-level message and the comment forest becomes its reply tree.
//
// Reddit serves the whole forest in a single response, so the session
// fetches it once and answers pagination requests from memory. The
// backend is per-call; the unauthenticated API only needs a descriptive
// User-Agent.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/recapd/recapd/internal/model"
	"github.com/recapd/recapd/internal/source"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://www.reddit.com"

// Source is the Reddit backend.
type Source struct {
	baseURL   string
	userAgent string
	logger    *slog.Logger
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

// New creates a Reddit source. Reddit rejects requests without a
// distinctive User-Agent, so pass one identifying this deployment.
func New(userAgent string, opts ...Option) *Source {
	s := &Source{
		baseURL:   defaultBaseURL,
		userAgent: userAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements source.Source.
func (s *Source) Name() string { return "reddit" }

// Affinity implements source.Source.
func (s *Source) Affinity() source.Affinity { return source.AffinityPerCall }

// Open implements source.Source. The account argument selects nothing;
// public endpoints are anonymous.
func (s *Source) Open(ctx context.Context, account string) (source.Session, error) {
	return &session{
		baseURL:   s.baseURL,
		userAgent: s.userAgent,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(1, 1),
		logger:    s.logger,
		forests:   make(map[string][]source.RawMessage),
	}, nil
}

// ListConversations implements source.Source. There is no way to
// enumerate "conversations" for an anonymous viewer, so this lists the
// frontpage of the subreddit named by account.
func (s *Source) ListConversations(ctx context.Context, account string) ([]model.Conversation, error) {
	sess, err := s.Open(ctx, account)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.(*session).listPosts(ctx, account)
}

type session struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger

	// forests caches the flattened comment forest per post so repeated
	// pagination calls within one chunk hit the network once.
	forests map[string][]source.RawMessage
}

// Reddit listing JSON. Everything is a "kind"/"data" envelope; comment
// replies nest another full listing under data.replies, except leaf
// comments where replies is the empty string.

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listingData struct {
	Children []thing `json:"children"`
}

type postData struct {
	Name       string  `json:"name"` // "t3_..."
	Author     string  `json:"author"`
	Title      string  `json:"title"`
	SelfText   string  `json:"selftext"`
	URL        string  `json:"url"`
	CreatedUTC float64 `json:"created_utc"`
	PostHint   string  `json:"post_hint"`
}

type commentData struct {
	Name       string          `json:"name"`      // "t1_..."
	ParentID   string          `json:"parent_id"` // "t1_..." or "t3_..."
	Author     string          `json:"author"`
	Body       string          `json:"body"`
	CreatedUTC float64         `json:"created_utc"`
	Replies    json.RawMessage `json:"replies"` // listing or ""
}

// FetchPage implements source.Session, answering from the cached forest.
func (c *session) FetchPage(ctx context.Context, conversationID string, before time.Time, pageSize int) ([]source.RawMessage, error) {
	forest, ok := c.forests[conversationID]
	if !ok {
		var err error
		forest, err = c.fetchForest(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		c.forests[conversationID] = forest
	}

	var page []source.RawMessage
	for _, m := range forest {
		if !m.Timestamp.Before(before) {
			continue
		}
		page = append(page, m)
		if len(page) == pageSize {
			break
		}
	}
	return page, nil
}

// Probe implements source.Session. Public media URLs give no cheap
// metadata without a request, so the engine falls back to download.
func (c *session) Probe(ctx context.Context, h source.AttachmentHandle) (*source.AttachmentInfo, error) {
	return nil, source.ErrNoProbe
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
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	return &model.Attachment{
		MimeType: resp.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

// Close implements source.Session.
func (c *session) Close() error { return nil }

// fetchForest downloads a post's comment page and flattens submission
// plus comments into engine messages, newest first.
func (c *session) fetchForest(ctx context.Context, postID string) ([]source.RawMessage, error) {
	id := strings.TrimPrefix(postID, "t3_")
	data, err := c.get(ctx, fmt.Sprintf("%s/comments/%s.json?limit=500&raw_json=1", c.baseURL, id))
	if err != nil {
		return nil, err
	}

	// The comments endpoint returns a two-element array: the submission
	// listing and the comment listing.
	var listings []thing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("parse comments page: %w", err)
	}
	if len(listings) < 2 {
		return nil, fmt.Errorf("comments page has %d listings, want 2", len(listings))
	}

	var msgs []source.RawMessage

	var postListing listingData
	if err := json.Unmarshal(listings[0].Data, &postListing); err != nil {
		return nil, fmt.Errorf("parse submission listing: %w", err)
	}
	for _, child := range postListing.Children {
		if child.Kind != "t3" {
			continue
		}
		var post postData
		if err := json.Unmarshal(child.Data, &post); err != nil {
			return nil, fmt.Errorf("parse submission: %w", err)
		}
		raw := source.RawMessage{
			Message: model.Message{
				ID:        post.Name,
				Author:    model.Author{ID: post.Author, Name: post.Author},
				Text:      strings.TrimSpace(post.Title + "\n\n" + post.SelfText),
				Timestamp: time.Unix(int64(post.CreatedUTC), 0).UTC(),
			},
		}
		if post.PostHint == "image" && post.URL != "" {
			raw.Handles = append(raw.Handles, source.AttachmentHandle{URL: post.URL})
		}
		msgs = append(msgs, raw)
	}

	var commentListing listingData
	if err := json.Unmarshal(listings[1].Data, &commentListing); err != nil {
		return nil, fmt.Errorf("parse comment listing: %w", err)
	}
	msgs = append(msgs, flattenComments(commentListing.Children, c.logger)...)

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[j].Message.Before(&msgs[i].Message)
	})
	return msgs, nil
}

// flattenComments walks the nested comment forest depth first. "more"
// stubs (collapsed continuation markers) are skipped.
func flattenComments(children []thing, logger *slog.Logger) []source.RawMessage {
	var out []source.RawMessage
	for _, child := range children {
		if child.Kind != "t1" {
			continue
		}
		var comment commentData
		if err := json.Unmarshal(child.Data, &comment); err != nil {
			logger.Warn("skipping unparseable comment", "error", err)
			continue
		}

		out = append(out, source.RawMessage{
			Message: model.Message{
				ID:        comment.Name,
				Author:    model.Author{ID: comment.Author, Name: comment.Author},
				Text:      comment.Body,
				Timestamp: time.Unix(int64(comment.CreatedUTC), 0).UTC(),
				ReplyToID: comment.ParentID,
			},
		})

		// Leaf comments carry replies as "" rather than a listing object.
		if len(comment.Replies) == 0 || comment.Replies[0] != '{' {
			continue
		}
		var replies thing
		if err := json.Unmarshal(comment.Replies, &replies); err != nil {
			continue
		}
		var replyListing listingData
		if err := json.Unmarshal(replies.Data, &replyListing); err != nil {
			continue
		}
		out = append(out, flattenComments(replyListing.Children, logger)...)
	}
	return out
}

func (c *session) listPosts(ctx context.Context, subreddit string) ([]model.Conversation, error) {
	data, err := c.get(ctx, fmt.Sprintf("%s/r/%s/new.json?limit=100&raw_json=1", c.baseURL, subreddit))
	if err != nil {
		return nil, err
	}

	var listing thing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	var ld listingData
	if err := json.Unmarshal(listing.Data, &ld); err != nil {
		return nil, fmt.Errorf("parse listing data: %w", err)
	}

	var convs []model.Conversation
	for _, child := range ld.Children {
		if child.Kind != "t3" {
			continue
		}
		var post postData
		if err := json.Unmarshal(child.Data, &post); err != nil {
			continue
		}
		convs = append(convs, model.Conversation{
			ID:    post.Name,
			Title: post.Title,
			Kind:  "post",
		})
	}
	return convs, nil
}

func (c *session) get(ctx context.Context, reqURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

var _ source.Source = (*Source)(nil)
var _ source.Session = (*session)(nil)
