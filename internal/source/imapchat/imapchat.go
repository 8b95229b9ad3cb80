// Package imapchat implements a backend over an IMAP mailbox, treating
// each mailbox as a conversation and reply headers as thread links. Teams
// that run mailing-list style discussions get the same recap pipeline as
// chat backends.
//
// IMAP servers commonly limit concurrent connections per account, so the
// backend declares shared affinity: one connection serves all parallel
// chunk fetches, serialized behind a mutex.
package imapchat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/recapd/recapd/internal/model"
	"github.com/recapd/recapd/internal/source"
)

// Config holds IMAP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	STARTTLS bool
}

// Addr returns the host:port dial address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Source is the IMAP backend.
type Source struct {
	cfg    *Config
	logger *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// New creates an IMAP source.
func New(cfg *Config, opts ...Option) *Source {
	s := &Source{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements source.Source.
func (s *Source) Name() string { return "imap" }

// Affinity implements source.Source.
func (s *Source) Affinity() source.Affinity { return source.AffinityShared }

// Open implements source.Source. The account argument is informational;
// the configured username selects the mailbox owner.
func (s *Source) Open(ctx context.Context, account string) (source.Session, error) {
	return &session{
		cfg:    s.cfg,
		logger: s.logger,
		parts:  make(map[string]partInfo),
	}, nil
}

// ListConversations implements source.Source, listing selectable
// mailboxes.
func (s *Source) ListConversations(ctx context.Context, account string) ([]model.Conversation, error) {
	sess, err := s.Open(ctx, account)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	is := sess.(*session)
	var convs []model.Conversation
	err = is.withConn(ctx, func(conn *imapclient.Client) error {
		items, err := conn.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("LIST: %w", err)
		}
		for _, item := range items {
			if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}
			kind := "mailbox"
			if item.Mailbox == "INBOX" {
				kind = "inbox"
			}
			convs = append(convs, model.Conversation{ID: item.Mailbox, Title: item.Mailbox, Kind: kind})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// partInfo caches attachment part metadata gathered while parsing
// messages, so Probe can answer without refetching.
type partInfo struct {
	mimeType string
	size     int64
}

type session struct {
	cfg    *Config
	logger *slog.Logger

	mu              sync.Mutex
	conn            *imapclient.Client
	selectedMailbox string

	partsMu sync.Mutex
	parts   map[string]partInfo
}

// connect establishes and authenticates the connection. Caller must hold mu.
func (c *session) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	addr := c.cfg.Addr()
	c.logger.Debug("connecting to IMAP server", "addr", addr, "tls", c.cfg.TLS, "starttls", c.cfg.STARTTLS)

	imapOpts := &imapclient.Options{}
	var (
		conn *imapclient.Client
		err  error
	)
	if c.cfg.TLS {
		conn, err = imapclient.DialTLS(addr, imapOpts)
	} else if c.cfg.STARTTLS {
		conn, err = imapclient.DialStartTLS(addr, imapOpts)
	} else {
		conn, err = imapclient.DialInsecure(addr, imapOpts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("IMAP login: %w", err)
	}

	c.conn = conn
	c.selectedMailbox = ""
	return nil
}

// withConn runs fn with the active connection, connecting if necessary.
// It holds the mutex for the duration of fn, serializing all callers.
func (c *session) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return err
	}
	return fn(c.conn)
}

// selectMailbox selects a mailbox if not already selected. Caller must hold mu.
func (c *session) selectMailbox(mailbox string) error {
	if c.selectedMailbox == mailbox {
		return nil
	}
	if _, err := c.conn.Select(mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("SELECT %q: %w", mailbox, err)
	}
	c.selectedMailbox = mailbox
	return nil
}

func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// compositeID builds a message identifier as "mailbox|uid".
func compositeID(mailbox string, uid imap.UID) string {
	return mailbox + "|" + strconv.FormatUint(uint64(uid), 10)
}

// partRef builds an attachment reference as "mailbox|uid|part".
func partRef(mailbox string, uid imap.UID, part int) string {
	return compositeID(mailbox, uid) + "|" + strconv.Itoa(part)
}

// parsePartRef splits an attachment reference into mailbox, UID and part
// index.
func parsePartRef(ref string) (mailbox string, uid imap.UID, part int, err error) {
	fields := strings.Split(ref, "|")
	if len(fields) < 3 {
		return "", 0, 0, fmt.Errorf("invalid attachment ref %q (expected mailbox|uid|part)", ref)
	}
	mailbox = strings.Join(fields[:len(fields)-2], "|")
	n, err := strconv.ParseUint(fields[len(fields)-2], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid UID in attachment ref %q: %w", ref, err)
	}
	part, err = strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid part in attachment ref %q: %w", ref, err)
	}
	return mailbox, imap.UID(n), part, nil
}

// FetchPage implements source.Session. IMAP SEARCH BEFORE is calendar-day
// granular, so the search window is widened by a day and then filtered by
// exact timestamp client side. Message-ID headers map to composite IDs so
// In-Reply-To links resolve to in-range parents.
func (c *session) FetchPage(ctx context.Context, conversationID string, before time.Time, pageSize int) ([]source.RawMessage, error) {
	var raws []source.RawMessage

	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(conversationID); err != nil {
			return err
		}

		criteria := &imap.SearchCriteria{Before: before.AddDate(0, 0, 1)}
		searchData, err := conn.UIDSearch(criteria, &imap.SearchOptions{ReturnAll: true}).Wait()
		if err != nil {
			return fmt.Errorf("UID SEARCH: %w", err)
		}
		uidSet, ok := searchData.All.(imap.UIDSet)
		if !ok {
			return nil
		}
		uids, _ := uidSet.Nums()
		if len(uids) == 0 {
			return nil
		}

		var fetchSet imap.UIDSet
		for _, uid := range uids {
			fetchSet.AddNum(uid)
		}
		fetchOpts := &imap.FetchOptions{
			UID:          true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{{}},
		}
		msgs, err := conn.Fetch(fetchSet, fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH: %w", err)
		}

		raws = c.collectPage(conversationID, msgs, before)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(raws, func(i, j int) bool {
		return raws[j].Message.Before(&raws[i].Message)
	})
	if len(raws) > pageSize {
		raws = raws[:pageSize]
	}
	return raws, nil
}

// collectPage parses fetched message buffers into raw messages, filters
// them against the exclusive upper bound and resolves In-Reply-To links
// within the page. The bound is checked against the parsed timestamp,
// the same instant the message carries downstream. The Date header and
// the server's internal date can straddle the bound, and filtering on
// one while emitting the other skips or repeats messages across cursors.
func (c *session) collectPage(mailbox string, msgs []*imapclient.FetchMessageBuffer, before time.Time) []source.RawMessage {
	msgIDToComposite := make(map[string]string, len(msgs))
	type parsed struct {
		raw       source.RawMessage
		inReplyTo string
	}
	var page []parsed

	for _, buf := range msgs {
		if len(buf.BodySection) == 0 || len(buf.BodySection[0].Bytes) == 0 {
			continue
		}
		raw, msgID, inReplyTo, err := c.parseMessage(mailbox, buf.UID, buf.InternalDate, buf.BodySection[0].Bytes)
		if err != nil {
			c.logger.Warn("skipping unparseable message",
				"mailbox", mailbox, "uid", uint32(buf.UID), "error", err)
			continue
		}
		if !raw.Timestamp.Before(before) {
			continue
		}
		if msgID != "" {
			msgIDToComposite[msgID] = raw.ID
		}
		page = append(page, parsed{raw: raw, inReplyTo: inReplyTo})
	}

	// In-Reply-To values referencing messages outside this page stay
	// unresolved and become synthetic roots downstream.
	var raws []source.RawMessage
	for _, p := range page {
		if p.inReplyTo != "" {
			if parent, ok := msgIDToComposite[p.inReplyTo]; ok {
				p.raw.ReplyToID = parent
			}
		}
		raws = append(raws, p.raw)
	}
	return raws
}

// parseMessage extracts text, thread headers and attachment handles from
// a raw RFC 5322 message.
func (c *session) parseMessage(mailbox string, uid imap.UID, internalDate time.Time, raw []byte) (source.RawMessage, string, string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return source.RawMessage{}, "", "", fmt.Errorf("parse MIME: %w", err)
	}

	out := source.RawMessage{
		Message: model.Message{
			ID:        compositeID(mailbox, uid),
			Timestamp: internalDate.UTC(),
		},
	}

	if froms, err := mr.Header.AddressList("From"); err == nil && len(froms) > 0 {
		out.Author = model.Author{ID: froms[0].Address, Name: froms[0].Name}
		if out.Author.Name == "" {
			out.Author.Name = froms[0].Address
		}
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		out.Timestamp = date.UTC()
	}

	msgID := strings.Trim(mr.Header.Get("Message-Id"), "<> ")
	inReplyTo := strings.Trim(mr.Header.Get("In-Reply-To"), "<> ")

	var textParts []string
	part := 0
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return source.RawMessage{}, "", "", fmt.Errorf("read MIME part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct == "text/plain" || ct == "" {
				body, err := io.ReadAll(p.Body)
				if err == nil {
					textParts = append(textParts, strings.TrimSpace(string(body)))
				}
			}
		case *mail.AttachmentHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			ref := partRef(mailbox, uid, part)
			c.partsMu.Lock()
			c.parts[ref] = partInfo{mimeType: ct, size: int64(len(body))}
			c.partsMu.Unlock()
			out.Handles = append(out.Handles, source.AttachmentHandle{Ref: ref})
		}
		part++
	}

	out.Text = strings.TrimSpace(strings.Join(textParts, "\n\n"))
	return out, msgID, inReplyTo, nil
}

// Probe implements source.Session from the metadata cached during
// parsing. A miss means the handle did not come from this session.
func (c *session) Probe(ctx context.Context, h source.AttachmentHandle) (*source.AttachmentInfo, error) {
	c.partsMu.Lock()
	info, ok := c.parts[h.Ref]
	c.partsMu.Unlock()
	if !ok {
		return nil, source.ErrNoProbe
	}
	return &source.AttachmentInfo{MimeType: info.mimeType, Size: info.size}, nil
}

// ResolveAttachment implements source.Session, refetching the message and
// extracting the referenced part.
func (c *session) ResolveAttachment(ctx context.Context, h source.AttachmentHandle) (*model.Attachment, error) {
	mailbox, uid, wantPart, err := parsePartRef(h.Ref)
	if err != nil {
		return nil, err
	}

	var att *model.Attachment
	err = c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}

		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		msgs, err := conn.Fetch(uidSet, &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{{}},
		}).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH: %w", err)
		}
		if len(msgs) == 0 || len(msgs[0].BodySection) == 0 {
			return fmt.Errorf("message %s not found", compositeID(mailbox, uid))
		}

		mr, err := mail.CreateReader(bytes.NewReader(msgs[0].BodySection[0].Bytes))
		if err != nil {
			return fmt.Errorf("parse MIME: %w", err)
		}

		part := 0
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("read MIME part: %w", err)
			}
			if part == wantPart {
				h, ok := p.Header.(*mail.AttachmentHeader)
				if !ok {
					return fmt.Errorf("part %d of %s is not an attachment", wantPart, compositeID(mailbox, uid))
				}
				ct, _, _ := h.ContentType()
				data, err := io.ReadAll(p.Body)
				if err != nil {
					return fmt.Errorf("read attachment body: %w", err)
				}
				att = &model.Attachment{MimeType: ct, Data: data}
				return nil
			}
			part++
		}
		return fmt.Errorf("part %d of %s not found", wantPart, compositeID(mailbox, uid))
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

// Close implements source.Session, logging out and disconnecting.
func (c *session) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selectedMailbox = ""
	return conn.Logout().Wait()
}

var _ source.Source = (*Source)(nil)
var _ source.Session = (*session)(nil)
