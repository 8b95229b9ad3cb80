package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/recapd/recapd/internal/daycache"
	"github.com/recapd/recapd/internal/model"
	"github.com/recapd/recapd/internal/source"
)

// Fixed clock: "today" is 2026-09-01 in UTC for every test.
var testNow = time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
}

func at(d, hour int) time.Time {
	return time.Date(2026, 8, d, hour, 0, 0, 0, time.UTC)
}

func mkMsg(id string, ts time.Time, text string) model.Message {
	return model.Message{
		ID:        id,
		Author:    model.Author{ID: "u1", Name: "user one"},
		Text:      text,
		Timestamp: ts,
	}
}

// memStore is an in-memory day cache that records every access.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]model.Message
	corrupt map[string]bool
	gets    []string
	puts    []string
}

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[string][]model.Message),
		corrupt: make(map[string]bool),
	}
}

func cacheKey(key daycache.Key) string {
	return key.Account + "/" + key.Conversation + "/" + key.DayString()
}

func (s *memStore) Get(key daycache.Key) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey(key)
	s.gets = append(s.gets, k)
	if s.corrupt[k] {
		return nil, fmt.Errorf("decode cache entry %s: unexpected end of JSON input", key.DayString())
	}
	msgs, ok := s.entries[k]
	if !ok {
		return nil, daycache.ErrMiss
	}
	return msgs, nil
}

func (s *memStore) Put(key daycache.Key, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey(key)
	s.puts = append(s.puts, k)
	s.entries[k] = msgs
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) hasEntry(t *testing.T, account, conversation string, d time.Time) []model.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey(daycache.Key{Account: account, Conversation: conversation, Day: d})
	msgs, ok := s.entries[k]
	if !ok {
		t.Fatalf("expected cache entry for %s", k)
	}
	return msgs
}

// fakeSource serves a scripted message history.
type fakeSource struct {
	affinity source.Affinity
	history  []source.RawMessage
	failEnds map[time.Time]bool // fail FetchPage when before matches
	attach   map[string]model.Attachment
	probe    map[string]source.AttachmentInfo
	noProbe  bool

	failOpenAt int // fail the Nth and later Open calls (1-based)

	mu        sync.Mutex
	opens     int
	downloads int
}

func (f *fakeSource) Name() string              { return "fake" }
func (f *fakeSource) Affinity() source.Affinity { return f.affinity }

func (f *fakeSource) Open(ctx context.Context, account string) (source.Session, error) {
	f.mu.Lock()
	f.opens++
	n := f.opens
	f.mu.Unlock()
	if f.failOpenAt != 0 && n >= f.failOpenAt {
		return nil, fmt.Errorf("connection refused")
	}
	return &fakeSession{src: f}, nil
}

func (f *fakeSource) ListConversations(ctx context.Context, account string) ([]model.Conversation, error) {
	return nil, nil
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeSource) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

type fakeSession struct {
	src *fakeSource
}

func (s *fakeSession) FetchPage(ctx context.Context, conversationID string, before time.Time, pageSize int) ([]source.RawMessage, error) {
	if s.src.failEnds[before] {
		return nil, fmt.Errorf("backend unavailable")
	}

	var page []source.RawMessage
	for _, raw := range s.src.history {
		if raw.Timestamp.Before(before) {
			page = append(page, raw)
		}
	}
	sort.Slice(page, func(i, j int) bool {
		return page[j].Message.Before(&page[i].Message)
	})
	if len(page) > pageSize {
		page = page[:pageSize]
	}
	return page, nil
}

func (s *fakeSession) Probe(ctx context.Context, h source.AttachmentHandle) (*source.AttachmentInfo, error) {
	if s.src.noProbe {
		return nil, source.ErrNoProbe
	}
	info, ok := s.src.probe[h.URL]
	if !ok {
		return nil, fmt.Errorf("unknown attachment %q", h.URL)
	}
	return &info, nil
}

func (s *fakeSession) ResolveAttachment(ctx context.Context, h source.AttachmentHandle) (*model.Attachment, error) {
	s.src.mu.Lock()
	s.src.downloads++
	s.src.mu.Unlock()

	att, ok := s.src.attach[h.URL]
	if !ok {
		return nil, fmt.Errorf("unknown attachment %q", h.URL)
	}
	return &att, nil
}

func (s *fakeSession) Close() error { return nil }

func testOptions() Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return testNow }
	return opts
}

func testRequest(start, end time.Time) Request {
	return Request{
		Account:        "acct",
		Conversation:   "conv",
		Start:          start,
		End:            end,
		Location:       time.UTC,
		CachingEnabled: true,
	}
}

func messageIDs(msgs []model.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestSynchronizeFetchesAndCaches(t *testing.T) {
	src := &fakeSource{
		history: []source.RawMessage{
			{Message: mkMsg("m1", at(25, 9), "first")},
			{Message: mkMsg("m2", at(25, 14), "second")},
			{Message: mkMsg("m3", at(27, 11), "third")},
		},
	}
	cache := newMemStore()
	syn := New(src, cache, testOptions())

	res, err := syn.Synchronize(context.Background(), testRequest(day(25), day(27)))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	want := []string{"m1", "m2", "m3"}
	if diff := cmp.Diff(want, messageIDs(res.Messages)); diff != "" {
		t.Errorf("message order mismatch (-want +got):\n%s", diff)
	}
	if res.Days != 3 || res.FetchedDays != 3 || res.CachedDays != 0 {
		t.Errorf("unexpected day counts: %+v", res)
	}

	// Every fetched day gets a cache entry, including the quiet day.
	cache.hasEntry(t, "acct", "conv", day(25))
	if empty := cache.hasEntry(t, "acct", "conv", day(26)); len(empty) != 0 {
		t.Errorf("expected empty entry for quiet day, got %d messages", len(empty))
	}
	cache.hasEntry(t, "acct", "conv", day(27))
}

func TestSynchronizeServesRepeatRunsFromCache(t *testing.T) {
	src := &fakeSource{
		history: []source.RawMessage{
			{Message: mkMsg("m1", at(25, 9), "hello")},
		},
	}
	cache := newMemStore()
	syn := New(src, cache, testOptions())
	req := testRequest(day(25), day(26))

	first, err := syn.Synchronize(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	opensAfterFirst := src.openCount()

	second, err := syn.Synchronize(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if src.openCount() != opensAfterFirst {
		t.Errorf("second run opened %d new sessions, want 0", src.openCount()-opensAfterFirst)
	}
	if diff := cmp.Diff(first.Messages, second.Messages); diff != "" {
		t.Errorf("second run differs from first (-first +second):\n%s", diff)
	}
	if second.CachedDays != 2 || second.FetchedDays != 0 {
		t.Errorf("second run day counts: %+v", second)
	}
}

func TestSynchronizeNeverTouchesToday(t *testing.T) {
	todayMsg := mkMsg("today1", time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC), "fresh")
	src := &fakeSource{
		history: []source.RawMessage{
			{Message: mkMsg("old1", at(30, 12), "older")},
			{Message: todayMsg},
		},
	}
	cache := newMemStore()
	syn := New(src, cache, testOptions())

	res, err := syn.Synchronize(context.Background(), testRequest(day(30), testNow))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	want := []string{"old1", "today1"}
	if diff := cmp.Diff(want, messageIDs(res.Messages)); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}

	todayKey := "acct/conv/2026-09-01"
	for _, k := range cache.gets {
		if k == todayKey {
			t.Errorf("cache read for today (%s)", k)
		}
	}
	for _, k := range cache.puts {
		if k == todayKey {
			t.Errorf("cache write for today (%s)", k)
		}
	}
}

func TestCorruptedCacheEntryRefetched(t *testing.T) {
	src := &fakeSource{
		history: []source.RawMessage{
			{Message: mkMsg("m1", at(25, 9), "recovered")},
		},
	}
	cache := newMemStore()
	cache.corrupt["acct/conv/2026-08-25"] = true

	syn := New(src, cache, testOptions())
	res, err := syn.Synchronize(context.Background(), testRequest(day(25), day(25)))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	if len(res.Messages) != 1 || res.Messages[0].ID != "m1" {
		t.Fatalf("expected refetched message, got %v", messageIDs(res.Messages))
	}
	if res.FetchedDays != 1 {
		t.Errorf("corrupted day should count as fetched, got %+v", res)
	}

	// The rewrite replaces the corrupted entry.
	found := false
	for _, k := range cache.puts {
		if k == "acct/conv/2026-08-25" {
			found = true
		}
	}
	if !found {
		t.Error("corrupted day was not rewritten")
	}
}

func TestChunkFailureIsolation(t *testing.T) {
	// 14 miss days, ChunkDays 7: chunks Aug 10-16 and Aug 17-23.
	src := &fakeSource{
		history: []source.RawMessage{
			{Message: mkMsg("a", at(12, 10), "in failing chunk")},
			{Message: mkMsg("b", at(20, 10), "in healthy chunk")},
		},
		failEnds: map[time.Time]bool{day(17): true}, // first chunk's end boundary
	}
	cache := newMemStore()
	syn := New(src, cache, testOptions())

	res, err := syn.Synchronize(context.Background(), testRequest(day(10), day(23)))
	if err != nil {
		t.Fatalf("chunk failure must not fail the run: %v", err)
	}

	if diff := cmp.Diff([]string{"b"}, messageIDs(res.Messages)); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	if res.FailedDays != 7 || res.FetchedDays != 7 {
		t.Errorf("day counts: %+v", res)
	}
	if !res.Partial() {
		t.Error("result should report partial")
	}

	// Days of the failed chunk must not be cached.
	for _, k := range cache.puts {
		if k == "acct/conv/2026-08-12" {
			t.Errorf("failed chunk day was cached: %s", k)
		}
	}
	cache.hasEntry(t, "acct", "conv", day(20))
}

func TestAllChunksFailedStillReturnsCache(t *testing.T) {
	src := &fakeSource{
		failEnds: map[time.Time]bool{day(27): true},
	}
	cache := newMemStore()
	cached := []model.Message{mkMsg("c1", at(25, 8), "from cache")}
	cache.entries["acct/conv/2026-08-25"] = cached

	syn := New(src, cache, testOptions())
	res, err := syn.Synchronize(context.Background(), testRequest(day(25), day(26)))
	if err != nil {
		t.Fatalf("all-failed run must still return cached data: %v", err)
	}

	if diff := cmp.Diff([]string{"c1"}, messageIDs(res.Messages)); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	if res.FailedDays != 1 || res.CachedDays != 1 {
		t.Errorf("day counts: %+v", res)
	}
}

func TestChunkSizeDoesNotChangeOutput(t *testing.T) {
	history := []source.RawMessage{
		{Message: mkMsg("m1", at(2, 9), "one")},
		{Message: mkMsg("m2", at(9, 9), "two")},
		{Message: mkMsg("m3", at(17, 9), "three")},
		{Message: mkMsg("m4", at(17, 9), "tie, ordered by ID")},
		{Message: mkMsg("m5", at(29, 21), "five")},
	}

	run := func(chunkDays int) []model.Message {
		src := &fakeSource{history: history}
		opts := testOptions()
		opts.ChunkDays = chunkDays
		syn := New(src, newMemStore(), opts)

		res, err := syn.Synchronize(context.Background(), testRequest(day(1), day(30)))
		if err != nil {
			t.Fatalf("Synchronize with ChunkDays=%d: %v", chunkDays, err)
		}
		return res.Messages
	}

	byOne := run(1)
	byThirty := run(30)
	if diff := cmp.Diff(byOne, byThirty); diff != "" {
		t.Errorf("output depends on chunk size (-chunk1 +chunk30):\n%s", diff)
	}
}

func TestCachedMessageWinsOverRefetch(t *testing.T) {
	src := &fakeSource{
		history: []source.RawMessage{
			{Message: mkMsg("dup", at(26, 9), "fresh version")},
		},
	}
	cache := newMemStore()
	cache.entries["acct/conv/2026-08-25"] = []model.Message{
		mkMsg("dup", at(25, 23), "cached version"),
	}

	syn := New(src, cache, testOptions())
	res, err := syn.Synchronize(context.Background(), testRequest(day(25), day(26)))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 deduplicated message, got %v", messageIDs(res.Messages))
	}
	if res.Messages[0].Text != "cached version" {
		t.Errorf("first-seen must win: got %q", res.Messages[0].Text)
	}
}

func TestSharedAffinityUsesOneSession(t *testing.T) {
	src := &fakeSource{
		affinity: source.AffinityShared,
		history: []source.RawMessage{
			{Message: mkMsg("m1", at(3, 9), "x")},
			{Message: mkMsg("m2", at(20, 9), "y")},
		},
	}
	opts := testOptions()
	opts.ChunkDays = 7

	syn := New(src, newMemStore(), opts)
	if _, err := syn.Synchronize(context.Background(), testRequest(day(1), day(28))); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	if src.openCount() != 1 {
		t.Errorf("shared-handle source opened %d sessions, want 1", src.openCount())
	}
}

func TestSynchronizeValidatesRequest(t *testing.T) {
	syn := New(&fakeSource{}, newMemStore(), testOptions())

	cases := []struct {
		name string
		req  Request
	}{
		{"missing account", Request{Conversation: "c", Start: day(1), End: day(2)}},
		{"missing conversation", Request{Account: "a", Start: day(1), End: day(2)}},
		{"end before start", Request{Account: "a", Conversation: "c", Start: day(2), End: day(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := syn.Synchronize(context.Background(), tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAttachmentPolicyEnforced(t *testing.T) {
	pngData := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	bigData := make([]byte, 2048)

	src := &fakeSource{
		history: []source.RawMessage{
			{
				Message: mkMsg("m1", at(25, 9), "with image"),
				Handles: []source.AttachmentHandle{{URL: "http://x/small.png"}},
			},
			{
				// No text: dropped once its only attachment is rejected.
				Message: mkMsg("m2", at(25, 10), ""),
				Handles: []source.AttachmentHandle{{URL: "http://x/big.bin"}},
			},
		},
		noProbe: true,
		attach: map[string]model.Attachment{
			"http://x/small.png": {MimeType: "application/octet-stream", Data: pngData},
			"http://x/big.bin":   {MimeType: "image/png", Data: bigData},
		},
	}
	cache := newMemStore()
	syn := New(src, cache, testOptions())

	req := testRequest(day(25), day(25))
	req.Attachments = AttachmentPolicy{
		Enabled:      true,
		MaxBytes:     1024,
		AllowedTypes: []string{"image/"},
	}

	res, err := syn.Synchronize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	if diff := cmp.Diff([]string{"m1"}, messageIDs(res.Messages)); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	atts := res.Messages[0].Attachments
	if len(atts) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(atts))
	}
	// Magic-number sniffing overrides the declared content type.
	if atts[0].MimeType != "image/png" {
		t.Errorf("sniffed MIME = %q, want image/png", atts[0].MimeType)
	}
}

func TestAttachmentsDisabledSkipsNetwork(t *testing.T) {
	src := &fakeSource{
		history: []source.RawMessage{
			{
				Message: mkMsg("m1", at(25, 9), "text survives"),
				Handles: []source.AttachmentHandle{{URL: "http://x/a.png"}},
			},
			{
				Message: mkMsg("m2", at(25, 10), ""),
				Handles: []source.AttachmentHandle{{URL: "http://x/b.png"}},
			},
		},
		attach: map[string]model.Attachment{
			"http://x/a.png": {MimeType: "image/png", Data: []byte("x")},
			"http://x/b.png": {MimeType: "image/png", Data: []byte("y")},
		},
	}
	syn := New(src, newMemStore(), testOptions())

	res, err := syn.Synchronize(context.Background(), testRequest(day(25), day(25)))
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	if src.downloadCount() != 0 {
		t.Errorf("disabled policy performed %d downloads", src.downloadCount())
	}
	if diff := cmp.Diff([]string{"m1"}, messageIDs(res.Messages)); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	if len(res.Messages[0].Attachments) != 0 {
		t.Error("disabled policy must not attach payloads")
	}
}

func TestAttachmentSessionFailureSkipsWriteBack(t *testing.T) {
	src := &fakeSource{
		history: []source.RawMessage{
			{
				Message: mkMsg("m1", at(25, 9), "text survives"),
				Handles: []source.AttachmentHandle{{URL: "http://x/a.png"}},
			},
		},
		attach: map[string]model.Attachment{
			"http://x/a.png": {MimeType: "image/png", Data: []byte("x")},
		},
		failOpenAt: 2, // the chunk fetch succeeds, the attachment session does not
	}
	cache := newMemStore()
	syn := New(src, cache, testOptions())

	req := testRequest(day(25), day(25))
	req.Attachments = AttachmentPolicy{Enabled: true}

	res, err := syn.Synchronize(context.Background(), req)
	if err != nil {
		t.Fatalf("degraded run must still succeed: %v", err)
	}

	if diff := cmp.Diff([]string{"m1"}, messageIDs(res.Messages)); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
	if len(res.Messages[0].Attachments) != 0 {
		t.Error("attachments resolved without a session")
	}

	// The day must not be cached attachment-less, or every later run
	// would serve the degraded copy instead of retrying.
	if len(cache.puts) != 0 {
		t.Errorf("degraded run wrote %d cache entries: %v", len(cache.puts), cache.puts)
	}
}

func TestCacheDisabledSkipsStore(t *testing.T) {
	src := &fakeSource{
		history: []source.RawMessage{
			{Message: mkMsg("m1", at(25, 9), "x")},
		},
	}
	cache := newMemStore()
	syn := New(src, cache, testOptions())

	req := testRequest(day(25), day(26))
	req.CachingEnabled = false
	if _, err := syn.Synchronize(context.Background(), req); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	if len(cache.gets) != 0 || len(cache.puts) != 0 {
		t.Errorf("cache touched with caching disabled: %d gets, %d puts", len(cache.gets), len(cache.puts))
	}
}
