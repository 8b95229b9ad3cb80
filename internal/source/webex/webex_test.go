package webex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recapd/recapd/internal/source"
)

func handleFor(url string) source.AttachmentHandle {
	return source.AttachmentHandle{URL: url}
}

func newTestSource(t *testing.T, handler http.Handler) (*Source, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-token", WithBaseURL(srv.URL), WithRateLimit(1000)), srv
}

func TestFetchPageParsesMessages(t *testing.T) {
	var gotAuth, gotBefore, gotMax string
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBefore = r.URL.Query().Get("before")
		gotMax = r.URL.Query().Get("max")
		fmt.Fprint(w, `{"items": [
			{"id": "msg2", "roomId": "room1", "personId": "p2", "personEmail": "two@example.com",
			 "text": "reply", "created": "2026-08-25T14:00:00Z", "parentId": "msg1",
			 "files": ["http://files/f1"]},
			{"id": "msg1", "roomId": "room1", "personId": "p1", "personEmail": "one@example.com",
			 "text": "hello", "created": "2026-08-25T09:00:00Z"}
		]}`)
	})

	src, _ := newTestSource(t, mux)
	sess, err := src.Open(context.Background(), "default")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	before := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	raws, err := sess.FetchPage(context.Background(), "room1", before, 500)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBefore != "2026-08-26T00:00:00Z" {
		t.Errorf("before = %q", gotBefore)
	}
	if gotMax != "500" {
		t.Errorf("max = %q", gotMax)
	}

	if len(raws) != 2 {
		t.Fatalf("got %d messages, want 2", len(raws))
	}
	reply := raws[0]
	if reply.ID != "msg2" || reply.ReplyToID != "msg1" {
		t.Errorf("reply = %+v", reply.Message)
	}
	if reply.Author.ID != "p2" || reply.Author.Name != "two@example.com" {
		t.Errorf("author = %+v", reply.Author)
	}
	if len(reply.Handles) != 1 || reply.Handles[0].URL != "http://files/f1" {
		t.Errorf("handles = %+v", reply.Handles)
	}
	if raws[1].ID != "msg1" || len(raws[1].Handles) != 0 {
		t.Errorf("second message = %+v", raws[1])
	}
}

func TestFetchPageSkipsBadTimestamps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": [
			{"id": "ok", "text": "fine", "created": "2026-08-25T09:00:00Z"},
			{"id": "bad", "text": "broken", "created": "not-a-date"}
		]}`)
	})

	src, _ := newTestSource(t, mux)
	sess, _ := src.Open(context.Background(), "default")
	defer sess.Close()

	raws, err := sess.FetchPage(context.Background(), "room1", time.Now(), 500)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(raws) != 1 || raws[0].ID != "ok" {
		t.Errorf("raws = %+v", raws)
	}
}

func TestRequestRetriesServerErrors(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"items": []}`)
	})

	src, _ := newTestSource(t, mux)
	sess, _ := src.Open(context.Background(), "default")
	defer sess.Close()

	raws, err := sess.FetchPage(context.Background(), "room1", time.Now(), 100)
	if err != nil {
		t.Fatalf("FetchPage after retries: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if len(raws) != 0 {
		t.Errorf("raws = %+v", raws)
	}
}

func TestRequestDoesNotRetryAuthFailure(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	})

	src, _ := newTestSource(t, mux)
	sess, _ := src.Open(context.Background(), "default")
	defer sess.Close()

	if _, err := sess.FetchPage(context.Background(), "room1", time.Now(), 100); err == nil {
		t.Fatal("expected error on 401")
	}
	if attempts != 1 {
		t.Errorf("401 retried: attempts = %d", attempts)
	}
}

func TestProbeReadsHeadMetadata(t *testing.T) {
	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe used %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "12345")
	}))
	defer fileSrv.Close()

	src, _ := newTestSource(t, http.NewServeMux())
	sess, _ := src.Open(context.Background(), "default")
	defer sess.Close()

	info, err := sess.Probe(context.Background(), handleFor(fileSrv.URL))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.MimeType != "image/png" || info.Size != 12345 {
		t.Errorf("info = %+v", info)
	}
}

func TestResolveAttachmentDownloads(t *testing.T) {
	payload := []byte("file-bytes")
	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(payload)
	}))
	defer fileSrv.Close()

	src, _ := newTestSource(t, http.NewServeMux())
	sess, _ := src.Open(context.Background(), "default")
	defer sess.Close()

	att, err := sess.ResolveAttachment(context.Background(), handleFor(fileSrv.URL))
	if err != nil {
		t.Fatalf("ResolveAttachment: %v", err)
	}
	if att.MimeType != "application/pdf" || string(att.Data) != string(payload) {
		t.Errorf("attachment = %+v", att)
	}
}

func TestListConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{
				{"id": "r1", "title": "Team", "type": "group"},
				{"id": "r2", "title": "DM", "type": "direct"},
			},
		})
	})

	src, _ := newTestSource(t, mux)
	convs, err := src.ListConversations(context.Background(), "default")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != "r1" || convs[1].Kind != "direct" {
		t.Errorf("convs = %+v", convs)
	}
}

func TestOpenRequiresToken(t *testing.T) {
	src := New("")
	if _, err := src.Open(context.Background(), "default"); err == nil {
		t.Error("expected error for empty token")
	}
}
