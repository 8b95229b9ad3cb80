package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/recapd/recapd/internal/engine"
	"github.com/recapd/recapd/internal/export"
	"github.com/recapd/recapd/internal/model"
)

// SyncRequest is the body of POST /sync, /recap and /export.
type SyncRequest struct {
	Source       string `json:"source"`
	Account      string `json:"account"`
	Conversation string `json:"conversation"`
	Start        string `json:"start"` // "2006-01-02"
	End          string `json:"end"`   // "2006-01-02", defaults to today
	Timezone     string `json:"timezone"`
	NoCache      bool   `json:"no_cache"`
	Attachments  bool   `json:"attachments"`

	// Format selects the export format for /export: "txt", "html" or
	// "zip". Ignored elsewhere.
	Format string `json:"format,omitempty"`

	// Title is used in recap prompts and export headers. Defaults to the
	// conversation ID.
	Title string `json:"title,omitempty"`
}

// SyncResponse is the body of a successful POST /sync.
type SyncResponse struct {
	Messages    []model.Message `json:"messages"`
	Days        int             `json:"days"`
	CachedDays  int             `json:"cached_days"`
	FetchedDays int             `json:"fetched_days"`
	FailedDays  int             `json:"failed_days"`
	Partial     bool            `json:"partial"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// decodeSyncRequest parses and validates the common request body.
func decodeSyncRequest(r *http.Request) (*SyncRequest, error) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if req.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if req.Conversation == "" {
		return nil, fmt.Errorf("conversation is required")
	}
	if req.Account == "" {
		req.Account = "default"
	}
	if req.Title == "" {
		req.Title = req.Conversation
	}
	return &req, nil
}

// synchronize runs the engine for a request and returns the result.
func (s *Server) synchronize(r *http.Request, req *SyncRequest) (*engine.Result, error) {
	src, err := s.registry.Get(req.Source)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if req.Timezone != "" {
		loc, err = time.LoadLocation(req.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", req.Timezone)
		}
	}

	var start, end time.Time
	if req.Start == "" {
		return nil, fmt.Errorf("start is required")
	}
	start, err = time.ParseInLocation("2006-01-02", req.Start, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q", req.Start)
	}
	if req.End == "" {
		end = time.Now().In(loc)
	} else {
		end, err = time.ParseInLocation("2006-01-02", req.End, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid end date %q", req.End)
		}
	}

	policy := engine.AttachmentPolicy{
		Enabled:      req.Attachments && s.cfg.Attachments.Enabled,
		MaxBytes:     s.cfg.Attachments.MaxSizeBytes,
		AllowedTypes: s.cfg.Attachments.AllowedTypes,
	}

	syn := engine.New(src, s.cache, s.opts).WithLogger(s.logger)
	return syn.Synchronize(r.Context(), engine.Request{
		Account:        req.Account,
		Conversation:   req.Conversation,
		Start:          start,
		End:            end,
		Location:       loc,
		CachingEnabled: !req.NoCache,
		Attachments:    policy,
	})
}

// handleSync runs a synchronization and returns the threaded history.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSyncRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	res, err := s.synchronize(r, req)
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		Messages:    res.Messages,
		Days:        res.Days,
		CachedDays:  res.CachedDays,
		FetchedDays: res.FetchedDays,
		FailedDays:  res.FailedDays,
		Partial:     res.Partial(),
	})
}

// handleRecap synchronizes and streams a recap as server-sent events.
// Each text delta arrives as a "data:" event; the stream ends with
// "event: done".
func (s *Server) handleRecap(w http.ResponseWriter, r *http.Request) {
	if s.recapper == nil {
		writeError(w, http.StatusServiceUnavailable, "recap_unavailable", "No recap model configured")
		return
	}

	req, err := decodeSyncRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	res, err := s.synchronize(r, req)
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err = s.recapper.RecapStream(r.Context(), req.Title, res.Messages, func(delta string) error {
		payload, err := json.Marshal(delta)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Error("recap stream failed", "error", err)
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
		flusher.Flush()
		return
	}

	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

// handleExport synchronizes and writes the history in the requested
// format.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSyncRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	format := req.Format
	if format == "" {
		format = "txt"
	}

	res, err := s.synchronize(r, req)
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
		return
	}

	switch format {
	case "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		err = export.Text(w, req.Title, res.Messages)
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err = export.HTML(w, req.Title, res.Messages)
	case "zip":
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="export.zip"`)
		err = export.Archive(w, req.Title, res.Messages)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown format %q", format))
		return
	}
	if err != nil {
		s.logger.Error("export failed", "format", format, "error", err)
	}
}

// handleListSources returns the configured backend names.
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sources": s.registry.Names()})
}

// handleListConversations lists conversations for one backend.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	src, err := s.registry.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_source", err.Error())
		return
	}

	account := r.URL.Query().Get("account")
	if account == "" {
		account = "default"
	}

	convs, err := src.ListConversations(r.Context(), account)
	if err != nil {
		s.logger.Error("list conversations failed", "source", name, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Conversation{"conversations": convs})
}
