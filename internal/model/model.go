// Package model defines the backend-agnostic chat data records shared by
// the sync engine, the cache, and the export/recap layers.
package model

import "time"

// Author identifies the sender of a message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment is a resolved binary attachment. Data round-trips through the
// cache as standard base64 (encoding/json's []byte encoding).
type Attachment struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Message is a single chat message. Records are immutable once created;
// the one exception is ThreadRootID, which the thread resolver assigns
// exactly once after merging.
type Message struct {
	ID           string       `json:"id"`
	Author       Author       `json:"author"`
	Text         string       `json:"text,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	ReplyToID    string       `json:"reply_to_id,omitempty"`
	ThreadRootID string       `json:"thread_root_id,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// HasContent reports whether the message carries text or attachments.
// Messages without either are control/service events and are dropped
// during fetch.
func (m *Message) HasContent() bool {
	return m.Text != "" || len(m.Attachments) > 0
}

// Before orders messages chronologically, breaking timestamp ties by ID so
// that sorting is deterministic across runs.
func (m *Message) Before(other *Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// Conversation is a chat room, dialog, or thread container as listed by a
// backend.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"` // "private", "group", "channel", "mailbox"
}
