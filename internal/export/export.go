// Package export renders synchronized history to portable formats: plain
// text, standalone HTML, and a zip archive bundling both with extracted
// attachments and a manifest.
package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/recapd/recapd/internal/model"
)

// Text writes a plain-text rendering of the threaded history.
func Text(w io.Writer, title string, msgs []model.Message) error {
	if title != "" {
		if _, err := fmt.Fprintf(w, "%s\n%s\n\n", title, strings.Repeat("=", len(title))); err != nil {
			return err
		}
	}

	for _, m := range msgs {
		indent := ""
		if m.ThreadRootID != "" && m.ThreadRootID != m.ID {
			indent = "    "
		}
		name := m.Author.Name
		if name == "" {
			name = m.Author.ID
		}
		if _, err := fmt.Fprintf(w, "%s[%s] %s: %s\n",
			indent, m.Timestamp.Format("2006-01-02 15:04"), name, m.Text); err != nil {
			return err
		}
		for _, att := range m.Attachments {
			if _, err := fmt.Fprintf(w, "%s    (attachment: %s, %d bytes)\n",
				indent, att.MimeType, len(att.Data)); err != nil {
				return err
			}
		}
	}
	return nil
}

var htmlTmpl = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 50em; margin: 2em auto; }
.msg { margin: 0.5em 0; }
.reply { margin-left: 2em; }
.meta { color: #666; font-size: 0.85em; }
.att { color: #999; font-style: italic; font-size: 0.85em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}<div class="msg{{if .IsReply}} reply{{end}}">
<span class="meta">{{.When}} &mdash; {{.Author}}</span><br>
{{.Text}}
{{range .Attachments}}<br><span class="att">attachment: {{.MimeType}} ({{.Size}} bytes)</span>{{end}}
</div>
{{end}}</body>
</html>
`))

type htmlMessage struct {
	When        string
	Author      string
	Text        string
	IsReply     bool
	Attachments []htmlAttachment
}

type htmlAttachment struct {
	MimeType string
	Size     int
}

// HTML writes a standalone HTML rendering of the threaded history.
func HTML(w io.Writer, title string, msgs []model.Message) error {
	view := struct {
		Title    string
		Messages []htmlMessage
	}{Title: title}

	for _, m := range msgs {
		name := m.Author.Name
		if name == "" {
			name = m.Author.ID
		}
		hm := htmlMessage{
			When:    m.Timestamp.Format("2006-01-02 15:04"),
			Author:  name,
			Text:    m.Text,
			IsReply: m.ThreadRootID != "" && m.ThreadRootID != m.ID,
		}
		for _, att := range m.Attachments {
			hm.Attachments = append(hm.Attachments, htmlAttachment{
				MimeType: att.MimeType,
				Size:     len(att.Data),
			})
		}
		view.Messages = append(view.Messages, hm)
	}
	return htmlTmpl.Execute(w, view)
}

// manifest describes the contents of an archive.
type manifest struct {
	Conversation string         `json:"conversation"`
	ExportedAt   time.Time      `json:"exported_at"`
	MessageCount int            `json:"message_count"`
	Attachments  []manifestFile `json:"attachments"`
}

type manifestFile struct {
	File      string `json:"file"`
	MimeType  string `json:"mime_type"`
	MessageID string `json:"message_id"`
}

// Archive writes a zip containing text and HTML renderings, every
// attachment as its own file, and a manifest.json tying attachments back
// to their messages.
func Archive(w io.Writer, title string, msgs []model.Message) error {
	zw := zip.NewWriter(w)

	txt, err := zw.Create("messages.txt")
	if err != nil {
		return fmt.Errorf("create messages.txt: %w", err)
	}
	if err := Text(txt, title, msgs); err != nil {
		return fmt.Errorf("render text: %w", err)
	}

	htmlFile, err := zw.Create("messages.html")
	if err != nil {
		return fmt.Errorf("create messages.html: %w", err)
	}
	if err := HTML(htmlFile, title, msgs); err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	man := manifest{
		Conversation: title,
		ExportedAt:   time.Now().UTC(),
		MessageCount: len(msgs),
		Attachments:  []manifestFile{},
	}

	n := 0
	for _, m := range msgs {
		for _, att := range m.Attachments {
			n++
			name := fmt.Sprintf("attachments/%03d%s", n, extensionFor(att.MimeType))
			f, err := zw.Create(name)
			if err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
			if _, err := f.Write(att.Data); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
			man.Attachments = append(man.Attachments, manifestFile{
				File:      name,
				MimeType:  att.MimeType,
				MessageID: m.ID,
			})
		}
	}

	mf, err := zw.Create("manifest.json")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	enc := json.NewEncoder(mf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(man); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return zw.Close()
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}
