package summarize

import (
	"fmt"
	"strings"

	"github.com/recapd/recapd/internal/model"
)

// TranscriptStyle selects how thread structure is rendered.
type TranscriptStyle string

const (
	// StyleFlat renders one line per message with reply markers.
	StyleFlat TranscriptStyle = "flat"

	// StyleTree indents replies under their thread root.
	StyleTree TranscriptStyle = "tree"
)

// Transcript is a rendered conversation plus the image attachments it
// references, indexed in render order.
type Transcript struct {
	Text   string
	Images []model.Attachment
}

// Render converts a threaded message sequence into a plain-text
// transcript for the model. Image attachments are replaced with numbered
// markers and collected so multimodal callers can attach them alongside
// the text.
func Render(msgs []model.Message, style TranscriptStyle) *Transcript {
	t := &Transcript{}
	var b strings.Builder

	for _, m := range msgs {
		indent := ""
		marker := ""
		isReply := m.ThreadRootID != "" && m.ThreadRootID != m.ID
		if isReply {
			if style == StyleTree {
				indent = "    "
			} else {
				marker = "[reply] "
			}
		}

		name := m.Author.Name
		if name == "" {
			name = m.Author.ID
		}
		if name == "" {
			name = "unknown"
		}

		b.WriteString(indent)
		b.WriteString(fmt.Sprintf("[%s] %s%s: %s",
			m.Timestamp.Format("2006-01-02 15:04"), marker, name, m.Text))

		for _, att := range m.Attachments {
			if strings.HasPrefix(att.MimeType, "image/") {
				t.Images = append(t.Images, att)
				b.WriteString(fmt.Sprintf(" [image %d]", len(t.Images)))
			} else {
				b.WriteString(fmt.Sprintf(" [attachment: %s, %d bytes]", att.MimeType, len(att.Data)))
			}
		}
		b.WriteString("\n")
	}

	t.Text = b.String()
	return t
}
