package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/recapd/recapd/internal/model"
	"github.com/recapd/recapd/internal/source"
	"golang.org/x/sync/errgroup"
)

// attachTask addresses one handle on one raw message so the resolved
// payload can be zipped back by position.
type attachTask struct {
	msgIdx    int
	handleIdx int
	handle    source.AttachmentHandle
}

// resolveAttachments downloads and filters attachments for all raws under
// the attachment pool, which is sized independently of the chunk fetch
// pool. Each handle resolves to either an accepted payload or nothing;
// rejections and failures are logged and never abort the sync. Raws left
// with neither text nor any accepted attachment are dropped.
//
// When the policy is disabled no network calls are made at all: every
// handle is discarded and only raws with text survive.
func (s *Synchronizer) resolveAttachments(ctx context.Context, sess source.Session, raws []source.RawMessage, policy AttachmentPolicy) []model.Message {
	if !policy.Enabled {
		out := make([]model.Message, 0, len(raws))
		for _, raw := range raws {
			if raw.Text == "" {
				continue
			}
			m := raw.Message
			m.Attachments = nil
			out = append(out, m)
		}
		return out
	}

	var tasks []attachTask
	resolved := make([][]*model.Attachment, len(raws))
	for i, raw := range raws {
		resolved[i] = make([]*model.Attachment, len(raw.Handles))
		for j, h := range raw.Handles {
			tasks = append(tasks, attachTask{msgIdx: i, handleIdx: j, handle: h})
		}
	}

	if len(tasks) > 0 {
		sem := make(chan struct{}, s.opts.AttachmentConcurrency)
		g, gctx := errgroup.WithContext(ctx)

		for _, task := range tasks {
			task := task
			g.Go(func() error {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-gctx.Done():
					return nil
				}

				att := s.resolveOne(gctx, sess, task.handle, policy)
				resolved[task.msgIdx][task.handleIdx] = att
				return nil
			})
		}
		_ = g.Wait()
	}

	out := make([]model.Message, 0, len(raws))
	for i, raw := range raws {
		m := raw.Message
		m.Attachments = nil
		for _, att := range resolved[i] {
			if att != nil {
				m.Attachments = append(m.Attachments, *att)
			}
		}
		if !m.HasContent() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// resolveOne handles a single attachment: probe for an early policy
// rejection where the backend supports it, download, sniff the real
// content type, then apply size and type limits to what was actually
// received. Any failure yields nil.
func (s *Synchronizer) resolveOne(ctx context.Context, sess source.Session, h source.AttachmentHandle, policy AttachmentPolicy) *model.Attachment {
	taskCtx, cancel := context.WithTimeout(ctx, s.opts.AttachmentTimeout)
	defer cancel()

	info, err := sess.Probe(taskCtx, h)
	switch {
	case err == nil:
		if policy.MaxBytes > 0 && info.Size > policy.MaxBytes {
			s.logger.Debug("skipping attachment over size limit", "size", info.Size, "limit", policy.MaxBytes)
			return nil
		}
		if !policy.allows(info.MimeType) {
			s.logger.Debug("skipping attachment with disallowed type", "mime_type", info.MimeType)
			return nil
		}
	case errors.Is(err, source.ErrNoProbe):
		// No cheap probe; policy is enforced after download.
	default:
		s.logger.Warn("attachment probe failed, skipping", "error", err)
		return nil
	}

	att, err := sess.ResolveAttachment(taskCtx, h)
	if err != nil {
		s.logger.Warn("attachment download failed, skipping", "error", err)
		return nil
	}

	if sniffed := sniffMIME(att.Data); sniffed != "" {
		att.MimeType = sniffed
	}
	if policy.MaxBytes > 0 && int64(len(att.Data)) > policy.MaxBytes {
		s.logger.Debug("skipping downloaded attachment over size limit", "size", len(att.Data), "limit", policy.MaxBytes)
		return nil
	}
	if !policy.allows(att.MimeType) {
		s.logger.Debug("skipping downloaded attachment with disallowed type", "mime_type", att.MimeType)
		return nil
	}
	return att
}

// allows reports whether a MIME type passes the policy's allow list. An
// empty list allows everything; entries match exactly or as a "type/"
// prefix wildcard ("image/" matches all images).
func (p AttachmentPolicy) allows(mimeType string) bool {
	if len(p.AllowedTypes) == 0 {
		return true
	}
	mt := strings.ToLower(mimeType)
	for _, allowed := range p.AllowedTypes {
		a := strings.ToLower(allowed)
		if mt == a {
			return true
		}
		if strings.HasSuffix(a, "/") && strings.HasPrefix(mt, a) {
			return true
		}
	}
	return false
}

// sniffMIME identifies common image formats by magic number. Declared
// content types from chat backends are frequently wrong or absent, so the
// bytes win when they are recognizable. Unrecognized data returns "".
func sniffMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	}
	return ""
}
