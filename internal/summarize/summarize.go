// Package summarize turns synchronized conversation history into a
// natural-language recap using the OpenAI Responses API.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/recapd/recapd/internal/model"
)

const recapInstructions = `You summarize chat conversation history for someone catching up.
Write a concise recap of the transcript below: the main topics discussed,
decisions made, questions left open, and who drove each thread. Preserve
thread structure in your summary where it matters. Refer to image markers
like [image 1] only if the surrounding text makes their content clear.
Write in plain prose, no preamble.`

// EmptyRangeMessage is the recap of a window with no messages. An empty
// window is a successful outcome, not an error, so it is returned (or
// streamed) like any other recap text.
const EmptyRangeMessage = "No messages found in the selected range"

// Summarizer generates recaps of conversation transcripts.
type Summarizer struct {
	client  *openai.Client
	model   string
	baseURL string
	style   TranscriptStyle
	logger  *slog.Logger
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Summarizer) { s.logger = logger }
}

// WithStyle sets the transcript rendering style.
func WithStyle(style TranscriptStyle) Option {
	return func(s *Summarizer) { s.style = style }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(s *Summarizer) { s.baseURL = u }
}

// New creates a Summarizer using the given API key and model.
func New(apiKey, model string, opts ...Option) *Summarizer {
	s := &Summarizer{
		model:  model,
		style:  StyleFlat,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}
	client := openai.NewClient(clientOpts...)
	s.client = &client
	return s
}

func (s *Summarizer) params(title string, msgs []model.Message) responses.ResponseNewParams {
	transcript := Render(msgs, s.style)
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Conversation: %s\n\n", title)
	}
	b.WriteString(transcript.Text)

	input := []responses.ResponseInputItemUnionParam{
		responses.ResponseInputItemParamOfMessage(b.String(), responses.EasyInputMessageRoleUser),
	}
	return responses.ResponseNewParams{
		Model:           s.model,
		MaxOutputTokens: openai.Int(2000),
		Instructions:    openai.String(recapInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
	}
}

// Recap generates a complete recap in one call. An empty window recaps
// to EmptyRangeMessage without touching the model.
func (s *Summarizer) Recap(ctx context.Context, title string, msgs []model.Message) (string, error) {
	if len(msgs) == 0 {
		return EmptyRangeMessage, nil
	}

	resp, err := s.callWithRetry(ctx, s.params(title, msgs))
	if err != nil {
		return "", err
	}
	return resp.OutputText(), nil
}

// RecapStream generates a recap, invoking emit for each text delta as it
// arrives. Emit errors abort the stream. An empty window emits
// EmptyRangeMessage as the only delta and succeeds.
func (s *Summarizer) RecapStream(ctx context.Context, title string, msgs []model.Message, emit func(delta string) error) error {
	if len(msgs) == 0 {
		if err := emit(EmptyRangeMessage); err != nil {
			return fmt.Errorf("emit delta: %w", err)
		}
		return nil
	}

	stream := s.client.Responses.NewStreaming(ctx, s.params(title, msgs))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if err := emit(ev.Delta); err != nil {
				return fmt.Errorf("emit delta: %w", err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("recap stream: %w", err)
	}
	return nil
}

// callWithRetry retries rate-limit and server errors with fixed waits.
func (s *Summarizer) callWithRetry(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	rateLimitWaits := []time.Duration{65 * time.Second, 100 * time.Second, 135 * time.Second}
	serverErrorWaits := []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := s.client.Responses.New(ctx, params)
		if err == nil {
			return resp, nil
		}

		var wait time.Duration
		switch {
		case isRateLimitError(err):
			wait = rateLimitWaits[attempt]
		case isServerError(err):
			wait = serverErrorWaits[attempt]
		default:
			return nil, err
		}
		if attempt == maxRetries-1 {
			return nil, err
		}

		s.logger.Debug("retrying recap request", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("recap failed after %d attempts", maxRetries)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") ||
		strings.Contains(s, "internal server error") ||
		strings.Contains(s, "server_error")
}
