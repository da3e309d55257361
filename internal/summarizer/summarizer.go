// Package summarizer distills a session's message history into a
// fixed-structure Markdown report via an external completion endpoint.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/config"
	"github.com/quarrylab/prospector/internal/gateway"
	"github.com/quarrylab/prospector/internal/metrics"
	"github.com/quarrylab/prospector/internal/tracing"
)

// EndpointError is a non-success response from the completion endpoint.
type EndpointError struct {
	Status int
	Body   string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("completion endpoint returned HTTP %d: %s", e.Status, e.Body)
}

// ErrEmptyCompletion means the endpoint responded but no text could be
// extracted from any known response shape.
var ErrEmptyCompletion = errors.New("completion response contained no usable text")

// Result is the outcome of one summarization.
type Result struct {
	Markdown  string `json:"markdown"`
	Model     string `json:"model"`
	Truncated bool   `json:"truncated"`
}

const systemPrompt = `You summarize agent session transcripts. Produce a Markdown report with exactly these six sections, in this order:

## Run Summary
## Key Findings
## Decisions/Actions
## Evidence/References
## Blockers/Risks
## Next Steps

Be factual and concise. Every claim must be supported by the transcript.`

const noMessagesMarkdown = `## Run Summary

No messages to summarize.`

// completionPaths are checked in fixed priority order to tolerate
// vendor-specific response shapes.
var completionPaths = []string{
	"choices.0.message.content",
	"choices.0.text",
	"content.0.text",
	"message.content",
	"response",
	"output_text",
	"completion",
}

// Summarizer issues a single bounded completion call per summary.
type Summarizer struct {
	client *http.Client
	logger *zap.Logger
}

// New builds a summarizer. The per-call timeout comes from resolved
// configuration, not from the shared client.
func New(logger *zap.Logger) *Summarizer {
	return &Summarizer{
		client: &http.Client{},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// SummarizeMessages builds a bounded transcript from the messages and asks
// the completion endpoint for the six-section report. Configuration gaps
// (base URL, API key) fail synchronously before any outbound call; an empty
// message list returns a fixed result without calling out at all.
func (s *Summarizer) SummarizeMessages(ctx context.Context, messages []gateway.Message, opts config.SummarizerOverrides) (Result, error) {
	if len(messages) == 0 {
		return Result{Markdown: noMessagesMarkdown}, nil
	}

	cfg, err := config.ResolveSummarizer(opts)
	if err != nil {
		return Result{}, err
	}

	transcript, truncated := buildTranscript(messages, cfg.MaxTranscriptChars)
	userContent := transcript
	if truncated {
		metrics.TranscriptTruncations.Inc()
		userContent = fmt.Sprintf(
			"NOTE: the transcript below was truncated to its most recent %d characters.\n\n%s",
			cfg.MaxTranscriptChars, transcript,
		)
	}

	endpoint := resolveEndpointURL(cfg)
	body, err := json.Marshal(chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal completion request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, endpoint)
	defer span.End()

	start := time.Now()
	markdown, err := s.complete(ctx, endpoint, cfg.APIKey, body)
	if err != nil {
		metrics.RecordSummary("error", time.Since(start).Seconds())
		return Result{}, err
	}
	metrics.RecordSummary("ok", time.Since(start).Seconds())

	s.logger.Info("Transcript summarized",
		zap.String("model", cfg.Model),
		zap.Int("messages", len(messages)),
		zap.Bool("truncated", truncated),
	)
	return Result{Markdown: markdown, Model: cfg.Model, Truncated: truncated}, nil
}

// complete issues the single outbound call and extracts the first usable
// completion text.
func (s *Summarizer) complete(ctx context.Context, endpoint, apiKey string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &EndpointError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	for _, path := range completionPaths {
		if v := gjson.GetBytes(data, path); v.Exists() {
			if text := strings.TrimSpace(v.String()); text != "" {
				return text, nil
			}
		}
	}
	return "", ErrEmptyCompletion
}

// resolveEndpointURL picks the completion URL when no explicit endpoint is
// configured: a completions-shaped base is used verbatim; a configured path
// override is appended; an OpenAI-family base ending in /v1 gets the
// conventional suffix; anything else gets the generic default.
func resolveEndpointURL(cfg config.Summarizer) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	switch {
	case strings.HasSuffix(base, "/chat/completions"),
		strings.HasSuffix(base, "/completions"),
		strings.HasSuffix(base, "/messages"):
		return base
	case cfg.CompletionsPath != "":
		return base + "/" + strings.TrimLeft(cfg.CompletionsPath, "/")
	case strings.HasSuffix(base, "/v1"):
		return base + "/chat/completions"
	default:
		return base + "/v1/chat/completions"
	}
}
