package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/config"
	"github.com/quarrylab/prospector/internal/metrics"
	"github.com/quarrylab/prospector/internal/tracing"
)

// HTTPGateway talks to the agent runtime's REST session API.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPGateway builds a gateway against the given base URL; an empty value
// falls back to AGENT_RUNTIME_URL and then the local default.
func NewHTTPGateway(baseURL string, logger *zap.Logger) *HTTPGateway {
	resolved := config.Resolve(baseURL, []string{"AGENT_RUNTIME_URL"}, "http://localhost:8765")
	return &HTTPGateway{
		baseURL: strings.TrimRight(resolved, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type createRequest struct {
	Title   string `json:"title"`
	Workdir string `json:"workdir,omitempty"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

func (g *HTTPGateway) Create(ctx context.Context, title, workdir string) (string, error) {
	var out createResponse
	err := g.call(ctx, "create", http.MethodPost, "/sessions", createRequest{Title: title, Workdir: workdir}, &out)
	if err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", &Error{Op: "create", Err: fmt.Errorf("runtime returned no session id")}
	}
	g.logger.Info("Created runtime session",
		zap.String("session_id", out.SessionID),
		zap.String("title", title),
	)
	return out.SessionID, nil
}

type promptRequest struct {
	Content   string `json:"content"`
	AgentRole string `json:"agent_role,omitempty"`
	Async     bool   `json:"async"`
}

func (g *HTTPGateway) PromptAsync(ctx context.Context, sessionID, content, agentRole string) error {
	path := fmt.Sprintf("/sessions/%s/prompt", url.PathEscape(sessionID))
	return g.call(ctx, "prompt", http.MethodPost, path, promptRequest{Content: content, AgentRole: agentRole, Async: true}, nil)
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

func (g *HTTPGateway) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/sessions/%s/messages?limit=%d", url.PathEscape(sessionID), limit)
	var out messagesResponse
	if err := g.call(ctx, "messages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (g *HTTPGateway) Abort(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/sessions/%s/abort", url.PathEscape(sessionID))
	return g.call(ctx, "abort", http.MethodPost, path, nil, nil)
}

// call issues one JSON request and decodes the response into out when non-nil.
func (g *HTTPGateway) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	fullURL := g.baseURL + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, fullURL)
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordGatewayRequest(op, status, time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := g.client.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(data)))}
	}

	status = "ok"
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			status = "error"
			return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
