package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateSession(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody createRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(createResponse{SessionID: "sess-123"})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, zap.NewNop())
	id, err := g.Create(context.Background(), "triage pass", "/work")
	require.NoError(t, err)
	assert.Equal(t, "sess-123", id)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/sessions", gotPath)
	assert.Equal(t, "triage pass", gotBody.Title)
	assert.Equal(t, "/work", gotBody.Workdir)
}

func TestCreateRejectsEmptySessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(createResponse{})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, zap.NewNop())
	_, err := g.Create(context.Background(), "t", "")
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "create", gwErr.Op)
}

func TestPromptAsync(t *testing.T) {
	var gotPath string
	var gotBody promptRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, zap.NewNop())
	err := g.PromptAsync(context.Background(), "sess-1", "investigate", "researcher")
	require.NoError(t, err)
	assert.Equal(t, "/sessions/sess-1/prompt", gotPath)
	assert.Equal(t, "investigate", gotBody.Content)
	assert.Equal(t, "researcher", gotBody.AgentRole)
	assert.True(t, gotBody.Async)
}

func TestMessagesPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/sess-1/messages", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(messagesResponse{Messages: []Message{
			{ID: "m1", Role: "assistant", CreatedAt: time.Now().UTC(), Parts: []Part{{Type: "text", Text: "hi"}}},
			{ID: "m2", Role: "user", CreatedAt: time.Now().UTC(), Parts: []Part{{Type: "text", Text: "go on"}}},
		}})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, zap.NewNop())
	msgs, err := g.Messages(context.Background(), "sess-1", 25)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "assistant", msgs[0].Role)
}

func TestNonSuccessStatusBecomesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, zap.NewNop())
	err := g.Abort(context.Background(), "nope")
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "abort", gwErr.Op)
	assert.Equal(t, http.StatusNotFound, gwErr.Status)
	assert.Contains(t, gwErr.Error(), "session not found")
}

func TestSessionIDIsPathEscaped(t *testing.T) {
	var gotEscaped string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEscaped = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, zap.NewNop())
	require.NoError(t, g.Abort(context.Background(), "a/b"))
	assert.Equal(t, "/sessions/a%2Fb/abort", gotEscaped)
}

func TestBaseURLFallsBackToEnv(t *testing.T) {
	t.Setenv("AGENT_RUNTIME_URL", "http://runtime.internal:8765/")
	g := NewHTTPGateway("", zap.NewNop())
	assert.Equal(t, "http://runtime.internal:8765", g.baseURL)

	t.Setenv("AGENT_RUNTIME_URL", "")
	g = NewHTTPGateway("", zap.NewNop())
	assert.Equal(t, "http://localhost:8765", g.baseURL)
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		name  string
		parts []Part
		want  string
	}{
		{"joins text parts", []Part{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"text wins over others", []Part{{Type: "tool_use"}, {Type: "text", Text: "a"}}, "a"},
		{"placeholder lists sorted types", []Part{{Type: "tool_use"}, {Type: "image"}, {Type: "tool_use"}}, "[no text parts: image, tool_use]"},
		{"empty message", nil, "[no content]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractText(Message{ID: "m", Role: "assistant", Parts: tc.parts}))
		})
	}
}
