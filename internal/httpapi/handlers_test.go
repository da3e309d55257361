package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/findings"
	"github.com/quarrylab/prospector/internal/gateway"
	"github.com/quarrylab/prospector/internal/research"
	"github.com/quarrylab/prospector/internal/summarizer"
)

// stubGateway scripts one assistant reply per session, served on the first
// poll after the prompt lands.
type stubGateway struct {
	mu       sync.Mutex
	nextID   int
	replies  map[string]string // session id -> assistant text, "" means silence
	script   []string          // replies assigned to sessions in create order
	prompted map[string]bool
	aborted  map[string]bool
}

func newStubGateway(script ...string) *stubGateway {
	return &stubGateway{
		script:   script,
		replies:  make(map[string]string),
		prompted: make(map[string]bool),
		aborted:  make(map[string]bool),
	}
}

func (g *stubGateway) Create(ctx context.Context, title, workdir string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("sess-%d", g.nextID+1)
	if g.nextID < len(g.script) {
		g.replies[id] = g.script[g.nextID]
	}
	g.nextID++
	return id, nil
}

func (g *stubGateway) PromptAsync(ctx context.Context, sessionID, content, agentRole string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompted[sessionID] = true
	return nil
}

func (g *stubGateway) Messages(ctx context.Context, sessionID string, limit int) ([]gateway.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	text := g.replies[sessionID]
	if !g.prompted[sessionID] || text == "" {
		return nil, nil
	}
	return []gateway.Message{{
		ID:        sessionID + "-m1",
		Role:      gateway.RoleAssistant,
		CreatedAt: time.Now().UTC(),
		Parts:     []gateway.Part{{Type: "text", Text: text}},
	}}, nil
}

func (g *stubGateway) Abort(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted[sessionID] = true
	return nil
}

func (g *stubGateway) wasAborted(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aborted[sessionID]
}

func newTestServer(t *testing.T, gw gateway.SessionGateway) (*httptest.Server, *Handler, *findings.Store) {
	t.Helper()
	logger := zap.NewNop()
	store, err := findings.NewStore(t.TempDir(), findings.Limits{
		SessionMax: 50,
		HourlyMax:  100,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	orch := research.NewOrchestrator(gw, logger, research.Options{
		PollInterval: 10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	})
	h := NewHandler(logger, store, orch, gw, summarizer.New(logger))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { h.AbortAll(context.Background()) })
	return srv, h, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestResearchBatchPersistsFindings(t *testing.T) {
	gw := newStubGateway(
		"working...\n[LEARNING] BUG: off-by-one in pager\n[COMPLETE]\ndone",
		"[LEARNING] INSIGHT: cache is cold on startup\n[COMPLETE]",
	)
	srv, _, store := newTestServer(t, gw)

	resp := postJSON(t, srv.URL+"/api/v1/research", `[
		{"title": "pager audit", "agent_role": "researcher", "prompt": "audit the pager"},
		{"title": "cache review", "agent_role": "reviewer", "prompt": "review the cache"}
	]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out researchResponse
	decodeBody(t, resp, &out)
	require.Len(t, out.Tasks, 2)
	for _, task := range out.Tasks {
		assert.NotEmpty(t, task.SessionID)
		// The fast poll loop may already have seen the sentinel.
		assert.Contains(t, []string{"polling", "completed"}, task.State)
	}
	assert.Empty(t, out.Errors)

	waitFor(t, "both findings to be persisted", func() bool {
		items, err := store.Load(context.Background(), findings.Query{})
		return err == nil && len(items) == 2
	})

	items, err := store.Load(context.Background(), findings.Query{Category: "bug"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "BUG", items[0].Category)
	assert.Equal(t, "off-by-one in pager", items[0].Description)
}

func TestResearchRejectsBadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t, newStubGateway())

	resp := postJSON(t, srv.URL+"/api/v1/research", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/research", `[]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestFindingsAndStatsEndpoints(t *testing.T) {
	srv, _, store := newTestServer(t, newStubGateway())

	for i, in := range []findings.AppendInput{
		{SessionID: "s1", Category: "BUG", Description: "first"},
		{SessionID: "s1", Category: "INSIGHT", Description: "second"},
		{SessionID: "s2", Category: "BUG", Description: "third"},
	} {
		f, err := store.Append(context.Background(), in)
		require.NoError(t, err)
		require.NotNil(t, f, "append %d should not be rate limited", i)
	}

	resp, err := http.Get(srv.URL + "/api/v1/findings?session_id=s1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Findings []findings.Finding `json:"findings"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Findings, 2)
	assert.Equal(t, "first", listing.Findings[0].Description)
	assert.Equal(t, "second", listing.Findings[1].Description)

	resp, err = http.Get(srv.URL + "/api/v1/findings?category=bug&limit=1")
	require.NoError(t, err)
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Findings, 1)
	assert.Equal(t, "third", listing.Findings[0].Description, "limit keeps the most recent match")

	resp, err = http.Get(srv.URL + "/api/v1/findings?since=not-a-time")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats findings.Stats
	decodeBody(t, resp, &stats)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, map[string]int{"BUG": 2, "INSIGHT": 1}, stats.ByCategory)
}

func TestAbortEndpoints(t *testing.T) {
	// The scripted session never emits the completion sentinel, so only an
	// abort can end it.
	gw := newStubGateway("still thinking, nothing to report yet")
	srv, _, _ := newTestServer(t, gw)

	resp := postJSON(t, srv.URL+"/api/v1/sessions/nope/abort", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/research", `[
		{"title": "endless", "agent_role": "researcher", "prompt": "never finish"}
	]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out researchResponse
	decodeBody(t, resp, &out)
	require.Len(t, out.Tasks, 1)
	sessionID := out.Tasks[0].SessionID
	require.NotEmpty(t, sessionID)

	resp = postJSON(t, srv.URL+"/api/v1/sessions/"+sessionID+"/abort", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, gw.wasAborted(sessionID))

	// Idempotent: a second abort of a terminal task still succeeds.
	resp = postJSON(t, srv.URL+"/api/v1/sessions/"+sessionID+"/abort", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSummarizeEndpoint(t *testing.T) {
	for _, name := range []string{
		"SUMMARY_BASE_URL", "SUMMARY_ENDPOINT", "SUMMARY_COMPLETIONS_PATH",
		"SUMMARY_API_KEY", "SUMMARY_MODEL", "LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL",
	} {
		t.Setenv(name, "")
	}

	completions := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "## Run Summary\nthe session went fine"}},
			},
		})
	}))
	defer completions.Close()

	gw := newStubGateway("some transcript content")
	srv, _, _ := newTestServer(t, gw)

	id, err := gw.Create(context.Background(), "t", "")
	require.NoError(t, err)
	require.NoError(t, gw.PromptAsync(context.Background(), id, "go", ""))

	// Unconfigured summarizer is a precondition failure, not a 5xx.
	resp := postJSON(t, srv.URL+"/api/v1/sessions/"+id+"/summarize", ``)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	resp.Body.Close()

	t.Setenv("SUMMARY_ENDPOINT", completions.URL)
	t.Setenv("SUMMARY_API_KEY", "test-key")

	resp = postJSON(t, srv.URL+"/api/v1/sessions/"+id+"/summarize", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result summarizer.Result
	decodeBody(t, resp, &result)
	assert.Contains(t, result.Markdown, "the session went fine")
	assert.False(t, result.Truncated)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, newStubGateway())
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
