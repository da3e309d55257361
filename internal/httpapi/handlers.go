// Package httpapi exposes the supervisor's operational HTTP surface:
// submitting research batches, querying findings and stats, summarizing and
// aborting sessions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/config"
	"github.com/quarrylab/prospector/internal/findings"
	"github.com/quarrylab/prospector/internal/gateway"
	"github.com/quarrylab/prospector/internal/research"
	"github.com/quarrylab/prospector/internal/summarizer"
)

const maxBodyBytes = 1 << 20

// Handler serves the operational API.
type Handler struct {
	logger *zap.Logger
	store  *findings.Store
	orch   *research.Orchestrator
	gw     gateway.SessionGateway
	summ   *summarizer.Summarizer

	mu    sync.Mutex
	tasks map[string]*research.Task // by session id
}

// NewHandler wires the API against the supervisor's components.
func NewHandler(logger *zap.Logger, store *findings.Store, orch *research.Orchestrator, gw gateway.SessionGateway, summ *summarizer.Summarizer) *Handler {
	return &Handler{
		logger: logger,
		store:  store,
		orch:   orch,
		gw:     gw,
		summ:   summ,
		tasks:  make(map[string]*research.Task),
	}
}

// RegisterRoutes attaches the API routes to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/research", h.handleResearch)
	mux.HandleFunc("GET /api/v1/findings", h.handleFindings)
	mux.HandleFunc("GET /api/v1/stats", h.handleStats)
	mux.HandleFunc("POST /api/v1/sessions/{id}/summarize", h.handleSummarize)
	mux.HandleFunc("POST /api/v1/sessions/{id}/abort", h.handleAbort)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

type taskSpec struct {
	Title               string `json:"title"`
	AgentRole           string `json:"agent_role"`
	Tier                string `json:"tier,omitempty"`
	Prompt              string `json:"prompt"`
	SupervisorSessionID string `json:"supervisor_session_id,omitempty"`
}

type spawnedTask struct {
	Title     string `json:"title"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
}

type researchResponse struct {
	Tasks  []spawnedTask        `json:"tasks"`
	Errors []research.TaskError `json:"errors,omitempty"`
}

// handleResearch runs a batch: every learning the tasks report is persisted
// through the findings store (rate-limit rejections are dropped there, never
// fatal). The response covers the spawn step only; poll loops keep running.
func (h *Handler) handleResearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var specs []taskSpec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(specs) == 0 {
		writeError(w, http.StatusBadRequest, "no task specs")
		return
	}

	wired := make([]research.Spec, 0, len(specs))
	for _, ts := range specs {
		wired = append(wired, research.Spec{
			Title:               ts.Title,
			AgentRole:           ts.AgentRole,
			Tier:                ts.Tier,
			Prompt:              ts.Prompt,
			SupervisorSessionID: ts.SupervisorSessionID,
			// Learnings arrive long after this request returns; they must
			// not inherit its context.
			OnLearning: func(l research.Learning) {
				if _, err := h.store.Append(context.Background(), findings.AppendInput{
					SessionID:   l.SessionID,
					Category:    l.Category,
					Description: l.Description,
					FullText:    l.FullText,
				}); err != nil {
					h.logger.Error("Failed to persist learning",
						zap.String("session_id", l.SessionID),
						zap.Error(err),
					)
				}
			},
		})
	}

	batch := h.orch.RunResearchTasks(context.Background(), wired)

	resp := researchResponse{Errors: batch.Errors()}
	h.mu.Lock()
	for _, t := range batch.Tasks() {
		if id := t.SessionID(); id != "" {
			h.tasks[id] = t
		}
		resp.Tasks = append(resp.Tasks, spawnedTask{
			Title:     t.Spec().Title,
			SessionID: t.SessionID(),
			State:     t.State().String(),
		})
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleFindings(w http.ResponseWriter, r *http.Request) {
	q := findings.Query{
		SessionID: r.URL.Query().Get("session_id"),
		Category:  r.URL.Query().Get("category"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = t
	}

	items, err := h.store.Load(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to load findings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	if items == nil {
		items = []findings.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"findings": items})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("Failed to read findings stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	msgs, err := h.gw.Messages(r.Context(), sessionID, 200)
	if err != nil {
		h.logger.Error("Failed to fetch session messages",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "failed to fetch session messages")
		return
	}

	result, err := h.summ.SummarizeMessages(r.Context(), msgs, config.SummarizerOverrides{})
	if err != nil {
		var missing *config.MissingError
		if errors.As(err, &missing) {
			writeError(w, http.StatusPreconditionFailed, missing.Error())
			return
		}
		h.logger.Error("Summarization failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "summarization failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	h.mu.Lock()
	task := h.tasks[sessionID]
	h.mu.Unlock()
	if task == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err := task.Abort(r.Context()); err != nil {
		h.logger.Warn("Abort request failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "abort failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// AbortAll aborts every tracked task; used on shutdown.
func (h *Handler) AbortAll(ctx context.Context) {
	h.mu.Lock()
	tasks := make([]*research.Task, 0, len(h.tasks))
	for _, t := range h.tasks {
		tasks = append(tasks, t)
	}
	h.mu.Unlock()
	for _, t := range tasks {
		_ = t.Abort(ctx)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
