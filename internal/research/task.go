// Package research owns the lifecycle of spawned sub-agent sessions: it
// dispatches instrumented prompts, polls for new messages, extracts tagged
// learnings, and detects completion.
package research

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/gateway"
	"github.com/quarrylab/prospector/internal/metrics"
)

// State is a task's lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateSpawning
	StatePolling
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSpawning:
		return "spawning"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Learning is one structured insight extracted from a session message.
type Learning struct {
	SessionID   string    `json:"session_id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	FullText    string    `json:"full_text"`
	Timestamp   time.Time `json:"timestamp"`
}

// Completion reports a session that emitted the completion sentinel.
type Completion struct {
	SessionID   string `json:"session_id"`
	FinalReport string `json:"final_report"`
}

// Spec describes one research task. It is immutable once the task spawns.
type Spec struct {
	Title               string `json:"title"`
	AgentRole           string `json:"agent_role"`
	Tier                string `json:"tier,omitempty"`
	Prompt              string `json:"prompt"`
	SupervisorSessionID string `json:"supervisor_session_id,omitempty"`

	OnLearning func(Learning)
	OnComplete func(Completion)
	OnError    func(error)
}

// Options tune the poll loop.
type Options struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	MessageLimit int
	Workdir      string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 50
	}
	return o
}

// Task supervises one spawned sub-session. Its poll loop runs as an
// independently cancellable recurring timer task with no iteration cap;
// termination relies solely on the completion sentinel or Abort.
type Task struct {
	spec   Spec
	gw     gateway.SessionGateway
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	state      State
	sessionID  string // assigned exactly once at spawn
	lastSeenID string
	running    bool
	done       chan struct{}
}

// NewTask builds a task in the Created state.
func NewTask(spec Spec, gw gateway.SessionGateway, logger *zap.Logger, opts Options) *Task {
	return &Task{
		spec:   spec,
		gw:     gw,
		logger: logger,
		opts:   opts.withDefaults(),
		state:  StateCreated,
		done:   make(chan struct{}),
	}
}

// Spec returns the task's immutable specification.
func (t *Task) Spec() Spec { return t.spec }

// SessionID returns the runtime session id, empty before spawn.
func (t *Task) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Spawn creates the runtime session, dispatches the instrumented prompt, and
// starts the poll loop. A failure is terminal for this task only.
func (t *Task) Spawn(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return fmt.Errorf("task %q already spawned", t.spec.Title)
	}
	t.state = StateSpawning
	t.mu.Unlock()

	sessionID, err := t.gw.Create(ctx, t.spec.Title, t.opts.Workdir)
	if err != nil {
		t.fail(fmt.Errorf("spawn %q: %w", t.spec.Title, err))
		return err
	}

	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()

	prompt := instrumentPrompt(t.spec.Prompt)
	if err := t.gw.PromptAsync(ctx, sessionID, prompt, t.spec.AgentRole); err != nil {
		t.fail(fmt.Errorf("dispatch %q: %w", t.spec.Title, err))
		return err
	}

	t.mu.Lock()
	if t.state != StateSpawning {
		// Aborted while the dispatch was in flight.
		t.mu.Unlock()
		return nil
	}
	t.state = StatePolling
	t.running = true
	t.mu.Unlock()

	metrics.TasksSpawned.WithLabelValues(t.spec.AgentRole).Inc()
	t.logger.Info("Research task spawned",
		zap.String("title", t.spec.Title),
		zap.String("session_id", sessionID),
		zap.String("agent_role", t.spec.AgentRole),
	)

	go t.pollLoop(ctx)
	return nil
}

// Abort is idempotent: it clears the running flag and requests the runtime
// abort the remote session. An iteration already in flight may finish but
// its results are discarded once the flag is down.
func (t *Task) Abort(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateAborted || t.state == StateFailed {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.state = StateAborted
	sessionID := t.sessionID
	close(t.done)
	t.mu.Unlock()

	metrics.TasksAborted.Inc()
	t.logger.Info("Research task aborted",
		zap.String("title", t.spec.Title),
		zap.String("session_id", sessionID),
	)

	if sessionID == "" {
		return nil
	}
	if err := t.gw.Abort(ctx, sessionID); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	return nil
}

func (t *Task) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// fail moves the task to Failed and reports through OnError.
func (t *Task) fail(err error) {
	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateAborted || t.state == StateFailed {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.state = StateFailed
	close(t.done)
	t.mu.Unlock()

	metrics.TaskSpawnFailures.Inc()
	t.logger.Error("Research task failed",
		zap.String("title", t.spec.Title),
		zap.Error(err),
	)
	if t.spec.OnError != nil {
		t.spec.OnError(err)
	}
}

// pollLoop drives recurring poll iterations until completion or abort.
// A failed iteration backs off and retries; it never ends the loop.
func (t *Task) pollLoop(ctx context.Context) {
	timer := time.NewTimer(t.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = t.Abort(context.Background())
			return
		case <-t.done:
			return
		case <-timer.C:
		}

		if !t.isRunning() {
			return
		}

		delay := t.opts.PollInterval
		if err := t.pollOnce(ctx); err != nil {
			metrics.PollIterations.WithLabelValues("error").Inc()
			t.logger.Warn("Poll iteration failed",
				zap.String("session_id", t.SessionID()),
				zap.Error(err),
			)
			if t.spec.OnError != nil && t.isRunning() {
				t.spec.OnError(err)
			}
			delay = t.opts.ErrorBackoff
		} else {
			metrics.PollIterations.WithLabelValues("ok").Inc()
		}

		if !t.isRunning() {
			return
		}
		timer.Reset(delay)
	}
}

// pollOnce fetches the session's messages and scans everything newer than
// the last-seen id. Each message id is scanned for findings at most once.
func (t *Task) pollOnce(ctx context.Context) error {
	sessionID := t.SessionID()
	msgs, err := t.gw.Messages(ctx, sessionID, t.opts.MessageLimit)
	if err != nil {
		return err
	}

	t.mu.Lock()
	lastSeen := t.lastSeenID
	t.mu.Unlock()

	// Messages arrive in chronological order; skip up to and including the
	// last-seen id when it is still inside the returned window.
	fresh := msgs
	if lastSeen != "" {
		for i, m := range msgs {
			if m.ID == lastSeen {
				fresh = msgs[i+1:]
				break
			}
		}
	}

	for _, msg := range fresh {
		if !t.isRunning() {
			// Abort landed mid-iteration; discard the rest.
			return nil
		}
		if msg.Role != gateway.RoleAssistant {
			continue
		}
		if msg.ID == lastSeen {
			continue
		}

		t.mu.Lock()
		t.lastSeenID = msg.ID
		t.mu.Unlock()
		lastSeen = msg.ID

		text := gateway.ExtractText(msg)
		blocks, complete := extractLearnings(text)
		for _, b := range blocks {
			if !t.isRunning() {
				return nil
			}
			metrics.LearningsExtracted.WithLabelValues(b.Category).Inc()
			if t.spec.OnLearning != nil {
				t.spec.OnLearning(Learning{
					SessionID:   sessionID,
					Category:    b.Category,
					Description: b.Description,
					FullText:    text,
					Timestamp:   time.Now().UTC(),
				})
			}
		}

		if complete {
			t.mu.Lock()
			if !t.running {
				t.mu.Unlock()
				return nil
			}
			t.running = false
			t.state = StateCompleted
			close(t.done)
			t.mu.Unlock()

			metrics.TasksCompleted.Inc()
			t.logger.Info("Research task completed",
				zap.String("title", t.spec.Title),
				zap.String("session_id", sessionID),
			)
			if t.spec.OnComplete != nil {
				t.spec.OnComplete(Completion{SessionID: sessionID, FinalReport: text})
			}
			return nil
		}
	}
	return nil
}
