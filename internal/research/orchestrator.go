package research

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/prospector/internal/gateway"
)

// TaskError records a failure reported by one task.
type TaskError struct {
	Title     string    `json:"title"`
	SessionID string    `json:"session_id,omitempty"`
	Err       error     `json:"-"`
	Message   string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Batch accumulates what a set of concurrently running tasks report. Poll
// loops keep appending to it after RunResearchTasks returns; read through
// the snapshot accessors.
type Batch struct {
	mu        sync.Mutex
	learnings []Learning
	completed []Completion
	errors    []TaskError
	tasks     []*Task
	done      chan struct{}
}

// Learnings returns a snapshot of the learnings reported so far.
func (b *Batch) Learnings() []Learning {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Learning, len(b.learnings))
	copy(out, b.learnings)
	return out
}

// Completed returns a snapshot of the completions reported so far.
func (b *Batch) Completed() []Completion {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Completion, len(b.completed))
	copy(out, b.completed)
	return out
}

// Errors returns a snapshot of the task errors reported so far.
func (b *Batch) Errors() []TaskError {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TaskError, len(b.errors))
	copy(out, b.errors)
	return out
}

// Tasks returns the batch's tasks.
func (b *Batch) Tasks() []*Task { return b.tasks }

// Done is closed once every task in the batch has reached a terminal state.
// Tasks without a completion sentinel may never terminate on their own.
func (b *Batch) Done() <-chan struct{} { return b.done }

// AbortAll aborts every still-running task in the batch.
func (b *Batch) AbortAll(ctx context.Context) {
	for _, t := range b.tasks {
		_ = t.Abort(ctx)
	}
}

func (b *Batch) addLearning(l Learning) {
	b.mu.Lock()
	b.learnings = append(b.learnings, l)
	b.mu.Unlock()
}

func (b *Batch) addCompletion(c Completion) {
	b.mu.Lock()
	b.completed = append(b.completed, c)
	b.mu.Unlock()
}

func (b *Batch) addError(e TaskError) {
	b.mu.Lock()
	b.errors = append(b.errors, e)
	b.mu.Unlock()
}

// Orchestrator fans a batch of task specs out into concurrent tasks and
// fans their reports back into one Batch.
type Orchestrator struct {
	gw     gateway.SessionGateway
	logger *zap.Logger
	opts   Options
}

// NewOrchestrator builds an orchestrator; opts apply to every task it runs.
func NewOrchestrator(gw gateway.SessionGateway, logger *zap.Logger, opts Options) *Orchestrator {
	return &Orchestrator{gw: gw, logger: logger, opts: opts}
}

// RunResearchTasks spawns one task per spec concurrently and returns once
// every spawn call has resolved. Poll loops continue in the background and
// keep filling the returned Batch. A spawn failure is isolated to its task
// and never prevents siblings from spawning or running.
func (o *Orchestrator) RunResearchTasks(ctx context.Context, specs []Spec) *Batch {
	batch := &Batch{done: make(chan struct{})}

	for _, spec := range specs {
		spec := spec
		var task *Task

		wired := spec
		wired.OnLearning = func(l Learning) {
			batch.addLearning(l)
			if spec.OnLearning != nil {
				spec.OnLearning(l)
			}
		}
		wired.OnComplete = func(c Completion) {
			batch.addCompletion(c)
			if spec.OnComplete != nil {
				spec.OnComplete(c)
			}
		}
		wired.OnError = func(err error) {
			batch.addError(TaskError{
				Title:     spec.Title,
				SessionID: task.SessionID(),
				Err:       err,
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			})
			if spec.OnError != nil {
				spec.OnError(err)
			}
		}

		task = NewTask(wired, o.gw, o.logger, o.opts)
		batch.tasks = append(batch.tasks, task)
	}

	var wg sync.WaitGroup
	for _, task := range batch.tasks {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			// Spawn failures are routed through the task's OnError wiring.
			_ = t.Spawn(ctx)
		}(task)
	}
	wg.Wait()

	o.logger.Info("Research batch spawned",
		zap.Int("tasks", len(batch.tasks)),
		zap.Int("spawn_errors", len(batch.Errors())),
	)

	go func() {
		for _, t := range batch.tasks {
			<-t.Done()
		}
		close(batch.done)
	}()

	return batch
}
