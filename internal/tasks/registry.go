// ABOUTME: Task registry actor tracking long-running tool invocations and their progress.
// ABOUTME: A single goroutine owns the task map; callers interact through start, advance, cancel and complete.

package tasks

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry errors
var (
	ErrClosed      = errors.New("task registry closed")
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskExists  = errors.New("task already registered")
)

// Task is a snapshot of one running invocation.
type Task struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ProgressToken json.RawMessage `json:"progress_token,omitempty"`
	Cancelled     bool            `json:"cancelled"`
	StartTime     time.Time       `json:"start_time"`
	TotalSteps    int             `json:"total_steps"`
	CurrentStep   int             `json:"current_step"`
	Message       string          `json:"message,omitempty"`
}

// StartOptions describes a task being registered. An empty ID is replaced by
// a generated one.
type StartOptions struct {
	ID            string
	Name          string
	TotalSteps    int
	ProgressToken json.RawMessage
}

// Registry is the shared task table. All state lives in the run goroutine.
type Registry struct {
	ops       chan func(map[string]*Task)
	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry starts the registry goroutine.
func NewRegistry() *Registry {
	r := &Registry{
		ops:  make(chan func(map[string]*Task)),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	tasks := make(map[string]*Task)
	for {
		select {
		case op := <-r.ops:
			op(tasks)
		case <-r.done:
			return
		}
	}
}

// do runs op on the registry goroutine and waits for it to finish.
func (r *Registry) do(op func(map[string]*Task)) error {
	finished := make(chan struct{})
	wrapped := func(m map[string]*Task) {
		op(m)
		close(finished)
	}
	select {
	case r.ops <- wrapped:
	case <-r.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// Start registers a new task and returns its snapshot.
func (r *Registry) Start(opts StartOptions) (Task, error) {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	var snap Task
	var err error
	doErr := r.do(func(m map[string]*Task) {
		if _, exists := m[opts.ID]; exists {
			err = ErrTaskExists
			return
		}
		t := &Task{
			ID:            opts.ID,
			Name:          opts.Name,
			ProgressToken: opts.ProgressToken,
			StartTime:     time.Now(),
			TotalSteps:    opts.TotalSteps,
		}
		m[t.ID] = t
		snap = *t
	})
	if doErr != nil {
		return Task{}, doErr
	}
	return snap, err
}

// Advance records that step steps have completed and reports whether the
// task has been cancelled since.
func (r *Registry) Advance(id string, step int, message string) (cancelled bool, err error) {
	doErr := r.do(func(m map[string]*Task) {
		t, ok := m[id]
		if !ok {
			err = ErrUnknownTask
			return
		}
		t.CurrentStep = step
		t.Message = message
		cancelled = t.Cancelled
	})
	if doErr != nil {
		return false, doErr
	}
	return cancelled, err
}

// Cancel marks a task as cancelled. The task notices at its next step boundary.
func (r *Registry) Cancel(id string) error {
	var err error
	doErr := r.do(func(m map[string]*Task) {
		t, ok := m[id]
		if !ok {
			err = ErrUnknownTask
			return
		}
		t.Cancelled = true
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// IsCancelled reports whether id is registered and cancelled.
func (r *Registry) IsCancelled(id string) bool {
	t, ok := r.Get(id)
	return ok && t.Cancelled
}

// Complete removes a task and returns its final snapshot.
func (r *Registry) Complete(id string) (Task, error) {
	var snap Task
	var err error
	doErr := r.do(func(m map[string]*Task) {
		t, ok := m[id]
		if !ok {
			err = ErrUnknownTask
			return
		}
		delete(m, id)
		snap = *t
	})
	if doErr != nil {
		return Task{}, doErr
	}
	return snap, err
}

// Get returns a snapshot of one task.
func (r *Registry) Get(id string) (Task, bool) {
	var snap Task
	var ok bool
	_ = r.do(func(m map[string]*Task) {
		var t *Task
		if t, ok = m[id]; ok {
			snap = *t
		}
	})
	return snap, ok
}

// List returns snapshots of every running task, oldest first.
func (r *Registry) List() []Task {
	var out []Task
	_ = r.do(func(m map[string]*Task) {
		out = make([]Task, 0, len(m))
		for _, t := range m {
			out = append(out, *t)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Close stops the registry goroutine. It is safe to call multiple times.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}
