// Package tasks manages the lifecycle of background monitoring tasks: start,
// list, cancel one, cancel all for a user, and shutdown.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/session"
	"github.com/treykane/ssh-bot/internal/util"
)

// Spec describes one monitoring task.
type Spec struct {
	Owner  model.UserID
	Path   string
	Groups []model.MetricGroup
	// Conn is the session the task reads through. It is shared with the
	// user's foreground commands.
	Conn session.Conn
}

// Runner executes a task body until ctx is cancelled or the body gives up.
type Runner interface {
	Run(ctx context.Context, spec Spec) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, spec Spec) error

func (f RunnerFunc) Run(ctx context.Context, spec Spec) error { return f(ctx, spec) }

// ExitFunc is called once for every task that ended on its own, i.e. not
// through CancelOne, CancelAll or Shutdown.
type ExitFunc func(info model.TaskInfo, err error)

type record struct {
	info   model.TaskInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks running tasks for all users.
type Registry struct {
	mu     sync.Mutex
	runner Runner
	logger *slog.Logger
	tasks  map[string]*record
	onExit ExitFunc
	grace  time.Duration
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry whose tasks run runner.
func NewRegistry(runner Runner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		runner: runner,
		logger: logger,
		tasks:  make(map[string]*record),
		grace:  util.TaskStopGrace,
	}
}

// OnExit installs the hook for tasks that end by themselves.
func (r *Registry) OnExit(fn ExitFunc) {
	r.mu.Lock()
	r.onExit = fn
	r.mu.Unlock()
}

// Start spawns the runner for spec and records it under a fresh id.
func (r *Registry) Start(user model.UserID, spec Spec) (model.TaskInfo, error) {
	if spec.Path == "" {
		return model.TaskInfo{}, fmt.Errorf("task path is empty")
	}
	if len(spec.Groups) == 0 {
		return model.TaskInfo{}, fmt.Errorf("task has no metric groups")
	}
	if spec.Conn == nil {
		return model.TaskInfo{}, fmt.Errorf("task has no session")
	}
	spec.Owner = user

	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		info: model.TaskInfo{
			ID:        uuid.NewString(),
			Owner:     user,
			Path:      spec.Path,
			Groups:    append([]model.MetricGroup(nil), spec.Groups...),
			State:     model.TaskRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.tasks[rec.info.ID] = rec
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("monitoring task started", "user", user.String(), "task", rec.info.ShortID(), "path", spec.Path)
	go r.run(ctx, rec, spec)
	return rec.info, nil
}

func (r *Registry) run(ctx context.Context, rec *record, spec Spec) {
	defer r.wg.Done()
	defer close(rec.done)

	err := r.safeRun(ctx, spec)

	r.mu.Lock()
	_, stillListed := r.tasks[rec.info.ID]
	delete(r.tasks, rec.info.ID)
	hook := r.onExit
	r.mu.Unlock()

	info := rec.info
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		info.State = model.TaskCancelled
	case err != nil:
		info.State = model.TaskFailed
		info.LastError = err.Error()
	default:
		info.State = model.TaskDone
	}
	r.logger.Info("monitoring task ended", "user", info.Owner.String(), "task", info.ShortID(), "state", string(info.State))
	if stillListed && info.State != model.TaskCancelled && hook != nil {
		hook(info, err)
	}
}

func (r *Registry) safeRun(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("monitoring task panicked", "user", spec.Owner.String(), "panic", fmt.Sprint(p))
			err = fmt.Errorf("task crashed: %v", p)
		}
	}()
	return r.runner.Run(ctx, spec)
}

// List returns the user's running tasks, oldest first.
func (r *Registry) List(user model.UserID) []model.TaskInfo {
	r.mu.Lock()
	out := make([]model.TaskInfo, 0)
	for _, rec := range r.tasks {
		if rec.info.Owner == user {
			out = append(out, rec.info)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelOne stops a single task. It returns false when the task does not
// exist, belongs to another user, or was already stopped.
func (r *Registry) CancelOne(user model.UserID, id string) bool {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok || rec.info.Owner != user {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, id)
	r.mu.Unlock()

	rec.cancel()
	r.logger.Info("monitoring task cancelled", "user", user.String(), "task", rec.info.ShortID())
	return true
}

// CancelAll stops every task of user and waits, bounded by a short grace
// period, for them to exit. It returns the number of tasks cancelled.
func (r *Registry) CancelAll(user model.UserID) int {
	r.mu.Lock()
	var recs []*record
	for id, rec := range r.tasks {
		if rec.info.Owner == user {
			recs = append(recs, rec)
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.cancel()
	}
	r.await(recs)
	if len(recs) > 0 {
		r.logger.Info("monitoring tasks cancelled", "user", user.String(), "count", len(recs))
	}
	return len(recs)
}

func (r *Registry) await(recs []*record) {
	deadline := time.NewTimer(r.grace)
	defer deadline.Stop()
	for _, rec := range recs {
		select {
		case <-rec.done:
		case <-deadline.C:
			r.logger.Warn("monitoring task did not stop within grace period", "task", rec.info.ShortID())
			return
		}
	}
}

// Len reports the number of running tasks across all users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown cancels every task and waits for the goroutines, bounded by the
// grace period.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.tasks))
	for id, rec := range r.tasks {
		recs = append(recs, rec)
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.grace):
		r.logger.Warn("shutdown left monitoring tasks running", "count", len(recs))
	}
}
