// Package tasks tests exercise the registry with in-memory runners: a
// blocking runner that only returns on cancellation, and runners that end
// on their own with or without an error.
package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/treykane/ssh-bot/internal/model"
)

type nopConn struct{}

func (nopConn) Execute(context.Context, string) (string, string, error)           { return "", "", nil }
func (nopConn) Upload(context.Context, string, string) error                      { return nil }
func (nopConn) Download(context.Context, string, string) error                    { return nil }
func (nopConn) Tail(context.Context, string, int64, int64) ([]byte, int64, error) { return nil, 0, nil }
func (nopConn) Alive() bool                                                       { return true }
func (nopConn) Close() error                                                      { return nil }

// blockingRunner runs until cancelled and counts how many bodies are live.
type blockingRunner struct {
	live atomic.Int32
}

func (b *blockingRunner) Run(ctx context.Context, _ Spec) error {
	b.live.Add(1)
	defer b.live.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

func spec(path string) Spec {
	return Spec{Path: path, Groups: []model.MetricGroup{{"Value1"}}, Conn: nopConn{}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartListCancelOne(t *testing.T) {
	runner := &blockingRunner{}
	r := NewRegistry(runner, nil)

	a, err := r.Start(1, spec("a.csv"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Start(1, spec("b.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("task ids must be unique")
	}
	if a.State != model.TaskRunning || a.Owner != 1 {
		t.Fatalf("unexpected task info %+v", a)
	}
	waitFor(t, func() bool { return runner.live.Load() == 2 })

	if !r.CancelOne(1, a.ID) {
		t.Fatal("expected cancel to succeed")
	}
	if r.CancelOne(1, a.ID) {
		t.Fatal("second cancel must report false")
	}
	list := r.List(1)
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("expected only the other task to remain, got %+v", list)
	}
	waitFor(t, func() bool { return runner.live.Load() == 1 })
	r.Shutdown()
}

func TestCancelOneIgnoresOtherUsers(t *testing.T) {
	r := NewRegistry(&blockingRunner{}, nil)
	info, err := r.Start(1, spec("a.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if r.CancelOne(2, info.ID) {
		t.Fatal("user 2 must not cancel user 1's task")
	}
	if len(r.List(1)) != 1 {
		t.Fatal("task should still be listed")
	}
	r.Shutdown()
}

func TestCancelAllStopsOnlyThatUser(t *testing.T) {
	runner := &blockingRunner{}
	r := NewRegistry(runner, nil)
	for _, p := range []string{"a.csv", "b.csv"} {
		if _, err := r.Start(1, spec(p)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Start(2, spec("c.csv")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return runner.live.Load() == 3 })

	if n := r.CancelAll(1); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if len(r.List(1)) != 0 {
		t.Fatal("expected no tasks for user 1")
	}
	if len(r.List(2)) != 1 {
		t.Fatal("user 2's task must survive")
	}
	// CancelAll waits for the bodies to return.
	if runner.live.Load() != 1 {
		t.Fatalf("expected one live body, got %d", runner.live.Load())
	}
	if n := r.CancelAll(1); n != 0 {
		t.Fatalf("expected idempotent cancel-all, got %d", n)
	}
	r.Shutdown()
	if r.Len() != 0 || runner.live.Load() != 0 {
		t.Fatal("shutdown left tasks behind")
	}
}

func TestTaskEndingOnItsOwnLeavesRegistry(t *testing.T) {
	var (
		mu    sync.Mutex
		exits []model.TaskInfo
	)
	boom := errors.New("remote file vanished")
	r := NewRegistry(RunnerFunc(func(ctx context.Context, s Spec) error {
		if s.Path == "fail.csv" {
			return boom
		}
		return nil
	}), nil)
	r.OnExit(func(info model.TaskInfo, err error) {
		mu.Lock()
		exits = append(exits, info)
		mu.Unlock()
	})

	if _, err := r.Start(1, spec("fail.csv")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(1, spec("ok.csv")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.Len() == 0 })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(exits) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	states := map[string]model.TaskState{}
	for _, e := range exits {
		states[e.Path] = e.State
	}
	if states["fail.csv"] != model.TaskFailed || states["ok.csv"] != model.TaskDone {
		t.Fatalf("unexpected exit states %v", states)
	}
}

func TestPanickingRunnerIsContained(t *testing.T) {
	failed := make(chan model.TaskInfo, 1)
	r := NewRegistry(RunnerFunc(func(context.Context, Spec) error { panic("bad chart") }), nil)
	r.OnExit(func(info model.TaskInfo, err error) { failed <- info })
	if _, err := r.Start(1, spec("a.csv")); err != nil {
		t.Fatal(err)
	}
	select {
	case info := <-failed:
		if info.State != model.TaskFailed {
			t.Fatalf("expected failed state, got %s", info.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panicking task never reported")
	}
}

func TestStartValidatesSpec(t *testing.T) {
	r := NewRegistry(&blockingRunner{}, nil)
	if _, err := r.Start(1, Spec{Path: "", Groups: []model.MetricGroup{{"a"}}, Conn: nopConn{}}); err == nil {
		t.Fatal("expected empty path to fail")
	}
	if _, err := r.Start(1, Spec{Path: "a.csv", Conn: nopConn{}}); err == nil {
		t.Fatal("expected missing groups to fail")
	}
	if _, err := r.Start(1, Spec{Path: "a.csv", Groups: []model.MetricGroup{{"a"}}}); err == nil {
		t.Fatal("expected missing session to fail")
	}
}
