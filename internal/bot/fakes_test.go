package bot

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/treykane/ssh-bot/internal/conversation"
	"github.com/treykane/ssh-bot/internal/jobs"
	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/session"
	"github.com/treykane/ssh-bot/internal/tasks"
)

// fakeTransport records replies per user and serves attachments from an
// in-memory map keyed by Document.Ref.
type fakeTransport struct {
	mu       sync.Mutex
	replies  map[model.UserID][]Reply
	files    map[string]string
	fetchErr error
	sent     chan model.UserID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		replies: make(map[model.UserID][]Reply),
		files:   make(map[string]string),
		sent:    make(chan model.UserID, 256),
	}
}

func (f *fakeTransport) Send(_ context.Context, user model.UserID, r Reply) error {
	if r.FilePath != "" {
		b, err := os.ReadFile(r.FilePath)
		if err != nil {
			return err
		}
		r.Text = string(b)
	}
	f.mu.Lock()
	f.replies[user] = append(f.replies[user], r)
	f.mu.Unlock()
	f.sent <- user
	return nil
}

func (f *fakeTransport) Fetch(_ context.Context, doc Document, dst string) error {
	f.mu.Lock()
	body, ok := f.files[doc.Ref]
	err := f.fetchErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("file expired")
	}
	return os.WriteFile(dst, []byte(body), 0o644)
}

func (f *fakeTransport) last(user model.UserID) Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.replies[user]
	if len(rs) == 0 {
		return Reply{}
	}
	return rs[len(rs)-1]
}

func (f *fakeTransport) all(user model.UserID) []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reply(nil), f.replies[user]...)
}

// fakeConn is a scripted remote session.
type fakeConn struct {
	mu       sync.Mutex
	commands []string
	uploads  map[string]string
	files    map[string]string
	execFn   func(ctx context.Context, cmd string) (string, string, error)
	dead     atomic.Bool
	closed   atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		uploads: make(map[string]string),
		files:   make(map[string]string),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Execute(ctx context.Context, cmd string) (string, string, error) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	fn := c.execFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, cmd)
	}
	return "ran: " + cmd, "", nil
}

func (c *fakeConn) Upload(_ context.Context, local, remote string) error {
	b, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.uploads[remote] = string(b)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Download(_ context.Context, remote, local string) error {
	c.mu.Lock()
	body, ok := c.files[remote]
	c.mu.Unlock()
	if !ok {
		return errors.New("file does not exist")
	}
	return os.WriteFile(local, []byte(body), 0o600)
}

func (c *fakeConn) Tail(context.Context, string, int64, int64) ([]byte, int64, error) {
	return nil, 0, nil
}

func (c *fakeConn) Alive() bool { return !c.dead.Load() && c.closed.Load() == 0 }

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

// dialer hands out preconfigured connections and records attempts.
type dialer struct {
	mu       sync.Mutex
	next     []*fakeConn
	err      error
	attempts []dialAttempt
}

type dialAttempt struct {
	profile model.ConnectionProfile
	auth    model.AuthMaterial
	keyBody string
}

func (d *dialer) dial(_ context.Context, _ model.UserID, p model.ConnectionProfile, a model.AuthMaterial) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at := dialAttempt{profile: p, auth: a}
	if a.KeyPath != "" {
		b, _ := os.ReadFile(a.KeyPath)
		at.keyBody = string(b)
	}
	d.attempts = append(d.attempts, at)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.next) == 0 {
		return newFakeConn(), nil
	}
	c := d.next[0]
	d.next = d.next[1:]
	return c, nil
}

// blockingRunner keeps tasks alive until cancelled.
type blockingRunner struct {
	live atomic.Int32
}

func (b *blockingRunner) Run(ctx context.Context, _ tasks.Spec) error {
	b.live.Add(1)
	defer b.live.Add(-1)
	<-ctx.Done()
	return ctx.Err()
}

type harness struct {
	d       *Dispatcher
	tr      *fakeTransport
	dialer  *dialer
	runner  *blockingRunner
	metrics []string
	stage   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tr:      newFakeTransport(),
		dialer:  &dialer{},
		runner:  &blockingRunner{},
		metrics: []string{"Value1", "Value2"},
		stage:   t.TempDir(),
	}
	h.d = NewDispatcher(Deps{
		Transport: h.tr,
		Dial:      h.dialer.dial,
		Metrics: func(context.Context, session.Conn, string) ([]string, error) {
			return h.metrics, nil
		},
		Sessions: session.NewRegistry(nil),
		Tasks:    tasks.NewRegistry(h.runner, nil),
		Flows:    conversation.NewStore(),
		Jobs:     jobs.New(jobs.Templates{Submit: "sbatch {script}", Queue: "squeue", Cancel: "scancel {job_id}"}, 0),
		Stager:   NewStager(h.stage),
		Settings: Settings{RedactErrors: false},
	})
	t.Cleanup(h.d.Shutdown)
	return h
}

func (h *harness) text(user model.UserID, s string) {
	h.d.Handle(context.Background(), Event{User: user, Text: s})
}

func (h *harness) press(user model.UserID, data string) {
	h.d.Handle(context.Background(), Event{User: user, Callback: data})
}

func (h *harness) doc(user model.UserID, name, body string) {
	ref := "ref-" + name
	h.tr.mu.Lock()
	h.tr.files[ref] = body
	h.tr.mu.Unlock()
	h.d.Handle(context.Background(), Event{User: user, Document: &Document{Name: name, Ref: ref}})
}

func (h *harness) state(user model.UserID) conversation.State {
	return h.d.Flows.Get(user).State
}

// connect runs the password flow and returns the resulting connection.
func (h *harness) connect(t *testing.T, user model.UserID) *fakeConn {
	t.Helper()
	c := newFakeConn()
	h.dialer.mu.Lock()
	h.dialer.next = append(h.dialer.next, c)
	h.dialer.mu.Unlock()
	h.text(user, "/connect")
	h.text(user, "alice host.example.com")
	h.press(user, cbAuthPassword)
	h.text(user, "secret")
	if _, ok := h.d.Sessions.Get(user); !ok {
		t.Fatalf("expected user %d to be connected, last reply %q", user, h.tr.last(user).Text)
	}
	return c
}

func expectReply(t *testing.T, r Reply, substr string) {
	t.Helper()
	if !strings.Contains(r.Text, substr) {
		t.Fatalf("expected reply containing %q, got %q", substr, r.Text)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
