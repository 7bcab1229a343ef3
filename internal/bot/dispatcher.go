// Package bot routes inbound chat events to the conversation flows and the
// per-user session, task and job components.
package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/conversation"
	"github.com/treykane/ssh-bot/internal/hostconfig"
	"github.com/treykane/ssh-bot/internal/jobs"
	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/session"
	"github.com/treykane/ssh-bot/internal/tasks"
	"github.com/treykane/ssh-bot/internal/util"
)

// Document is an attachment on an inbound message. Ref is whatever the
// transport needs to fetch it.
type Document struct {
	Name string
	Size int64
	Ref  string
}

// Event is one inbound message or button press.
type Event struct {
	User     model.UserID
	Text     string
	Callback string
	Document *Document
}

// Choice is an inline button; Data comes back as Event.Callback.
type Choice struct {
	Label string
	Data  string
}

// Reply is one outbound message. When FilePath is set the file is sent as
// an attachment with Text as its caption.
type Reply struct {
	Text     string
	Choices  [][]Choice
	Mono     bool
	FilePath string
	FileName string
}

// Transport is the chat side: deliver replies and fetch attachments.
type Transport interface {
	Send(ctx context.Context, user model.UserID, r Reply) error
	Fetch(ctx context.Context, doc Document, dst string) error
}

// DialFunc opens an authenticated session.
type DialFunc func(ctx context.Context, user model.UserID, p model.ConnectionProfile, a model.AuthMaterial) (session.Conn, error)

// MetricsFunc lists the metric names available in a remote file.
type MetricsFunc func(ctx context.Context, conn session.Conn, path string) ([]string, error)

// Settings are the config values the dispatcher reads.
type Settings struct {
	DefaultPort       int
	MonitorExtensions []string
	AllowedUsers      []int64
	RedactErrors      bool
	MaxOutput         int
}

// SettingsFromConfig picks the dispatcher settings out of the app config.
func SettingsFromConfig(cfg appconfig.Config) Settings {
	return Settings{
		DefaultPort:       cfg.SSH.DefaultPort,
		MonitorExtensions: cfg.Monitor.Extensions,
		AllowedUsers:      cfg.Telegram.AllowedUsers,
		RedactErrors:      cfg.Security.RedactErrors,
		MaxOutput:         cfg.Scheduler.MaxOutput,
	}
}

// Deps are the collaborators of a Dispatcher. Catalog and Logger may be nil.
type Deps struct {
	Transport Transport
	Dial      DialFunc
	Metrics   MetricsFunc
	Sessions  *session.Registry
	Tasks     *tasks.Registry
	Flows     *conversation.Store
	Jobs      *jobs.Adapter
	Stager    *Stager
	Catalog   *hostconfig.Catalog
	Settings  Settings
	Logger    *slog.Logger
}

// Dispatcher is the command surface. Events of one user are handled in
// arrival order, one at a time; different users proceed concurrently.
type Dispatcher struct {
	Deps
	allowed map[model.UserID]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	lmu   sync.Mutex
	lanes map[model.UserID]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []Event
}

// NewDispatcher wires deps and registers the task exit hook.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Settings.DefaultPort == 0 {
		deps.Settings.DefaultPort = util.DefaultSSHPort
	}
	if len(deps.Settings.MonitorExtensions) == 0 {
		deps.Settings.MonitorExtensions = util.DefaultMonitorExtensions
	}
	if deps.Settings.MaxOutput <= 0 {
		deps.Settings.MaxOutput = util.MaxDisplayLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		Deps:    deps,
		allowed: make(map[model.UserID]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[model.UserID]*lane),
	}
	for _, id := range deps.Settings.AllowedUsers {
		d.allowed[model.UserID(id)] = struct{}{}
	}
	if d.Tasks != nil {
		d.Tasks.OnExit(d.taskEnded)
	}
	return d
}

// Dispatch queues ev behind the user's earlier events and returns
// immediately.
func (d *Dispatcher) Dispatch(ev Event) {
	if d.ctx.Err() != nil {
		return
	}
	d.lmu.Lock()
	l, running := d.lanes[ev.User]
	if !running {
		l = &lane{}
		d.lanes[ev.User] = l
	}
	l.queue = append(l.queue, ev)
	if running {
		d.lmu.Unlock()
		return
	}
	d.wg.Add(1)
	d.lmu.Unlock()
	go d.drain(ev.User, l)
}

func (d *Dispatcher) drain(user model.UserID, l *lane) {
	defer d.wg.Done()
	for {
		d.lmu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, user)
			d.lmu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		d.lmu.Unlock()
		d.Handle(d.ctx, ev)
	}
}

// Handle processes one event synchronously. Errors are rendered to the user
// and never escape; a panic is contained to this event.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			d.Logger.Error("event handler panicked", "user", ev.User.String(), "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			d.reply(ctx, ev.User, Reply{Text: msgInternal})
		}
	}()

	if !d.isAllowed(ev.User) {
		d.Logger.Warn("rejected event from unauthorized user", "user", ev.User.String())
		d.reply(ctx, ev.User, Reply{Text: msgAccessDenied})
		return
	}

	unlock := d.Flows.Lock(ev.User)
	defer unlock()

	var err error
	switch {
	case ev.Callback != "":
		err = d.handleCallback(ctx, ev)
	case isCommand(ev.Text) && ev.Document == nil:
		name, args := splitCommand(ev.Text)
		err = d.handleCommand(ctx, ev, name, args)
	default:
		err = d.handleInput(ctx, ev)
	}
	if err != nil {
		d.fail(ctx, ev.User, err)
	}
}

func (d *Dispatcher) isAllowed(user model.UserID) bool {
	if len(d.allowed) == 0 {
		return true
	}
	_, ok := d.allowed[user]
	return ok
}

func (d *Dispatcher) reply(ctx context.Context, user model.UserID, r Reply) {
	if err := d.Transport.Send(ctx, user, r); err != nil {
		d.Logger.Warn("failed to send reply", "user", user.String(), "error", err)
	}
}

func (d *Dispatcher) say(ctx context.Context, user model.UserID, text string) {
	d.reply(ctx, user, Reply{Text: text})
}

// fail renders err for the user. A transport failure on a dead connection
// also tears the session down.
func (d *Dispatcher) fail(ctx context.Context, user model.UserID, err error) {
	kind := security.KindOf(err)
	d.Logger.Info("request failed", "user", user.String(), "kind", kind.String(), "error", security.DebugMessage(err))

	text := security.UserMessage(err, d.Settings.RedactErrors)
	if kind == security.KindTransport {
		if conn, ok := d.Sessions.Get(user); ok && !conn.Alive() {
			d.dropDead(user, conn)
			text += "\n" + msgConnectionLost
		}
	}
	d.say(ctx, user, text)
}

// dropDead removes a connection that died underneath the user, together with
// its tasks and any flow that needed it.
func (d *Dispatcher) dropDead(user model.UserID, conn session.Conn) bool {
	if !d.Sessions.RemoveIf(user, conn) {
		return false
	}
	n := d.Tasks.CancelAll(user)
	if f := d.Flows.Get(user); f.State.NeedsSession() {
		d.Flows.Reset(user)
	}
	d.Logger.Warn("session lost", "user", user.String(), "tasks_cancelled", n)
	return true
}

// watchConn removes the session as soon as its connection ends on its own.
// The removal runs under the user's flow lock, between conversation steps.
func (d *Dispatcher) watchConn(user model.UserID, conn session.Conn) {
	w, ok := conn.(interface{ Done() <-chan struct{} })
	if !ok {
		return
	}
	go func() {
		select {
		case <-d.ctx.Done():
		case <-w.Done():
			unlock := d.Flows.Lock(user)
			defer unlock()
			if d.dropDead(user, conn) {
				d.say(d.ctx, user, msgConnectionLost)
			}
		}
	}()
}

// Notify sends a plain message to user outside the request cycle.
func (d *Dispatcher) Notify(ctx context.Context, user model.UserID, text string) error {
	return d.Transport.Send(ctx, user, Reply{Text: text})
}

// NotifyChart sends a preformatted chart to user.
func (d *Dispatcher) NotifyChart(ctx context.Context, user model.UserID, chart string) error {
	return d.Transport.Send(ctx, user, Reply{Text: chart, Mono: true})
}

func (d *Dispatcher) taskEnded(info model.TaskInfo, err error) {
	text := fmt.Sprintf("Monitoring task %s for %s ended.", info.ShortID(), info.Path)
	if err != nil {
		text = fmt.Sprintf("Monitoring task %s for %s stopped: %s", info.ShortID(), info.Path, security.UserMessage(err, d.Settings.RedactErrors))
	}
	if nerr := d.Notify(d.ctx, info.Owner, text); nerr != nil {
		d.Logger.Warn("failed to report task end", "user", info.Owner.String(), "error", nerr)
	}
}

// Shutdown stops accepting work, waits for in-flight events, cancels all
// tasks and closes every session.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
	d.Tasks.Shutdown()
	d.Sessions.CloseAll()
	if d.Stager != nil {
		d.Stager.Cleanup()
	}
	d.Logger.Info("dispatcher stopped")
}

func isCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// splitCommand turns "/cancel_job@my_bot 42" into ("cancel_job", "42").
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	name, args, _ := strings.Cut(text, " ")
	name = strings.TrimPrefix(name, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}
