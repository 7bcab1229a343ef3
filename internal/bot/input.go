package bot

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/treykane/ssh-bot/internal/conversation"
	"github.com/treykane/ssh-bot/internal/jobs"
	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/tasks"
)

var authChoices = [][]Choice{{
	{Label: "Password", Data: cbAuthPassword},
	{Label: "Private key (.pem)", Data: cbAuthKey},
}}

var moreChoices = [][]Choice{{
	{Label: "Yes", Data: cbMoreYes},
	{Label: "No", Data: cbMoreNo},
}}

// handleInput feeds free text or an attachment to the active flow.
func (d *Dispatcher) handleInput(ctx context.Context, ev Event) error {
	user := ev.User
	flow := d.Flows.Get(user)

	switch flow.State {
	case conversation.Idle:
		if ev.Document != nil {
			d.say(ctx, user, "Use /upload before sending a file.")
		} else {
			d.say(ctx, user, msgIdleInput)
		}
		return nil
	case conversation.AwaitingCredentials:
		return d.onCredentials(ctx, user, ev.Text)
	case conversation.AwaitingAuthMethodChoice:
		d.reply(ctx, user, Reply{Text: msgChooseAuth, Choices: authChoices})
		return nil
	case conversation.AwaitingPemFile:
		return d.onKeyFile(ctx, user, ev.Document)
	case conversation.AwaitingPassword:
		secret, err := conversation.ParseSingleToken(ev.Text)
		if err != nil {
			return err
		}
		return d.authenticate(ctx, user, flow, model.Password(secret))
	case conversation.AwaitingSshDetailsPostPem:
		pass, err := conversation.ParseSingleToken(ev.Text)
		if err != nil {
			return err
		}
		if pass == "-" {
			pass = ""
		}
		return d.authenticate(ctx, user, flow, model.PrivateKey(flow.KeyPath, pass))
	case conversation.SettingMonitoringPath:
		return d.onMonitoringPath(ctx, user, ev.Text)
	case conversation.AwaitingMetricSelection:
		return d.onMetricSelection(ctx, user, flow, ev.Text)
	case conversation.ConfirmingAnotherGroup:
		d.reply(ctx, user, Reply{Text: msgAnotherGroup, Choices: moreChoices})
		return nil
	case conversation.WaitingForJob:
		return d.onJobScript(ctx, user, ev.Text)
	case conversation.WaitingForDownloadFilename:
		return d.onDownload(ctx, user, ev.Text)
	case conversation.WaitingForUploadFile:
		return d.onUpload(ctx, user, ev.Document)
	case conversation.WaitingForCommand:
		return d.onExecute(ctx, user, ev.Text)
	}
	return nil
}

func (d *Dispatcher) onCredentials(ctx context.Context, user model.UserID, text string) error {
	creds, err := conversation.ParseCredentials(text, d.Settings.DefaultPort)
	if err != nil {
		return err
	}
	p := creds.Profile()
	if d.Catalog != nil {
		if e, ok := d.Catalog.Lookup(creds.Host); ok {
			p.HostAlias = creds.Host
			if e.HostName != "" {
				p.Host = e.HostName
			}
			if !creds.ExplicitPort && e.Port > 0 {
				p.Port = e.Port
			}
		}
	}
	d.Flows.Update(user, func(f *conversation.Flow) {
		f.Profile = p
		f.HasProfile = true
	})
	d.Flows.Apply(user, conversation.EvCredentialsAccepted)
	d.reply(ctx, user, Reply{Text: msgChooseAuth, Choices: authChoices})
	return nil
}

func (d *Dispatcher) onKeyFile(ctx context.Context, user model.UserID, doc *Document) error {
	if doc == nil {
		d.say(ctx, user, msgKeyPrompt)
		return nil
	}
	if !conversation.IsKeyFileName(doc.Name) {
		d.say(ctx, user, msgKeyExtension)
		return nil
	}
	staged, err := d.Stager.Stage(ctx, d.Transport, user, *doc, 0o600)
	if err != nil {
		return err
	}
	d.Flows.Update(user, func(f *conversation.Flow) { f.KeyPath = staged })
	d.Flows.Apply(user, conversation.EvKeyStaged)
	d.say(ctx, user, msgPassphrasePrompt)
	return nil
}

// authenticate makes the single login attempt of a connect flow. The flow
// ends either way and the staged key is wiped.
func (d *Dispatcher) authenticate(ctx context.Context, user model.UserID, flow conversation.Flow, auth model.AuthMaterial) error {
	d.Flows.Apply(user, conversation.EvAuthAttempted)
	defer d.resetFlow(user)
	defer auth.Wipe()

	conn, err := d.Dial(ctx, user, flow.Profile, auth)
	if err != nil {
		d.Logger.Info("authentication failed", "user", user.String(), "target", flow.Profile.DisplayTarget(), "error", security.DebugMessage(err))
		return err
	}

	// Tasks of a previous session read through its handle; stop them before
	// Put closes it.
	if _, had := d.Sessions.Get(user); had {
		d.Tasks.CancelAll(user)
	}
	d.Sessions.Put(user, conn)
	d.watchConn(user, conn)
	d.Logger.Info("user connected", "user", user.String(), "target", flow.Profile.DisplayTarget(), "auth", string(auth.Kind))
	d.say(ctx, user, connectedText(flow.Profile.DisplayTarget()))
	return nil
}

func (d *Dispatcher) onMonitoringPath(ctx context.Context, user model.UserID, text string) error {
	p := strings.TrimSpace(text)
	if err := conversation.CheckMonitoringPath(p, d.Settings.MonitorExtensions); err != nil {
		return err
	}
	conn, err := d.requireSession(user)
	if err != nil {
		d.resetFlow(user)
		return err
	}
	d.Flows.Update(user, func(f *conversation.Flow) {
		f.Profile.MonitoringPath = p
		f.HasProfile = true
	})
	names, err := d.Metrics(ctx, conn, p)
	if err != nil {
		return err
	}
	d.Flows.Update(user, func(f *conversation.Flow) {
		f.Available = names
		f.Groups = nil
	})
	d.Flows.Apply(user, conversation.EvPathAccepted)
	d.say(ctx, user, fmt.Sprintf("Monitoring path set: %s\nAvailable metrics: %s\nSend the metrics to chart, separated by commas (e.g. '%s').",
		p, strings.Join(names, ", "), exampleSelection(names)))
	return nil
}

func exampleSelection(names []string) string {
	if len(names) > 2 {
		names = names[:2]
	}
	return strings.Join(names, ", ")
}

func (d *Dispatcher) onMetricSelection(ctx context.Context, user model.UserID, flow conversation.Flow, text string) error {
	group := conversation.SelectMetrics(text, flow.Available)
	if len(group) == 0 {
		return security.InputError("No valid metrics selected. Available: " + strings.Join(flow.Available, ", "))
	}
	d.Flows.Update(user, func(f *conversation.Flow) { f.Groups = append(f.Groups, group) })
	d.Flows.Apply(user, conversation.EvGroupSelected)
	d.reply(ctx, user, Reply{Text: "Chart configured: " + group.String() + ". " + msgAnotherGroup, Choices: moreChoices})
	return nil
}

func (d *Dispatcher) onJobScript(ctx context.Context, user model.UserID, text string) error {
	if strings.TrimSpace(text) == "" {
		return security.InputError(msgJobPrompt)
	}
	d.Flows.Apply(user, conversation.EvInputConsumed)
	conn, err := d.requireSession(user)
	if err != nil {
		return err
	}
	out, err := d.Jobs.Submit(ctx, conn, text)
	if err != nil {
		return err
	}
	d.say(ctx, user, out)
	return nil
}

func (d *Dispatcher) onExecute(ctx context.Context, user model.UserID, text string) error {
	command := strings.TrimSpace(text)
	if command == "" {
		return security.InputError(msgCommandPrompt)
	}
	d.Flows.Apply(user, conversation.EvInputConsumed)
	conn, err := d.requireSession(user)
	if err != nil {
		return err
	}
	stdout, stderr, err := conn.Execute(ctx, command)
	if err != nil {
		return err
	}
	out := jobs.Truncate(jobs.Response(stdout, stderr), d.Settings.MaxOutput)
	d.reply(ctx, user, Reply{Text: out, Mono: true})
	return nil
}

func (d *Dispatcher) onDownload(ctx context.Context, user model.UserID, text string) error {
	remote := strings.TrimSpace(text)
	if remote == "" {
		return security.InputError(msgDownloadPrompt)
	}
	d.Flows.Apply(user, conversation.EvInputConsumed)
	conn, err := d.requireSession(user)
	if err != nil {
		return err
	}
	local, err := d.Stager.Path(user, path.Base(remote))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := d.Stager.Remove(local); rerr != nil {
			d.Logger.Warn("failed to remove staged download", "user", user.String(), "error", rerr)
		}
	}()
	if err := conn.Download(ctx, remote, local); err != nil {
		return err
	}
	r := Reply{FilePath: local, FileName: path.Base(remote)}
	if err := d.Transport.Send(ctx, user, r); err != nil {
		return security.IOError("could not send the file", err)
	}
	return nil
}

func (d *Dispatcher) onUpload(ctx context.Context, user model.UserID, doc *Document) error {
	if doc == nil {
		d.say(ctx, user, msgUploadNeedFile)
		return nil
	}
	d.Flows.Apply(user, conversation.EvInputConsumed)
	conn, err := d.requireSession(user)
	if err != nil {
		return err
	}
	staged, err := d.Stager.Stage(ctx, d.Transport, user, *doc, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := d.Stager.Remove(staged); rerr != nil {
			d.Logger.Warn("failed to remove staged upload", "user", user.String(), "error", rerr)
		}
	}()
	remote := path.Base(staged)
	if err := conn.Upload(ctx, staged, remote); err != nil {
		return err
	}
	d.say(ctx, user, fmt.Sprintf("File %s uploaded to %s.", doc.Name, remote))
	return nil
}

func (d *Dispatcher) handleCallback(ctx context.Context, ev Event) error {
	user := ev.User
	switch data := ev.Callback; {
	case data == cbAuthPassword:
		return d.advance(ctx, user, conversation.EvChosePassword, msgPasswordPrompt)
	case data == cbAuthKey:
		return d.advance(ctx, user, conversation.EvChoseKey, msgKeyPrompt)
	case data == cbMoreYes:
		flow := d.Flows.Get(user)
		return d.advance(ctx, user, conversation.EvAnotherGroup,
			"Send another set of metrics, separated by commas. Available: "+strings.Join(flow.Available, ", "))
	case data == cbMoreNo:
		return d.startMonitoring(ctx, user)
	case data == cbStopAll:
		if n := d.Tasks.CancelAll(user); n == 0 {
			d.say(ctx, user, msgNoTasks)
		} else {
			d.say(ctx, user, msgTasksStopped)
		}
		return nil
	case strings.HasPrefix(data, cbStopPrefix):
		id := strings.TrimPrefix(data, cbStopPrefix)
		if d.Tasks.CancelOne(user, id) {
			d.say(ctx, user, fmt.Sprintf("Monitoring task %s stopped.", model.TaskInfo{ID: id}.ShortID()))
		} else {
			d.say(ctx, user, msgTaskNotFound)
		}
		return nil
	}
	d.say(ctx, user, msgStaleButton)
	return nil
}

func (d *Dispatcher) advance(ctx context.Context, user model.UserID, ev conversation.Event, prompt string) error {
	if _, ok := d.Flows.Apply(user, ev); !ok {
		d.say(ctx, user, msgStaleButton)
		return nil
	}
	d.say(ctx, user, prompt)
	return nil
}

func (d *Dispatcher) startMonitoring(ctx context.Context, user model.UserID) error {
	flow := d.Flows.Get(user)
	if _, ok := conversation.Transition(flow.State, conversation.EvGroupsDone); !ok {
		d.say(ctx, user, msgStaleButton)
		return nil
	}
	d.resetFlow(user)
	conn, err := d.requireSession(user)
	if err != nil {
		return err
	}
	info, err := d.Tasks.Start(user, tasks.Spec{
		Path:   flow.Profile.MonitoringPath,
		Groups: flow.Groups,
		Conn:   conn,
	})
	if err != nil {
		return err
	}
	d.say(ctx, user, fmt.Sprintf("Monitoring started for %s. Task ID: %s", info.Path, info.ShortID()))
	return nil
}
