package bot

import (
	"context"
	"fmt"

	"github.com/treykane/ssh-bot/internal/conversation"
	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/session"
)

const (
	cbAuthPassword = "auth_password"
	cbAuthKey      = "auth_pem"
	cbMoreYes      = "add_more_yes"
	cbMoreNo       = "add_more_no"
	cbStopAll      = "stop_all"
	cbStopPrefix   = "stop_"
)

// alwaysAvailable commands work in any conversation state.
var alwaysAvailable = map[string]bool{
	"start":           true,
	"help":            true,
	"connect":         true,
	"disconnect":      true,
	"cancel":          true,
	"stop_monitoring": true,
}

// prompted maps commands that open a one-step prompt to their event and
// prompt text.
var prompted = map[string]struct {
	ev     conversation.Event
	prompt string
}{
	"execute":        {conversation.EvExecute, msgCommandPrompt},
	"upload":         {conversation.EvUpload, msgUploadPrompt},
	"download":       {conversation.EvDownload, msgDownloadPrompt},
	"submit_job":     {conversation.EvSubmitJob, msgJobPrompt},
	"add_monitoring": {conversation.EvAddMonitoring, msgMonitorPrompt},
}

func isKnownCommand(name string) bool {
	if alwaysAvailable[name] {
		return true
	}
	if _, ok := prompted[name]; ok {
		return true
	}
	return name == "show_queue" || name == "cancel_job"
}

// takesSlashInput reports states whose input may legitimately start with
// '/': remote paths and secrets.
func takesSlashInput(s conversation.State) bool {
	switch s {
	case conversation.WaitingForDownloadFilename, conversation.WaitingForJob, conversation.SettingMonitoringPath,
		conversation.AwaitingPassword, conversation.AwaitingSshDetailsPostPem:
		return true
	}
	return false
}

func (d *Dispatcher) handleCommand(ctx context.Context, ev Event, name, args string) error {
	user := ev.User
	state := d.Flows.Get(user).State

	if !isKnownCommand(name) && takesSlashInput(state) {
		return d.handleInput(ctx, ev)
	}
	if !alwaysAvailable[name] {
		switch {
		case state == conversation.WaitingForCommand:
			d.say(ctx, user, msgBotCommandInput)
			return nil
		case state != conversation.Idle:
			d.say(ctx, user, msgFinishStep)
			return nil
		}
	}

	switch name {
	case "start":
		d.say(ctx, user, msgWelcome)
	case "help":
		d.say(ctx, user, helpText())
	case "connect":
		d.resetFlow(user)
		d.Flows.Apply(user, conversation.EvConnect)
		d.say(ctx, user, msgCredentialsPrompt)
	case "disconnect":
		return d.disconnect(ctx, user)
	case "cancel":
		prev := d.resetFlow(user)
		if prev.State == conversation.Idle {
			d.say(ctx, user, msgNothingToCancel)
		} else {
			d.say(ctx, user, msgCancelled)
		}
	case "stop_monitoring":
		d.listTasks(ctx, user)
	case "show_queue":
		conn, err := d.requireSession(user)
		if err != nil {
			return err
		}
		out, err := d.Jobs.Queue(ctx, conn)
		if err != nil {
			return err
		}
		d.reply(ctx, user, Reply{Text: out, Mono: true})
	case "cancel_job":
		conn, err := d.requireSession(user)
		if err != nil {
			return err
		}
		out, err := d.Jobs.Cancel(ctx, conn, args)
		if err != nil {
			return err
		}
		d.say(ctx, user, out)
	default:
		p, ok := prompted[name]
		if !ok {
			d.say(ctx, user, msgUnknownCommand)
			return nil
		}
		if _, err := d.requireSession(user); err != nil {
			return err
		}
		d.Flows.Apply(user, p.ev)
		d.say(ctx, user, p.prompt)
	}
	return nil
}

func (d *Dispatcher) requireSession(user model.UserID) (session.Conn, error) {
	conn, ok := d.Sessions.Get(user)
	if !ok {
		return nil, security.NotConnected(msgNotConnected)
	}
	return conn, nil
}

// resetFlow clears the user's flow and wipes a staged key left behind.
func (d *Dispatcher) resetFlow(user model.UserID) conversation.Flow {
	prev := d.Flows.Reset(user)
	d.wipeKey(user, prev.KeyPath)
	return prev
}

func (d *Dispatcher) wipeKey(user model.UserID, p string) {
	if p == "" || d.Stager == nil {
		return
	}
	if err := d.Stager.Wipe(p); err != nil {
		d.Logger.Warn("failed to wipe staged key", "user", user.String(), "error", err)
	}
}

func (d *Dispatcher) disconnect(ctx context.Context, user model.UserID) error {
	d.resetFlow(user)
	if _, ok := d.Sessions.Get(user); !ok {
		return security.NotConnected(msgNotConnected)
	}
	n := d.Tasks.CancelAll(user)
	d.Sessions.RemoveAndClose(user)
	d.Logger.Info("user disconnected", "user", user.String(), "tasks_cancelled", n)
	text := msgDisconnected
	if n > 0 {
		text += fmt.Sprintf(" Stopped %d monitoring task(s).", n)
	}
	d.say(ctx, user, text)
	return nil
}

func (d *Dispatcher) listTasks(ctx context.Context, user model.UserID) {
	list := d.Tasks.List(user)
	if len(list) == 0 {
		d.say(ctx, user, msgNoTasks)
		return
	}
	rows := make([][]Choice, 0, len(list)+1)
	for _, t := range list {
		rows = append(rows, []Choice{{
			Label: fmt.Sprintf("Stop %s (%s)", t.ShortID(), t.Path),
			Data:  cbStopPrefix + t.ID,
		}})
	}
	rows = append(rows, []Choice{{Label: "Stop all", Data: cbStopAll}})
	d.reply(ctx, user, Reply{Text: msgChooseTask, Choices: rows})
}
