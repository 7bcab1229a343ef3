// Package jobs talks to a remote batch scheduler by formatting scheduler
// commands and running them over the user's session.
package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/util"
)

const (
	ScriptPlaceholder = "{script}"
	JobPlaceholder    = "{job_id}"
)

// Executor runs one remote command. session.Conn satisfies it.
type Executor interface {
	Execute(ctx context.Context, command string) (stdout, stderr string, err error)
}

// Templates are the scheduler command lines. Submit must contain
// {script}, Cancel must contain {job_id}.
type Templates struct {
	Submit string
	Queue  string
	Cancel string
}

var presets = map[appconfig.SchedulerKind]Templates{
	appconfig.SchedulerSlurm: {
		Submit: "sbatch " + ScriptPlaceholder,
		Queue:  "squeue -u \"$USER\"",
		Cancel: "scancel " + JobPlaceholder,
	},
	appconfig.SchedulerPBS: {
		Submit: "qsub " + ScriptPlaceholder,
		Queue:  "qstat -u \"$USER\"",
		Cancel: "qdel " + JobPlaceholder,
	},
}

// TemplatesFor returns the command templates for the configured scheduler.
func TemplatesFor(cfg appconfig.SchedulerConfig) Templates {
	if cfg.Kind == appconfig.SchedulerCustom {
		return Templates{Submit: cfg.Submit, Queue: cfg.Queue, Cancel: cfg.Cancel}
	}
	if t, ok := presets[cfg.Kind]; ok {
		return t
	}
	return presets[appconfig.SchedulerSlurm]
}

// Validate reports templates that cannot be used.
func (t Templates) Validate() []string {
	var problems []string
	if !strings.Contains(t.Submit, ScriptPlaceholder) {
		problems = append(problems, "submit template lacks "+ScriptPlaceholder)
	}
	if strings.TrimSpace(t.Queue) == "" {
		problems = append(problems, "queue template is empty")
	}
	if !strings.Contains(t.Cancel, JobPlaceholder) {
		problems = append(problems, "cancel template lacks "+JobPlaceholder)
	}
	return problems
}

// Adapter is a thin, scheduler-agnostic wrapper over remote execution.
type Adapter struct {
	templates Templates
	maxOutput int
}

// New returns an adapter for templates. maxOutput <= 0 means util.MaxDisplayLength.
func New(templates Templates, maxOutput int) *Adapter {
	if maxOutput <= 0 {
		maxOutput = util.MaxDisplayLength
	}
	return &Adapter{templates: templates, maxOutput: maxOutput}
}

// Submit queues the script at scriptPath on the remote side.
func (a *Adapter) Submit(ctx context.Context, ex Executor, scriptPath string) (string, error) {
	scriptPath = strings.TrimSpace(scriptPath)
	if scriptPath == "" {
		return "", security.InputError("Send the path of the job script on the server")
	}
	cmd := strings.ReplaceAll(a.templates.Submit, ScriptPlaceholder, shellescape.Quote(scriptPath))
	return a.run(ctx, ex, cmd)
}

// Queue lists the scheduler queue, truncated for display.
func (a *Adapter) Queue(ctx context.Context, ex Executor) (string, error) {
	return a.run(ctx, ex, a.templates.Queue)
}

// Cancel removes a job from the queue.
func (a *Adapter) Cancel(ctx context.Context, ex Executor, jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", security.InputError("Specify the job id: /cancel_job <job_id>")
	}
	cmd := strings.ReplaceAll(a.templates.Cancel, JobPlaceholder, shellescape.Quote(jobID))
	return a.run(ctx, ex, cmd)
}

func (a *Adapter) run(ctx context.Context, ex Executor, cmd string) (string, error) {
	stdout, stderr, err := ex.Execute(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("scheduler command failed: %w", err)
	}
	return Truncate(Response(stdout, stderr), a.maxOutput), nil
}

// Response picks what to show for a remote command: stdout, else stderr,
// else a placeholder.
func Response(stdout, stderr string) string {
	if s := strings.TrimSpace(stdout); s != "" {
		return s
	}
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	return "No output"
}

// Truncate cuts s to max characters and appends the truncation marker when
// anything was removed. Output at or below max is returned unchanged.
func Truncate(s string, max int) string {
	return util.Truncate(s, max)
}
