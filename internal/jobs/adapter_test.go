package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/util"
)

type recordingExec struct {
	commands []string
	stdout   string
	stderr   string
	err      error
}

func (r *recordingExec) Execute(_ context.Context, cmd string) (string, string, error) {
	r.commands = append(r.commands, cmd)
	return r.stdout, r.stderr, r.err
}

func TestSubmitQuotesScriptPath(t *testing.T) {
	ex := &recordingExec{stdout: "Submitted batch job 42\n"}
	a := New(TemplatesFor(appconfig.SchedulerConfig{Kind: appconfig.SchedulerSlurm}), 0)

	out, err := a.Submit(context.Background(), ex, "jobs/run me.sh; rm -rf ~")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Submitted batch job 42" {
		t.Fatalf("unexpected response %q", out)
	}
	want := "sbatch 'jobs/run me.sh; rm -rf ~'"
	if ex.commands[0] != want {
		t.Fatalf("expected %q, got %q", want, ex.commands[0])
	}
}

func TestCancelRequiresJobID(t *testing.T) {
	ex := &recordingExec{}
	a := New(TemplatesFor(appconfig.SchedulerConfig{Kind: appconfig.SchedulerPBS}), 0)
	_, err := a.Cancel(context.Background(), ex, "  ")
	if security.KindOf(err) != security.KindInput {
		t.Fatalf("expected input error, got %v", err)
	}
	if len(ex.commands) != 0 {
		t.Fatal("nothing should run without a job id")
	}

	ex.stderr = "qdel: Unknown Job Id 7"
	out, err := a.Cancel(context.Background(), ex, "7")
	if err != nil {
		t.Fatal(err)
	}
	if ex.commands[0] != "qdel 7" || out != "qdel: Unknown Job Id 7" {
		t.Fatalf("unexpected command %q / response %q", ex.commands[0], out)
	}
}

func TestQueueTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", util.MaxDisplayLength+10)
	ex := &recordingExec{stdout: long}
	a := New(TemplatesFor(appconfig.SchedulerConfig{Kind: appconfig.SchedulerSlurm}), util.MaxDisplayLength)

	out, err := a.Queue(context.Background(), ex)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, util.TruncationMarker) {
		t.Fatal("expected truncation marker")
	}
	if len(out) != util.MaxDisplayLength+len(util.TruncationMarker) {
		t.Fatalf("unexpected length %d", len(out))
	}

	exact := strings.Repeat("y", util.MaxDisplayLength)
	if got := Truncate(exact, util.MaxDisplayLength); got != exact {
		t.Fatal("output at the limit must be unchanged")
	}
}

func TestQueueCountsCharactersNotBytes(t *testing.T) {
	a := New(TemplatesFor(appconfig.SchedulerConfig{Kind: appconfig.SchedulerSlurm}), util.MaxDisplayLength)

	cyrillic := strings.Repeat("я", 3000)
	out, err := a.Queue(context.Background(), &recordingExec{stdout: cyrillic})
	if err != nil {
		t.Fatal(err)
	}
	if out != cyrillic {
		t.Fatalf("3000 characters must pass unchanged, got %d characters", utf8.RuneCountInString(out))
	}

	out, err = a.Queue(context.Background(), &recordingExec{stdout: strings.Repeat("я", util.MaxDisplayLength+1)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, util.TruncationMarker) {
		t.Fatal("expected truncation marker past the limit")
	}
}

func TestTransportErrorPropagates(t *testing.T) {
	cause := security.TransportError("connection lost", errors.New("EOF"))
	ex := &recordingExec{err: cause}
	a := New(TemplatesFor(appconfig.SchedulerConfig{Kind: appconfig.SchedulerSlurm}), 0)
	_, err := a.Queue(context.Background(), ex)
	if security.KindOf(err) != security.KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCustomTemplates(t *testing.T) {
	cfg := appconfig.SchedulerConfig{Kind: appconfig.SchedulerCustom, Submit: "submit.sh {script}", Queue: "", Cancel: "kill-job"}
	problems := TemplatesFor(cfg).Validate()
	if len(problems) != 2 {
		t.Fatalf("expected queue and cancel problems, got %v", problems)
	}
	if p := TemplatesFor(appconfig.SchedulerConfig{Kind: "unknown"}).Validate(); len(p) != 0 {
		t.Fatalf("unknown kinds fall back to slurm, got %v", p)
	}
}

func TestResponseFallbacks(t *testing.T) {
	if Response("", "  ") != "No output" {
		t.Fatal("expected placeholder")
	}
	if Response(" ", "err\n") != "err" {
		t.Fatal("expected stderr fallback")
	}
}
