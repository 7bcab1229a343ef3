package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/bot"
	"github.com/treykane/ssh-bot/internal/conversation"
	"github.com/treykane/ssh-bot/internal/hostconfig"
	"github.com/treykane/ssh-bot/internal/jobs"
	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/monitor"
	"github.com/treykane/ssh-bot/internal/session"
	"github.com/treykane/ssh-bot/internal/sshclient"
	"github.com/treykane/ssh-bot/internal/tasks"
	"github.com/treykane/ssh-bot/internal/telegram"
	"github.com/treykane/ssh-bot/internal/ui"
)

// newLogger builds the process logger from the log section of the config.
func newLogger(cfg appconfig.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// notifierRef lets the monitor watcher be built before the dispatcher that
// delivers its output. Target is set before any task can start.
type notifierRef struct {
	monitor.Notifier
}

// buildDispatcher wires the registries, the SSH dialer, the job adapter and
// the monitor around transport.
func buildDispatcher(cfg appconfig.Config, transport bot.Transport, logger *slog.Logger) (*bot.Dispatcher, error) {
	catalog, err := hostconfig.ParseFile(cfg.SSH.HostsFile)
	if err != nil {
		return nil, fmt.Errorf("host catalog: %w", err)
	}
	for _, w := range catalog.Warnings {
		logger.Warn("host catalog", "warning", w)
	}

	templates := jobs.TemplatesFor(cfg.Scheduler)
	if problems := templates.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("scheduler templates: %v", problems)
	}

	dialer := sshclient.NewDialer(sshclient.OptionsFromConfig(cfg, logger.With("component", "ssh")))
	dial := func(ctx context.Context, user model.UserID, p model.ConnectionProfile, a model.AuthMaterial) (session.Conn, error) {
		s, err := dialer.Open(ctx, user, p, a)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	maxRead := cfg.Monitor.MaxReadBytes
	metrics := func(ctx context.Context, conn session.Conn, path string) ([]string, error) {
		return monitor.Discover(ctx, conn, path, maxRead)
	}

	ref := &notifierRef{}
	watcher := monitor.NewWatcher(monitor.OptionsFromConfig(cfg.Monitor), ref, logger.With("component", "monitor"))

	d := bot.NewDispatcher(bot.Deps{
		Transport: transport,
		Dial:      dial,
		Metrics:   metrics,
		Sessions:  session.NewRegistry(logger.With("component", "sessions")),
		Tasks:     tasks.NewRegistry(watcher, logger.With("component", "tasks")),
		Flows:     conversation.NewStore(),
		Jobs:      jobs.New(templates, cfg.Scheduler.MaxOutput),
		Stager:    bot.NewStager(cfg.Storage.DownloadDir),
		Catalog:   &catalog,
		Settings:  bot.SettingsFromConfig(cfg),
		Logger:    logger.With("component", "dispatcher"),
	})
	ref.Notifier = d
	return d, nil
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("no telegram token: export %s or set telegram.token in %s", appconfig.TokenEnv, cfg.Path())
	}
	if len(cfg.Telegram.AllowedUsers) == 0 {
		logger.Warn("telegram.allowed_users is empty; every Telegram user may connect through this bot")
	}
	tg, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.PollTimeoutSeconds, logger.With("component", "telegram"))
	if err != nil {
		return err
	}
	d, err := buildDispatcher(cfg, tg, logger)
	if err != nil {
		return err
	}
	defer d.Shutdown()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("serving", "config", cfg.Path(), "scheduler", cfg.Scheduler.Kind, "host_key_policy", cfg.Security.HostKeyPolicy)
	return tg.Run(ctx, d.Dispatch)
}

// runConsole serves a single local user through the terminal. Logs go to a
// file next to the config so they do not draw over the console.
func runConsole(ctx context.Context, configPath, saveDir string) error {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}
	logPath := filepath.Join(filepath.Dir(cfg.Path()), "console.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := newLogger(cfg.Log, logFile)
	slog.SetDefault(logger)

	abs, err := filepath.Abs(saveDir)
	if err != nil {
		return err
	}
	// The console user is whoever runs the process.
	cfg.Telegram.AllowedUsers = nil
	console := ui.NewConsole(model.UserID(os.Getuid()), abs)
	d, err := buildDispatcher(cfg, console, logger)
	if err != nil {
		return err
	}
	defer d.Shutdown()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	d.Dispatch(bot.Event{User: model.UserID(os.Getuid()), Text: "/start"})
	return console.Run(ctx, d.Dispatch)
}
