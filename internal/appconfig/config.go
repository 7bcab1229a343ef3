// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/ssh-bot/internal/util"
)

// TokenEnv overrides telegram.token when set.
const TokenEnv = "SSH_BOT_TELEGRAM_TOKEN"

type HostKeyPolicy string

const (
	// HostKeyPolicyAcceptNew trusts unknown hosts on first use and records
	// their key; a changed key is rejected afterwards.
	HostKeyPolicyAcceptNew HostKeyPolicy = "accept-new"
	HostKeyPolicyStrict    HostKeyPolicy = "strict"
	HostKeyPolicyInsecure  HostKeyPolicy = "insecure"
)

type SchedulerKind string

const (
	SchedulerSlurm  SchedulerKind = "slurm"
	SchedulerPBS    SchedulerKind = "pbs"
	SchedulerCustom SchedulerKind = "custom"
)

type TelegramConfig struct {
	Token              string  `yaml:"token"`
	AllowedUsers       []int64 `yaml:"allowed_users"`
	PollTimeoutSeconds int     `yaml:"poll_timeout_seconds"`
}

type SSHConfig struct {
	DefaultPort           int    `yaml:"default_port"`
	DialTimeoutSeconds    int    `yaml:"dial_timeout_seconds"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
	HostsFile             string `yaml:"hosts_file"`
	KnownHostsFile        string `yaml:"known_hosts_file"`
}

type SecurityConfig struct {
	HostKeyPolicy HostKeyPolicy `yaml:"host_key_policy"`
	RedactErrors  bool          `yaml:"redact_errors"`
}

type StorageConfig struct {
	DownloadDir string `yaml:"download_dir"`
}

// SchedulerConfig selects the batch system. Templates are only read for the
// custom kind; {script} and {job_id} are replaced with shell-quoted values.
type SchedulerConfig struct {
	Kind      SchedulerKind `yaml:"kind"`
	Submit    string        `yaml:"submit"`
	Queue     string        `yaml:"queue"`
	Cancel    string        `yaml:"cancel"`
	MaxOutput int           `yaml:"max_output"`
}

type MonitorConfig struct {
	IntervalSeconds int      `yaml:"interval_seconds"`
	Extensions      []string `yaml:"extensions"`
	HistoryPoints   int      `yaml:"history_points"`
	MaxReadBytes    int64    `yaml:"max_read_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds application-level configuration.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	SSH       SSHConfig       `yaml:"ssh"`
	Security  SecurityConfig  `yaml:"security"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Log       LogConfig       `yaml:"log"`

	// path is where the config was loaded from; empty for Default().
	path string
}

// Default returns the default configuration. Paths that depend on the
// config directory are left empty and filled in by Load.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{PollTimeoutSeconds: 30},
		SSH: SSHConfig{
			DefaultPort:        util.DefaultSSHPort,
			DialTimeoutSeconds: 15,
		},
		Security: SecurityConfig{
			HostKeyPolicy: HostKeyPolicyAcceptNew,
			RedactErrors:  true,
		},
		Scheduler: SchedulerConfig{
			Kind:      SchedulerSlurm,
			MaxOutput: util.MaxDisplayLength,
		},
		Monitor: MonitorConfig{
			IntervalSeconds: util.DefaultMonitorIntervalSeconds,
			Extensions:      append([]string(nil), util.DefaultMonitorExtensions...),
			HistoryPoints:   60,
			MaxReadBytes:    1 << 20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/ssh-bot.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ssh-bot"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "ssh-bot"), nil
}

// DefaultPath returns the full path to config.yaml in the config directory.
func DefaultPath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// Path returns the file the config was loaded from.
func (c Config) Path() string { return c.path }

// TokenFromEnv reports whether the bot token came from the environment.
func (c Config) TokenFromEnv() bool { return os.Getenv(TokenEnv) != "" }

// Load reads the config file at path (the default location when empty).
// If the file doesn't exist, creates it with defaults.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, err
		}
		cfg := Default()
		if err := Save(cfg, path); err != nil {
			return cfg, err
		}
		return finish(cfg, path), nil
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return finish(cfg, path), nil
}

func finish(cfg Config, path string) Config {
	cfg.path = path
	if tok := os.Getenv(TokenEnv); tok != "" {
		cfg.Telegram.Token = tok
	}
	normalize(&cfg, filepath.Dir(path))
	return cfg
}

func normalize(cfg *Config, dir string) {
	def := Default()
	if cfg.Telegram.PollTimeoutSeconds <= 0 {
		cfg.Telegram.PollTimeoutSeconds = def.Telegram.PollTimeoutSeconds
	}
	if util.ValidatePort(cfg.SSH.DefaultPort) != nil {
		cfg.SSH.DefaultPort = def.SSH.DefaultPort
	}
	if cfg.SSH.DialTimeoutSeconds <= 0 {
		cfg.SSH.DialTimeoutSeconds = def.SSH.DialTimeoutSeconds
	}
	if cfg.SSH.CommandTimeoutSeconds < 0 {
		cfg.SSH.CommandTimeoutSeconds = 0
	}
	if cfg.SSH.KnownHostsFile == "" {
		cfg.SSH.KnownHostsFile = filepath.Join(dir, "known_hosts")
	}
	cfg.SSH.KnownHostsFile = expandHome(cfg.SSH.KnownHostsFile)
	cfg.SSH.HostsFile = expandHome(cfg.SSH.HostsFile)

	switch cfg.Security.HostKeyPolicy {
	case HostKeyPolicyAcceptNew, HostKeyPolicyStrict, HostKeyPolicyInsecure:
	default:
		cfg.Security.HostKeyPolicy = def.Security.HostKeyPolicy
	}

	if cfg.Storage.DownloadDir == "" {
		cfg.Storage.DownloadDir = filepath.Join(dir, "downloads")
	}
	cfg.Storage.DownloadDir = expandHome(cfg.Storage.DownloadDir)

	switch cfg.Scheduler.Kind {
	case SchedulerSlurm, SchedulerPBS, SchedulerCustom:
	default:
		cfg.Scheduler.Kind = def.Scheduler.Kind
	}
	if cfg.Scheduler.MaxOutput <= 0 {
		cfg.Scheduler.MaxOutput = def.Scheduler.MaxOutput
	}

	if cfg.Monitor.IntervalSeconds <= 0 {
		cfg.Monitor.IntervalSeconds = def.Monitor.IntervalSeconds
	}
	if cfg.Monitor.HistoryPoints <= 1 {
		cfg.Monitor.HistoryPoints = def.Monitor.HistoryPoints
	}
	if cfg.Monitor.MaxReadBytes <= 0 {
		cfg.Monitor.MaxReadBytes = def.Monitor.MaxReadBytes
	}
	exts := make([]string, 0, len(cfg.Monitor.Extensions))
	for _, e := range cfg.Monitor.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	if len(exts) == 0 {
		exts = def.Monitor.Extensions
	}
	cfg.Monitor.Extensions = exts

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}
}

// Save writes config to path. The file may hold the bot token, so it is
// created owner-only.
func Save(cfg Config, path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
