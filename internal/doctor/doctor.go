// Package doctor runs local diagnostics that catch misconfiguration before
// the bot starts serving users.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/hostconfig"
	"github.com/treykane/ssh-bot/internal/jobs"
	"github.com/treykane/ssh-bot/internal/security"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue would stop the bot from working.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Run executes local diagnostics for the given configuration.
func Run(cfg appconfig.Config) Report {
	var issues []Issue

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "telegram-token",
			Target:         "telegram.token",
			Message:        "no bot token configured",
			Recommendation: fmt.Sprintf("export %s or set telegram.token (the console command works without one)", appconfig.TokenEnv),
		})
	}

	if err := checkWritableDir(cfg.Storage.DownloadDir); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "download-dir",
			Target:         cfg.Storage.DownloadDir,
			Message:        err.Error(),
			Recommendation: "point storage.download_dir at a writable directory",
		})
	}

	if cfg.Security.HostKeyPolicy != appconfig.HostKeyPolicyInsecure {
		if _, err := os.Stat(cfg.SSH.KnownHostsFile); err != nil {
			sev, msg := SeverityMedium, fmt.Sprintf("known_hosts unreadable: %v", err)
			if os.IsNotExist(err) {
				sev, msg = SeverityLow, "known_hosts does not exist yet"
			}
			rec := "it is created on the first accepted host key"
			if cfg.Security.HostKeyPolicy == appconfig.HostKeyPolicyStrict {
				sev = SeverityHigh
				rec = "strict policy rejects every host until known_hosts lists it"
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "known-hosts",
				Target:         cfg.SSH.KnownHostsFile,
				Message:        msg,
				Recommendation: rec,
			})
		}
	}

	if cfg.SSH.HostsFile != "" {
		cat, err := hostconfig.ParseFile(cfg.SSH.HostsFile)
		if err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "host-catalog",
				Target:         cfg.SSH.HostsFile,
				Message:        err.Error(),
				Recommendation: "fix or unset ssh.hosts_file",
			})
		}
		for _, w := range cat.Warnings {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "host-catalog",
				Target:         cfg.SSH.HostsFile,
				Message:        w,
				Recommendation: "fix malformed or unsupported directives",
			})
		}
	}

	for _, p := range jobs.TemplatesFor(cfg.Scheduler).Validate() {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "scheduler",
			Target:         string(cfg.Scheduler.Kind),
			Message:        p,
			Recommendation: "complete the scheduler.submit, queue and cancel templates",
		})
	}

	for _, f := range security.RunLocalAudit(cfg).Findings {
		sev := SeverityLow
		if f.Severity == security.SeverityMedium {
			sev = SeverityMedium
		}
		if f.Severity == security.SeverityHigh {
			sev = SeverityHigh
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}
}

// checkWritableDir creates dir if needed and probes it with a temp file.
func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("download directory is not set")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create download directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("download directory is not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
