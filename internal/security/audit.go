package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/ssh-bot/internal/appconfig"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

// HasHigh reports whether any finding is high severity.
func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the gateway's security posture: host key policy,
// who may use the bot and the permissions of files holding secrets.
func RunLocalAudit(cfg appconfig.Config) AuditReport {
	var findings []Finding
	cfgPath := cfg.Path()
	target := "config.yaml"
	if cfgPath != "" {
		target = cfgPath
	}

	if cfg.Security.HostKeyPolicy == appconfig.HostKeyPolicyInsecure {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         target,
			Message:        "host key policy is insecure",
			Recommendation: "set security.host_key_policy to strict or accept-new",
		})
	}
	if len(cfg.Telegram.AllowedUsers) == 0 {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         target,
			Message:        "any Telegram user may talk to the bot",
			Recommendation: "list permitted user ids in telegram.allowed_users",
		})
	}
	if !cfg.Security.RedactErrors {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         target,
			Message:        "error replies include local paths and addresses",
			Recommendation: "set security.redact_errors to true",
		})
	}
	if cfg.Telegram.Token != "" && !cfg.TokenFromEnv() {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         target,
			Message:        "bot token is stored in the config file",
			Recommendation: fmt.Sprintf("remove telegram.token and export %s instead", appconfig.TokenEnv),
		})
	}

	if cfgPath != "" {
		checkPathPerm(&findings, filepath.Dir(cfgPath), 0o700, false)
		checkPathPerm(&findings, cfgPath, 0o600, true)
	}
	checkPathPerm(&findings, cfg.SSH.KnownHostsFile, 0o644, true)
	checkPathPerm(&findings, cfg.SSH.HostsFile, 0o644, true)
	checkPathPerm(&findings, cfg.Storage.DownloadDir, 0o700, false)

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	if path == "" {
		return
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
