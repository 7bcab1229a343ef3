package conversation

import (
	"path"
	"strings"

	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/util"
)

// Credentials is the parsed "login host [port]" line.
type Credentials struct {
	Login string
	Host  string
	Port  int
	// ExplicitPort is false when the port was defaulted, so a host catalog
	// entry may still supply one.
	ExplicitPort bool
}

// Profile converts parsed credentials into a connection profile.
func (c Credentials) Profile() model.ConnectionProfile {
	return model.ConnectionProfile{Login: c.Login, Host: c.Host, Port: c.Port}
}

const credentialsUsage = "Enter connection details as: login host [port]"

// ParseCredentials accepts two or three whitespace-separated tokens. A
// missing port becomes defaultPort.
func ParseCredentials(text string, defaultPort int) (Credentials, error) {
	parts := strings.Fields(text)
	if len(parts) != 2 && len(parts) != 3 {
		return Credentials{}, security.InputError(credentialsUsage)
	}
	c := Credentials{Login: parts[0], Host: parts[1], Port: defaultPort}
	if len(parts) == 3 {
		p, err := util.ParsePort(parts[2])
		if err != nil {
			return Credentials{}, security.InputError(err.Error() + ". " + credentialsUsage)
		}
		c.Port = p
		c.ExplicitPort = true
	}
	return c, nil
}

// ParseSingleToken accepts exactly one whitespace-delimited token, as used
// for passwords and key passphrases.
func ParseSingleToken(text string) (string, error) {
	parts := strings.Fields(text)
	if len(parts) != 1 {
		return "", security.InputError("Send a single word without spaces")
	}
	return parts[0], nil
}

// CheckMonitoringPath validates the file extension against allowed
// (case-insensitive).
func CheckMonitoringPath(p string, allowed []string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return security.InputError("Send the full path of the file to monitor")
	}
	ext := strings.ToLower(path.Ext(p))
	for _, a := range allowed {
		if ext != "" && ext == strings.ToLower(a) {
			return nil
		}
	}
	return security.InputError("Unsupported file format. Supported formats: " + strings.Join(allowed, ", "))
}

// SelectMetrics splits a comma-separated selection and keeps the names that
// exist in available, in input order without duplicates. An empty result
// means nothing usable was selected.
func SelectMetrics(text string, available []string) model.MetricGroup {
	known := make(map[string]struct{}, len(available))
	for _, m := range available {
		known[m] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out model.MetricGroup
	for _, tok := range strings.Split(text, ",") {
		name := strings.TrimSpace(tok)
		if _, ok := known[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// IsKeyFileName reports whether an attachment name looks like a private key.
func IsKeyFileName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), util.PrivateKeyExtension)
}
