package model

import (
	"strconv"
	"strings"
	"time"
)

// UserID identifies one chat participant. All per-user state is keyed by it.
type UserID int64

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

// ConnectionProfile holds the connection details a user supplied through
// the connect flow. It survives disconnects so the next connect can reuse it.
type ConnectionProfile struct {
	Login          string `json:"login"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	HostAlias      string `json:"host_alias,omitempty"`
	MonitoringPath string `json:"monitoring_path,omitempty"`
}

// Address returns host:port for dialing.
func (p ConnectionProfile) Address() string {
	host := p.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(p.Port)
}

// DisplayTarget renders login@host:port for user-visible messages.
func (p ConnectionProfile) DisplayTarget() string {
	if p.HostAlias != "" && p.HostAlias != p.Host {
		return p.Login + "@" + p.HostAlias + " (" + p.Address() + ")"
	}
	return p.Login + "@" + p.Address()
}

type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthPrivateKey AuthKind = "private_key"
)

// AuthMaterial is the credential used for a single authentication attempt.
// Exactly one of Password or KeyPath is meaningful, selected by Kind.
type AuthMaterial struct {
	Kind       AuthKind
	Password   string
	KeyPath    string
	Passphrase string
}

// Password wraps a password secret.
func Password(secret string) AuthMaterial {
	return AuthMaterial{Kind: AuthPassword, Password: secret}
}

// PrivateKey references a staged key file; passphrase may be empty.
func PrivateKey(path, passphrase string) AuthMaterial {
	return AuthMaterial{Kind: AuthPrivateKey, KeyPath: path, Passphrase: passphrase}
}

// Wipe drops the secret strings so they are no longer reachable from the
// material value.
func (a *AuthMaterial) Wipe() {
	a.Password = ""
	a.Passphrase = ""
}

// MetricGroup is one set of metric names rendered together on a chart.
type MetricGroup []string

func (g MetricGroup) String() string { return strings.Join(g, ", ") }

type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCancelled TaskState = "cancelled"
	TaskFailed    TaskState = "failed"
	TaskDone      TaskState = "done"
)

// TaskInfo is the read-only view of one monitoring task.
type TaskInfo struct {
	ID        string        `json:"id"`
	Owner     UserID        `json:"owner"`
	Path      string        `json:"path"`
	Groups    []MetricGroup `json:"groups"`
	State     TaskState     `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	LastError string        `json:"last_error,omitempty"`
}

// ShortID is the prefix shown on buttons and in messages.
func (t TaskInfo) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}
