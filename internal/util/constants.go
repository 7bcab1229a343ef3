// Package util provides common utility functions and constants used across the
// ssh-bot application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// MaxIncludeDepth is the maximum nesting level for Include directives in
	// the host catalog. It bounds recursion when include files form a cycle
	// that escapes the cycle detection (e.g. symlinks resolving to different
	// absolute paths).
	// Used by: internal/hostconfig/parser.go (parseRecursive).
	MaxIncludeDepth = 16

	// DefaultSSHPort is used when the user omits the port in "login host [port]".
	// The gateway targets cluster login nodes, which conventionally expose
	// SSH on 2222 rather than 22.
	DefaultSSHPort = 2222

	// MaxDisplayLength bounds a single outgoing chat message, counted in
	// characters (runes), not bytes. Telegram rejects messages above 4096
	// characters; the margin leaves room for the marker.
	// Used by: internal/jobs (queue listing) and internal/bot (command output).
	MaxDisplayLength = 4000

	// TruncationMarker is appended to output cut at MaxDisplayLength.
	TruncationMarker = "\n... (output truncated)"

	// PrivateKeyExtension is the only attachment suffix accepted while the
	// user is asked for a private key file.
	PrivateKeyExtension = ".pem"

	// DefaultMonitorIntervalSeconds is the fallback poll interval for
	// monitoring tasks when monitor.interval_seconds is missing or invalid.
	DefaultMonitorIntervalSeconds = 10

	// TaskStopGrace is how long a bulk cancel waits for task goroutines to
	// observe cancellation before the owning session is closed underneath
	// them.
	TaskStopGrace = 2 * time.Second
)

// DefaultMonitorExtensions is the allow-list of monitorable file types.
var DefaultMonitorExtensions = []string{".csv", ".json", ".log", ".txt"}
