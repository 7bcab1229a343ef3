package security

import (
	"errors"
	"os"
	"strings"
)

// Kind classifies an error by how the chat layer should react to it.
type Kind int

const (
	// KindInternal covers errors nobody classified.
	KindInternal Kind = iota
	// KindInput is malformed conversational input; the user is re-prompted.
	KindInput
	// KindNotConnected means the operation needs a session the user lacks.
	KindNotConnected
	// KindAuth is a rejected credential or unusable key; the flow resets.
	KindAuth
	// KindTransport is a mid-session network or remote command failure.
	KindTransport
	// KindIO is a local staging or file transfer failure.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindNotConnected:
		return "not_connected"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindIO:
		return "io"
	default:
		return "internal"
	}
}

// ClassifiedError separates a user-safe message from verbose debug details
// and keeps the underlying cause reachable through errors.Is/As.
type ClassifiedError struct {
	Kind        Kind
	UserSafe    string
	DebugDetail string
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewClassifiedError creates a new error with separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

func classify(kind Kind, msg string, cause error) error {
	return &ClassifiedError{Kind: kind, UserSafe: msg, DebugDetail: msg + " [" + kind.String() + "]", Err: cause}
}

// InputError reports malformed conversational input.
func InputError(msg string) error { return classify(KindInput, msg, nil) }

// NotConnected reports an operation attempted without an active session.
func NotConnected(msg string) error { return classify(KindNotConnected, msg, nil) }

// AuthError wraps a credential or key failure. The cause is shown to the
// user, since "wrong passphrase" and "unsupported key type" need different
// fixes.
func AuthError(msg string, cause error) error {
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return classify(KindAuth, msg, cause)
}

// TransportError wraps a network or remote execution failure.
func TransportError(msg string, cause error) error {
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return classify(KindTransport, msg, cause)
}

// IOError wraps a local file or transfer failure.
func IOError(msg string, cause error) error {
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return classify(KindIO, msg, cause)
}

// KindOf returns the classification of err, or KindInternal.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// UserMessage returns a message safe to show in chat contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg := ce.UserSafe
		if msg == "" {
			msg = "operation failed"
		}
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage strips common sensitive path prefixes from user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		out = strings.ReplaceAll(out, home, "~")
	}
	if strings.Contains(out, "/.ssh/") {
		out = strings.ReplaceAll(out, "/.ssh/", "/.ssh/[redacted]/")
	}
	return out
}
