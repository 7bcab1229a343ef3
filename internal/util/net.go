package util

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsConnClosed reports whether err indicates that the underlying network
// connection is gone, as opposed to a command that merely failed. Callers use
// it to decide whether a remote session must be dropped from the registry.
func IsConnClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"use of closed network connection", "connection reset", "broken pipe", "connection lost"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
