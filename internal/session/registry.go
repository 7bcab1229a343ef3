// Package session holds the process-wide map from chat user to live remote
// connection. It is the single source of truth for "is this user connected".
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/treykane/ssh-bot/internal/model"
)

// Conn is the remote-shell handle the rest of the bot works with.
// *sshclient.Session implements it.
type Conn interface {
	Execute(ctx context.Context, command string) (stdout, stderr string, err error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Tail(ctx context.Context, path string, offset, max int64) ([]byte, int64, error)
	Alive() bool
	Close() error
}

// Registry maps users to their single live Conn. All methods are safe for
// concurrent use; the raw map is never exposed.
type Registry struct {
	mu     sync.Mutex
	conns  map[model.UserID]Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger discards output.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{conns: make(map[model.UserID]Conn), logger: logger}
}

// Put installs conn for user. A previous connection for the same user is
// closed, so a user never holds two live handles.
func (r *Registry) Put(user model.UserID, conn Conn) {
	r.mu.Lock()
	prev := r.conns[user]
	r.conns[user] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		if err := prev.Close(); err != nil {
			r.logger.Warn("failed to close superseded session", "user", user.String(), "error", err)
		}
		r.logger.Info("session superseded", "user", user.String())
	}
}

// Get returns the user's connection, if any.
func (r *Registry) Get(user model.UserID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[user]
	return c, ok
}

// RemoveAndClose closes and forgets the user's connection. It reports
// whether there was one; calling it for an absent user is a no-op.
func (r *Registry) RemoveAndClose(user model.UserID) bool {
	r.mu.Lock()
	c, ok := r.conns[user]
	delete(r.conns, user)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := c.Close(); err != nil {
		r.logger.Warn("failed to close session", "user", user.String(), "error", err)
	}
	return true
}

// RemoveIf drops the user's entry only if it still refers to conn. Cleanup
// paths use it so they never close a newer session installed meanwhile.
func (r *Registry) RemoveIf(user model.UserID, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[user]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, user)
	r.mu.Unlock()
	_ = conn.Close()
	return true
}

// Len returns the number of connected users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Users lists connected users in no particular order.
func (r *Registry) Users() []model.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.UserID, 0, len(r.conns))
	for u := range r.conns {
		out = append(out, u)
	}
	return out
}

// CloseAll closes every connection. Used at shutdown.
func (r *Registry) CloseAll() {
	for _, u := range r.Users() {
		r.RemoveAndClose(u)
	}
}
