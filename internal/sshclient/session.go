// Package sshclient owns authenticated remote-shell connections.
//
// A Session wraps one *ssh.Client (golang.org/x/crypto/ssh) plus a lazily
// opened SFTP client (github.com/pkg/sftp) for file transfer. Every remote
// operation takes the session's handle lock first, so a user's foreground
// command and that user's background monitoring tasks never drive the same
// connection at the same time. Waiting for the lock honours context
// cancellation, which lets a cancelled monitoring task leave promptly even
// while a long foreground command holds the handle.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/util"
)

// ErrClosed is returned by operations on a session that was closed.
var ErrClosed = errors.New("ssh session is closed")

// Options configures a Dialer.
type Options struct {
	HostKeyPolicy  appconfig.HostKeyPolicy
	KnownHostsFile string
	DialTimeout    time.Duration
	// CommandTimeout bounds Execute. Zero means no client-side limit.
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// OptionsFromConfig maps the ssh and security sections of the config.
func OptionsFromConfig(cfg appconfig.Config, logger *slog.Logger) Options {
	return Options{
		HostKeyPolicy:  cfg.Security.HostKeyPolicy,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		DialTimeout:    time.Duration(cfg.SSH.DialTimeoutSeconds) * time.Second,
		CommandTimeout: time.Duration(cfg.SSH.CommandTimeoutSeconds) * time.Second,
		Logger:         logger,
	}
}

// Dialer opens Sessions. It is stateless apart from its options and safe
// for concurrent use.
type Dialer struct {
	opts Options
}

// NewDialer fills in a discard logger and the default dial timeout.
func NewDialer(opts Options) *Dialer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Dialer{opts: opts}
}

// Open dials the profile's host and authenticates with the given material.
// Failures are classified: rejected credentials, unusable keys and host key
// mismatches are auth errors; everything else is a transport error.
func (d *Dialer) Open(ctx context.Context, owner model.UserID, p model.ConnectionProfile, a model.AuthMaterial) (*Session, error) {
	methods, err := authMethods(a)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(d.opts.HostKeyPolicy, d.opts.KnownHostsFile)
	if err != nil {
		return nil, security.IOError("cannot prepare host key verification", err)
	}
	cfg := &ssh.ClientConfig{
		User:            p.Login,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         d.opts.DialTimeout,
	}

	addr := p.Address()
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, security.TransportError("cannot reach "+addr, err)
	}

	// The handshake has no context parameter; bound it with a deadline and
	// tear the socket down if the caller gives up first.
	_ = conn.SetDeadline(time.Now().Add(d.opts.DialTimeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(err)
	}
	_ = conn.SetDeadline(time.Time{})

	s := &Session{
		owner:          owner,
		profile:        p,
		client:         ssh.NewClient(c, chans, reqs),
		establishedAt:  time.Now(),
		sem:            make(chan struct{}, 1),
		done:           make(chan struct{}),
		commandTimeout: d.opts.CommandTimeout,
		logger:         d.opts.Logger.With("user", owner.String(), "target", p.DisplayTarget()),
	}
	go s.watch()
	s.logger.Info("ssh session established")
	return s, nil
}

func classifyHandshake(err error) error {
	msg := err.Error()
	switch {
	case isHostKeyError(err):
		return security.AuthError("host key verification failed", err)
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return security.AuthError("authentication failed", err)
	default:
		return security.TransportError("ssh handshake failed", err)
	}
}

// Session is one authenticated connection owned by one chat user.
type Session struct {
	owner          model.UserID
	profile        model.ConnectionProfile
	client         *ssh.Client
	establishedAt  time.Time
	commandTimeout time.Duration
	logger         *slog.Logger

	// sem is the handle lock: a one-slot semaphore so waiters can give up
	// on context cancellation.
	sem chan struct{}

	mu   sync.Mutex // guards sftp
	sftp *sftp.Client

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Session) Owner() model.UserID              { return s.owner }
func (s *Session) Profile() model.ConnectionProfile { return s.profile }
func (s *Session) EstablishedAt() time.Time         { return s.establishedAt }

// Alive reports whether the underlying connection is still open.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed once the connection has gone away.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) watch() {
	err := s.client.Wait()
	s.closeOnce.Do(func() { close(s.done) })
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("ssh connection ended", "error", err)
	}
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		// Either already closed by us, or the watcher saw the connection
		// die; closing the client again is harmless.
		_ = s.client.Close()
		return nil
	}
	s.mu.Lock()
	if s.sftp != nil {
		_ = s.sftp.Close()
	}
	s.mu.Unlock()
	err := s.client.Close()
	s.logger.Info("ssh session closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case <-s.done:
		return security.TransportError("connection closed", ErrClosed)
	default:
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return security.TransportError("connection closed", ErrClosed)
	}
}

func (s *Session) release() { <-s.sem }

// Execute runs command in a fresh exec channel and collects its output. A
// non-zero exit status is not an error: the caller gets stderr instead.
func (s *Session) Execute(ctx context.Context, command string) (string, string, error) {
	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}
	if err := s.acquire(ctx); err != nil {
		return "", "", err
	}
	defer s.release()

	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", security.TransportError("cannot open remote session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(command); err != nil {
		return "", "", security.TransportError("cannot start command", err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()

	select {
	case err = <-waitErr:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		// The output buffers may still be written by the channel reader.
		return "", "", security.TransportError("command interrupted", ctx.Err())
	}

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	if err != nil && !errors.As(err, &exitErr) && !errors.As(err, &missing) {
		return stdout.String(), stderr.String(), security.TransportError("command failed", err)
	}
	return stdout.String(), stderr.String(), nil
}

// sftpClient must be called with the handle lock held.
func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, security.TransportError("cannot start sftp subsystem", err)
	}
	s.sftp = c
	return c, nil
}

func remoteError(msg string, err error) error {
	if util.IsConnClosed(err) {
		return security.TransportError(msg, err)
	}
	return security.IOError(msg, err)
}

// Upload copies a local file to remotePath.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return security.IOError("cannot open staged file", err)
	}
	defer src.Close()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	client, err := s.sftpClient()
	if err != nil {
		return err
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return remoteError("cannot create "+remotePath, err)
	}
	if _, err := io.Copy(dst, ctxReader{ctx: ctx, r: src}); err != nil {
		_ = dst.Close()
		return remoteError("upload failed", err)
	}
	if err := dst.Close(); err != nil {
		return remoteError("upload failed", err)
	}
	return nil
}

// Download copies remotePath into localPath. The local file only appears
// once the transfer completed.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	client, err := s.sftpClient()
	if err != nil {
		return err
	}
	src, err := client.Open(remotePath)
	if err != nil {
		return remoteError("cannot open "+remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return security.IOError("cannot prepare download area", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".partial-*")
	if err != nil {
		return security.IOError("cannot create local file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: src}); err != nil {
		_ = tmp.Close()
		return remoteError("download failed", err)
	}
	if err := tmp.Close(); err != nil {
		return security.IOError("cannot write local file", err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return security.IOError("cannot write local file", err)
	}
	return nil
}

// Tail reads up to max bytes of path starting at offset and returns them with
// the offset to resume from. A file shorter than offset was truncated or
// rotated, so reading restarts at the beginning.
func (s *Session) Tail(ctx context.Context, path string, offset, max int64) ([]byte, int64, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, offset, err
	}
	defer s.release()
	client, err := s.sftpClient()
	if err != nil {
		return nil, offset, err
	}
	f, err := client.Open(path)
	if err != nil {
		return nil, offset, remoteError("cannot open "+path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, offset, remoteError("cannot stat "+path, err)
	}
	size := st.Size()
	if size < offset {
		offset = 0
	}
	n := size - offset
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil, offset, nil
	}
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, offset, remoteError("cannot read "+path, err)
	}
	return buf[:read], offset + int64(read), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s %s)", s.owner, s.profile.DisplayTarget())
}
