package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
)

// Stager owns the local scratch area for inbound attachments and outbound
// downloads. Every user gets a private 0700 directory below root.
type Stager struct {
	root string

	mu   sync.Mutex
	dirs map[string]struct{}
}

// NewStager stages files under root, one directory per user.
func NewStager(root string) *Stager {
	return &Stager{root: root, dirs: make(map[string]struct{})}
}

// Root returns the staging directory.
func (s *Stager) Root() string { return s.root }

func (s *Stager) userDir(user model.UserID) (string, error) {
	dir := filepath.Join(s.root, user.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", security.IOError("cannot prepare staging area", err)
	}
	s.mu.Lock()
	s.dirs[dir] = struct{}{}
	s.mu.Unlock()
	return dir, nil
}

// Path returns a staging path for name inside the user's directory. Only the
// base name of name is used.
func (s *Stager) Path(user model.UserID, name string) (string, error) {
	base := safeName(name)
	if base == "" {
		return "", security.InputError("invalid file name")
	}
	dir, err := s.userDir(user)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, base), nil
}

// Stage fetches doc through t into the user's directory with mode perm and
// returns the local path. Any failure removes the partial file.
func (s *Stager) Stage(ctx context.Context, t Transport, user model.UserID, doc Document, perm os.FileMode) (string, error) {
	p, err := s.Path(user, doc.Name)
	if err != nil {
		return "", err
	}
	if err := t.Fetch(ctx, doc, p); err != nil {
		_ = os.Remove(p)
		return "", security.IOError("could not receive the file", err)
	}
	if err := os.Chmod(p, perm); err != nil {
		_ = os.Remove(p)
		return "", security.IOError("could not secure the staged file", err)
	}
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		_ = os.Remove(p)
		return "", security.IOError(fmt.Sprintf("file %s was not found after receiving it", doc.Name), err)
	}
	return p, nil
}

// Remove deletes a staged file. Missing files are not an error.
func (s *Stager) Remove(p string) error {
	if p == "" {
		return nil
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Wipe overwrites a staged secret with zeros before removing it.
func (s *Stager) Wipe(p string) error {
	if p == "" {
		return nil
	}
	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	st, err := f.Stat()
	if err == nil && st.Size() > 0 {
		_, err = f.Write(make([]byte, st.Size()))
		if err == nil {
			err = f.Sync()
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if rerr := s.Remove(p); err == nil {
		err = rerr
	}
	return err
}

// Cleanup removes the per-user directories created during this run if they
// are empty.
func (s *Stager) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir := range s.dirs {
		_ = os.Remove(dir)
		delete(s.dirs, dir)
	}
}

func safeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}
