package sshclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treykane/ssh-bot/internal/appconfig"
)

// knownHostsMu serializes appends to known_hosts files across dialers.
var knownHostsMu sync.Mutex

// hostKeyCallback builds the verification callback for one dial.
//
// accept-new is trust-on-first-use: a host that is absent from known_hosts is
// accepted and its key recorded, while a host whose recorded key differs is
// rejected. This is a deliberate convenience for chat users, who have no way
// to compare fingerprints out of band; operators who can distribute
// known_hosts should choose strict.
//
// The callback is rebuilt per dial because knownhosts.New snapshots the file.
func hostKeyCallback(policy appconfig.HostKeyPolicy, path string) (ssh.HostKeyCallback, error) {
	if policy == appconfig.HostKeyPolicyInsecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if path == "" {
		return nil, fmt.Errorf("known_hosts path is required for host key policy %s", policy)
	}
	if err := ensureFile(path); err != nil {
		return nil, err
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	if policy == appconfig.HostKeyPolicyStrict {
		return check, nil
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
		return appendKnownHost(path, hostname, key)
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	return nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func isHostKeyError(err error) bool {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	return errors.As(err, &keyErr) || errors.As(err, &revoked)
}
