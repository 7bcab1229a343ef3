package sshclient

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
)

// authMethods turns the transient credential into ssh auth methods. Exactly
// one credential kind is used per attempt.
func authMethods(a model.AuthMaterial) ([]ssh.AuthMethod, error) {
	switch a.Kind {
	case model.AuthPassword:
		if a.Password == "" {
			return nil, security.AuthError("password is empty", nil)
		}
		secret := a.Password
		return []ssh.AuthMethod{
			ssh.Password(secret),
			// Many HPC login nodes only offer keyboard-interactive; answer
			// every prompt with the same password.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = secret
				}
				return answers, nil
			}),
		}, nil
	case model.AuthPrivateKey:
		signer, err := loadSigner(a.KeyPath, a.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, security.AuthError(fmt.Sprintf("unsupported auth method %q", a.Kind), nil)
	}
}

// loadSigner parses a private key file. The passphrase is only used when the
// key turns out to be encrypted.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, security.AuthError("cannot read key file", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, security.AuthError("invalid private key", err)
	}
	if passphrase == "" {
		return nil, security.AuthError("private key is passphrase protected", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err != nil {
		return nil, security.AuthError("cannot decrypt private key", err)
	}
	return signer, nil
}
