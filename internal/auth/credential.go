package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Credential is one configured way of proving the client's identity to the
// server. It is a closed set: PasswordCredential, PrivateKeyCredential,
// PublicKeyFileCredential, AgentCredential, and
// KeyboardInteractiveCredential are the only implementations, mirroring an
// ordered, heterogeneous credential list that is tried in sequence until
// one succeeds or the list is exhausted.
type Credential interface {
	isCredential()
}

// PasswordCredential authenticates with the "password" method.
type PasswordCredential struct {
	Password string
}

func (PasswordCredential) isCredential() {}

// PrivateKeyCredential authenticates with the "publickey" method using an
// already-loaded signer, e.g. one returned by ssh.ParsePrivateKey.
type PrivateKeyCredential struct {
	Signer ssh.Signer
}

func (PrivateKeyCredential) isCredential() {}

// PublicKeyFileCredential authenticates with the "publickey" method using a
// private key loaded from an OpenSSH key file on first use.
type PublicKeyFileCredential struct {
	Path       string
	Passphrase string // empty for an unencrypted key
}

func (PublicKeyFileCredential) isCredential() {}

func (c PublicKeyFileCredential) resolve() (ssh.Signer, error) {
	keyData, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("auth: reading key file %s: %w", c.Path, err)
	}
	if c.Passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(c.Passphrase))
		if err != nil {
			return nil, fmt.Errorf("auth: parsing key file %s: %w", c.Path, err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing key file %s: %w", c.Path, err)
	}
	return signer, nil
}

// AgentCredential authenticates with the "publickey" method using every
// identity offered by the running ssh-agent, in the order the agent
// returns them.
type AgentCredential struct {
	// Socket overrides $SSH_AUTH_SOCK; empty uses the environment variable.
	Socket string
}

func (AgentCredential) isCredential() {}

func (c AgentCredential) resolve(ctx context.Context) ([]ssh.Signer, error) {
	socket := c.Socket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil, errors.New("auth: SSH_AUTH_SOCK not set and no agent socket configured")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("auth: connecting to ssh-agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("auth: listing ssh-agent identities: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("auth: ssh-agent has no identities loaded")
	}
	return signers, nil
}

// KeyboardInteractiveCredential authenticates with the "keyboard-interactive"
// method (RFC 4256), relaying each server INFO_REQUEST prompt round to
// Answer until the server reports success or failure.
type KeyboardInteractiveCredential struct {
	Answer func(ctx context.Context, name, instruction string, prompts []string, echoes []bool) ([]string, error)
}

func (KeyboardInteractiveCredential) isCredential() {}
