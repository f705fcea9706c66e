package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/go-ssh-lite/sshlite/internal/transport"
	"github.com/go-ssh-lite/sshlite/internal/wire"
)

// RFC 4252/4253 message ids. USERAUTH_PK_OK, USERAUTH_PASSWD_CHANGEREQ, and
// USERAUTH_INFO_REQUEST all share code 60; which one a message actually is
// depends on which method the client's preceding USERAUTH_REQUEST named.
const (
	msgServiceRequest         = 5
	msgServiceAccept          = 6
	msgExtInfo                = 7
	msgUserAuthRequest        = 50
	msgUserAuthFailure        = 51
	msgUserAuthSuccess        = 52
	msgUserAuthBanner         = 53
	msgUserAuthPKOK           = 60
	msgUserAuthPasswdChangeReq = 60
	msgUserAuthInfoRequest    = 60
	msgUserAuthInfoResponse   = 61
)

const serviceName = "ssh-connection"

// ErrNoCredentials is returned when Run is called with an empty credential
// list: there is nothing to attempt, so failure is immediate rather than
// falling through to "none" and failing server-side.
var ErrNoCredentials = errors.New("auth: no credentials configured")

// FailedError is returned when every configured credential was attempted
// and the server never returned USERAUTH_SUCCESS. Methods carries the
// server's most recently advertised list of acceptable methods.
type FailedError struct {
	Methods []string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("auth: authentication failed, server allows %v", e.Methods)
}

// Run drives the ssh-userauth service for user: SERVICE_REQUEST/ACCEPT,
// an initial "none" probe, then each credential in order until the server
// returns USERAUTH_SUCCESS or the list is exhausted.
func Run(ctx context.Context, t *transport.Transport, user string, sessionID []byte, credentials []Credential) error {
	if len(credentials) == 0 {
		return ErrNoCredentials
	}

	if err := requestService(ctx, t); err != nil {
		return err
	}

	lastMethods, ok, err := attemptNone(ctx, t, user)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	for _, cred := range credentials {
		var methods []string
		var succeeded bool
		var err error

		switch c := cred.(type) {
		case PasswordCredential:
			methods, succeeded, err = attemptPassword(ctx, t, user, c.Password)
		case PrivateKeyCredential:
			methods, succeeded, err = attemptPublicKey(ctx, t, user, sessionID, c.Signer)
		case PublicKeyFileCredential:
			signer, rerr := c.resolve()
			if rerr != nil {
				return rerr
			}
			methods, succeeded, err = attemptPublicKey(ctx, t, user, sessionID, signer)
		case AgentCredential:
			signers, rerr := c.resolve(ctx)
			if rerr != nil {
				return rerr
			}
			for _, signer := range signers {
				methods, succeeded, err = attemptPublicKey(ctx, t, user, sessionID, signer)
				if err != nil || succeeded {
					break
				}
			}
		case KeyboardInteractiveCredential:
			methods, succeeded, err = attemptKeyboardInteractive(ctx, t, user, c.Answer)
		default:
			return fmt.Errorf("auth: unsupported credential type %T", cred)
		}

		if err != nil {
			return err
		}
		if succeeded {
			return nil
		}
		lastMethods = methods
	}

	return &FailedError{Methods: lastMethods}
}

// requestService sends SERVICE_REQUEST("ssh-userauth") and waits for
// SERVICE_ACCEPT, tolerating and discarding an SSH_MSG_EXT_INFO (RFC 8308)
// the server may send first if the client advertised ext-info-c during key
// exchange.
func requestService(ctx context.Context, t *transport.Transport) error {
	req := wire.NewWriter(nil).Byte(msgServiceRequest).CString("ssh-userauth").Bytes()
	if err := t.WritePacket(ctx, req); err != nil {
		return err
	}
	for {
		pkt, err := t.ReadPacket(ctx)
		if err != nil {
			return err
		}
		payload := append([]byte(nil), pkt.Payload...)
		pkt.Release()
		if len(payload) > 0 && payload[0] == msgExtInfo {
			continue
		}
		if len(payload) == 0 || payload[0] != msgServiceAccept {
			return fmt.Errorf("auth: expected SERVICE_ACCEPT, got message id %v", firstByte(payload))
		}
		return nil
	}
}

func firstByte(b []byte) int {
	if len(b) == 0 {
		return -1
	}
	return int(b[0])
}

// authResponse is the generic shape of what comes back after a
// USERAUTH_REQUEST: success, a failure carrying the server's allowed
// method list, or some method-specific payload (PK_OK, INFO_REQUEST, a
// banner to skip past).
type authResponse struct {
	msgID   byte
	payload []byte
}

// readAuthResponse reads packets, transparently skipping USERAUTH_BANNER
// messages, which a server may interleave at any point during auth.
func readAuthResponse(ctx context.Context, t *transport.Transport) (*authResponse, error) {
	for {
		pkt, err := t.ReadPacket(ctx)
		if err != nil {
			return nil, err
		}
		payload := append([]byte(nil), pkt.Payload...)
		pkt.Release()
		if len(payload) == 0 {
			return nil, errors.New("auth: received an empty message during authentication")
		}
		if payload[0] == msgUserAuthBanner {
			continue
		}
		return &authResponse{msgID: payload[0], payload: payload[1:]}, nil
	}
}

func parseFailure(payload []byte) []string {
	r := wire.NewReader(payload)
	methods := r.NameList()
	return methods
}

func attemptNone(ctx context.Context, t *transport.Transport, user string) ([]string, bool, error) {
	req := wire.NewWriter(nil).Byte(msgUserAuthRequest).CString(user).CString(serviceName).CString("none").Bytes()
	if err := t.WritePacket(ctx, req); err != nil {
		return nil, false, err
	}
	resp, err := readAuthResponse(ctx, t)
	if err != nil {
		return nil, false, err
	}
	switch resp.msgID {
	case msgUserAuthSuccess:
		return nil, true, nil
	case msgUserAuthFailure:
		return parseFailure(resp.payload), false, nil
	default:
		return nil, false, fmt.Errorf("auth: unexpected message id %d after \"none\" probe", resp.msgID)
	}
}

func attemptPassword(ctx context.Context, t *transport.Transport, user, password string) ([]string, bool, error) {
	req := wire.NewWriter(nil).Byte(msgUserAuthRequest).CString(user).CString(serviceName).CString("password").
		Bool(false).CString(password).Bytes()
	if err := t.WritePacket(ctx, req); err != nil {
		return nil, false, err
	}
	resp, err := readAuthResponse(ctx, t)
	if err != nil {
		return nil, false, err
	}
	switch resp.msgID {
	case msgUserAuthSuccess:
		return nil, true, nil
	case msgUserAuthFailure:
		return parseFailure(resp.payload), false, nil
	case msgUserAuthPasswdChangeReq:
		return nil, false, fmt.Errorf("auth: server requires a password change, which is not supported")
	default:
		return nil, false, fmt.Errorf("auth: unexpected message id %d after password attempt", resp.msgID)
	}
}

// attemptPublicKey sends the unsigned probe first, and signs only after
// the server responds with PK_OK, avoiding a signature computation for a
// key the server would reject anyway.
func attemptPublicKey(ctx context.Context, t *transport.Transport, user string, sessionID []byte, signer ssh.Signer) ([]string, bool, error) {
	pub := signer.PublicKey()
	algo := pub.Type()
	blob := pub.Marshal()

	probe := wire.NewWriter(nil).Byte(msgUserAuthRequest).CString(user).CString(serviceName).CString("publickey").
		Bool(false).CString(algo).String(blob).Bytes()
	if err := t.WritePacket(ctx, probe); err != nil {
		return nil, false, err
	}
	resp, err := readAuthResponse(ctx, t)
	if err != nil {
		return nil, false, err
	}
	switch resp.msgID {
	case msgUserAuthSuccess:
		// A server may accept the probe itself as sufficient, though RFC
		// 4252 expects PK_OK here; honour success either way.
		return nil, true, nil
	case msgUserAuthFailure:
		return parseFailure(resp.payload), false, nil
	case msgUserAuthPKOK:
		// fall through to the signed attempt below
	default:
		return nil, false, fmt.Errorf("auth: unexpected message id %d after publickey probe", resp.msgID)
	}

	signedData := wire.NewWriter(nil).String(sessionID).Byte(msgUserAuthRequest).CString(user).CString(serviceName).
		CString("publickey").Bool(true).CString(algo).String(blob).Bytes()
	sig, err := signer.Sign(rand.Reader, signedData)
	if err != nil {
		return nil, false, fmt.Errorf("auth: signing publickey auth request: %w", err)
	}
	sigBlob := wire.NewWriter(nil).CString(sig.Format).String(sig.Blob).Bytes()

	req := wire.NewWriter(nil).Byte(msgUserAuthRequest).CString(user).CString(serviceName).CString("publickey").
		Bool(true).CString(algo).String(blob).String(sigBlob).Bytes()
	if err := t.WritePacket(ctx, req); err != nil {
		return nil, false, err
	}
	resp, err = readAuthResponse(ctx, t)
	if err != nil {
		return nil, false, err
	}
	switch resp.msgID {
	case msgUserAuthSuccess:
		return nil, true, nil
	case msgUserAuthFailure:
		return parseFailure(resp.payload), false, nil
	default:
		return nil, false, fmt.Errorf("auth: unexpected message id %d after signed publickey attempt", resp.msgID)
	}
}

func attemptKeyboardInteractive(ctx context.Context, t *transport.Transport, user string, answer func(context.Context, string, string, []string, []bool) ([]string, error)) ([]string, bool, error) {
	if answer == nil {
		return nil, false, errors.New("auth: keyboard-interactive credential has no Answer callback")
	}

	req := wire.NewWriter(nil).Byte(msgUserAuthRequest).CString(user).CString(serviceName).CString("keyboard-interactive").
		CString("").CString("").Bytes()
	if err := t.WritePacket(ctx, req); err != nil {
		return nil, false, err
	}

	for {
		resp, err := readAuthResponse(ctx, t)
		if err != nil {
			return nil, false, err
		}
		switch resp.msgID {
		case msgUserAuthSuccess:
			return nil, true, nil
		case msgUserAuthFailure:
			return parseFailure(resp.payload), false, nil
		case msgUserAuthInfoRequest:
			r := wire.NewReader(resp.payload)
			name := r.CString()
			instruction := r.CString()
			r.CString() // language tag, unused
			numPrompts := r.Uint32()
			prompts := make([]string, 0, numPrompts)
			echoes := make([]bool, 0, numPrompts)
			for i := uint32(0); i < numPrompts; i++ {
				prompts = append(prompts, r.CString())
				echoes = append(echoes, r.Bool())
			}
			if err := r.Err(); err != nil {
				return nil, false, fmt.Errorf("auth: malformed INFO_REQUEST: %w", err)
			}

			answers, err := answer(ctx, name, instruction, prompts, echoes)
			if err != nil {
				return nil, false, fmt.Errorf("auth: keyboard-interactive Answer callback: %w", err)
			}

			respWriter := wire.NewWriter(nil).Byte(msgUserAuthInfoResponse).Uint32(uint32(len(answers)))
			for _, a := range answers {
				respWriter.CString(a)
			}
			if err := t.WritePacket(ctx, respWriter.Bytes()); err != nil {
				return nil, false, err
			}
		default:
			return nil, false, fmt.Errorf("auth: unexpected message id %d during keyboard-interactive", resp.msgID)
		}
	}
}
