package kex

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"

	"github.com/go-ssh-lite/sshlite/internal/wire"
)

// ECDHReplyMsg is the SSH_MSG_KEX_ECDH_REPLY payload, RFC 5656 section 4 /
// RFC 8731 (curve25519-sha256).
type ECDHReplyMsg struct {
	HostKey   []byte
	Q_S       []byte
	Signature []byte
}

func unmarshalECDHReply(payload []byte) (*ECDHReplyMsg, error) {
	r := wire.NewReader(payload)
	if id := r.Byte(); id != MsgKexECDHReply {
		return nil, fmt.Errorf("%w: expected KEX_ECDH_REPLY (31), got %d", ErrProtocol, id)
	}
	m := &ECDHReplyMsg{
		HostKey:   r.String(),
		Q_S:       r.String(),
		Signature: r.String(),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ssh: unmarshal KEX_ECDH_REPLY: %w", err)
	}
	return m, nil
}

// Magics are the four identification/negotiation byte strings hashed into
// every exchange hash computed over the lifetime of a connection (they
// don't change across a rekey; only the KEX-specific fields do).
type Magics struct {
	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte
}

// Curve25519Result holds the outputs of a completed curve25519-sha256
// exchange: the exchange hash H, the shared secret K, and the verified
// server host key.
type Curve25519Result struct {
	H       []byte
	K       *big.Int
	HostKey ssh.PublicKey
}

// RunCurve25519 performs the client side of curve25519-sha256 (RFC 8731):
// generate an ephemeral keypair, send Q_C, receive the server's host key
// and Q_S plus a signature over H, then verify that signature before
// trusting the exchange. send/receive exchange raw packet payloads (no
// message framing beyond the leading message id) with the peer.
func RunCurve25519(magics *Magics, send func([]byte) error, receive func() ([]byte, error)) (*Curve25519Result, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("ssh: generating ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ssh: deriving ephemeral public key: %w", err)
	}

	initPacket := wire.NewWriter(nil).Byte(MsgKexECDHInit).String(pub).Bytes()
	if err := send(initPacket); err != nil {
		return nil, err
	}

	replyPacket, err := receive()
	if err != nil {
		return nil, err
	}
	reply, err := unmarshalECDHReply(replyPacket)
	if err != nil {
		return nil, err
	}

	secret, err := curve25519.X25519(priv[:], reply.Q_S)
	if err != nil {
		return nil, fmt.Errorf("ssh: computing shared secret: %w", err)
	}
	K := new(big.Int).SetBytes(secret)

	h := sha256.New()
	hw := wire.NewWriter(nil)
	hw.String(magics.ClientVersion)
	hw.String(magics.ServerVersion)
	hw.String(magics.ClientKexInit)
	hw.String(magics.ServerKexInit)
	hw.String(reply.HostKey)
	hw.String(pub)
	hw.String(reply.Q_S)
	hw.MPInt(K)
	h.Write(hw.Bytes())
	H := h.Sum(nil)

	hostKey, err := ssh.ParsePublicKey(reply.HostKey)
	if err != nil {
		return nil, fmt.Errorf("ssh: parsing host key: %w", err)
	}
	sig, err := unmarshalSignature(reply.Signature)
	if err != nil {
		return nil, err
	}
	if err := hostKey.Verify(H, sig); err != nil {
		return nil, fmt.Errorf("ssh: host key signature verification failed: %w", err)
	}

	return &Curve25519Result{H: H, K: K, HostKey: hostKey}, nil
}

// unmarshalSignature decodes the SSH "signature" blob format: a string
// naming the signature format, followed by a string holding the format-
// specific signature bytes (RFC 4253 section 6.6).
func unmarshalSignature(blob []byte) (*ssh.Signature, error) {
	r := wire.NewReader(blob)
	sig := &ssh.Signature{Format: r.CString(), Blob: r.String()}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ssh: unmarshal signature: %w", err)
	}
	return sig, nil
}
