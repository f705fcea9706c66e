package kex

import (
	"context"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/go-ssh-lite/sshlite/internal/cipher"
	"github.com/go-ssh-lite/sshlite/internal/transport"
)

// Result is everything a completed (or re-run) key exchange hands back to
// the connect driver: the negotiated algorithms, the session id (stable
// across rekeys), the current exchange hash, and the server's host key for
// the trust-store check.
type Result struct {
	Algorithms Negotiated
	SessionID  []byte
	H          []byte
	HostKey    ssh.PublicKey
}

// Run performs one full key exchange over t: KEXINIT negotiation, the
// curve25519-sha256 exchange, key derivation, and the NEWKEYS codec
// switchover in both directions. clientVersion/serverVersion are the raw
// identification strings exchanged before t existed (RFC 4253 section
// 4.2); prevSessionID is nil for the first exchange on a connection and
// the existing session id on every rekey.
func Run(ctx context.Context, t *transport.Transport, clientVersion, serverVersion string, prefs Algorithms, prevSessionID []byte) (*Result, error) {
	clientInit, err := NewInitMsg(prefs)
	if err != nil {
		return nil, err
	}
	clientPayload := clientInit.Marshal()
	if err := t.WritePacket(ctx, clientPayload); err != nil {
		return nil, err
	}

	serverPkt, err := t.ReadPacket(ctx)
	if err != nil {
		return nil, err
	}
	serverPayload := append([]byte(nil), serverPkt.Payload...)
	serverPkt.Release()

	serverInit, err := UnmarshalInitMsg(serverPayload)
	if err != nil {
		return nil, err
	}

	negotiated, err := Negotiate(prefs, serverInit.Algorithms)
	if err != nil {
		return nil, err
	}

	magics := &Magics{
		ClientVersion: []byte(clientVersion),
		ServerVersion: []byte(serverVersion),
		ClientKexInit: clientPayload,
		ServerKexInit: serverPayload,
	}

	send := func(p []byte) error { return t.WritePacket(ctx, p) }
	receive := func() ([]byte, error) {
		pkt, err := t.ReadPacket(ctx)
		if err != nil {
			return nil, err
		}
		payload := append([]byte(nil), pkt.Payload...)
		pkt.Release()
		return payload, nil
	}

	ecdh, err := RunCurve25519(magics, send, receive)
	if err != nil {
		return nil, err
	}

	sessionID := prevSessionID
	if sessionID == nil {
		sessionID = ecdh.H
	}

	keys, err := deriveDirectionKeys(negotiated, ecdh, sessionID)
	if err != nil {
		return nil, err
	}

	enc, err := cipher.BuildEncoder(negotiated.CipherCS, negotiated.MACCS, keys.encKey, keys.encIV, keys.encMACKey)
	if err != nil {
		return nil, fmt.Errorf("ssh: building outbound codec: %w", err)
	}
	dec, err := cipher.BuildDecoder(negotiated.CipherSC, negotiated.MACSC, keys.decKey, keys.decIV, keys.decMACKey)
	if err != nil {
		return nil, fmt.Errorf("ssh: building inbound codec: %w", err)
	}

	if err := t.WritePacket(ctx, []byte{MsgNewKeys}); err != nil {
		return nil, err
	}
	t.SetCodec(nil, enc)

	newKeysPkt, err := t.ReadPacket(ctx)
	if err != nil {
		return nil, err
	}
	ok := len(newKeysPkt.Payload) == 1 && newKeysPkt.Payload[0] == MsgNewKeys
	newKeysPkt.Release()
	if !ok {
		return nil, fmt.Errorf("%w: expected NEWKEYS (21)", ErrProtocol)
	}
	t.SetCodec(dec, nil)
	t.ResetRekeyClock()

	return &Result{
		Algorithms: negotiated,
		SessionID:  sessionID,
		H:          ecdh.H,
		HostKey:    ecdh.HostKey,
	}, nil
}

type directionKeys struct {
	encKey, decKey             []byte
	encIV, decIV               []byte
	encMACKey, decMACKey       []byte
}

// deriveDirectionKeys runs the six-key derivation and sizes each key per
// the negotiated algorithms' requirements, since client-to-server and
// server-to-client ciphers/MACs are negotiated independently and may
// differ.
func deriveDirectionKeys(n Negotiated, ecdh *Curve25519Result, sessionID []byte) (*directionKeys, error) {
	csSpec, err := cipher.LookupCipher(n.CipherCS)
	if err != nil {
		return nil, err
	}
	scSpec, err := cipher.LookupCipher(n.CipherSC)
	if err != nil {
		return nil, err
	}

	macKeySize := func(spec cipher.CipherSpec, macName string) (int, error) {
		if spec.AEAD {
			return 0, nil
		}
		mac, err := cipher.LookupMAC(macName)
		if err != nil {
			return 0, err
		}
		return mac.KeySize, nil
	}
	csMACSize, err := macKeySize(csSpec, n.MACCS)
	if err != nil {
		return nil, err
	}
	scMACSize, err := macKeySize(scSpec, n.MACSC)
	if err != nil {
		return nil, err
	}

	sizes := [6]int{csSpec.IVSize, scSpec.IVSize, csSpec.KeySize, scSpec.KeySize, csMACSize, scMACSize}
	keys := DeriveKeys(sha256.New, ecdh.K, ecdh.H, sessionID, sizes)

	return &directionKeys{
		encKey:    keys.EncClientToServer,
		decKey:    keys.EncServerToClient,
		encIV:     keys.IVClientToServer,
		decIV:     keys.IVServerToClient,
		encMACKey: keys.MACClientToServer,
		decMACKey: keys.MACServerToClient,
	}, nil
}
