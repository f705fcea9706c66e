package kex

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
	"github.com/go-ssh-lite/sshlite/internal/cipher"
	"github.com/go-ssh-lite/sshlite/internal/transport"
	"github.com/go-ssh-lite/sshlite/internal/wire"
)

func TestNegotiatePicksClientFirstCommon(t *testing.T) {
	t.Parallel()

	client := Algorithms{CiphersCS: []string{"a", "b", "c"}}
	server := Algorithms{CiphersCS: []string{"c", "b"}}
	n, err := Negotiate(
		Algorithms{Kex: []string{"k"}, HostKey: []string{"h"}, CiphersCS: client.CiphersCS, CiphersSC: []string{"x"}, MACsCS: []string{"m"}, MACsSC: []string{"m"}, CompressCS: []string{"none"}, CompressSC: []string{"none"}},
		Algorithms{Kex: []string{"k"}, HostKey: []string{"h"}, CiphersCS: server.CiphersCS, CiphersSC: []string{"x"}, MACsCS: []string{"m"}, MACsSC: []string{"m"}, CompressCS: []string{"none"}, CompressSC: []string{"none"}},
	)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if n.CipherCS != "b" {
		t.Fatalf("CipherCS = %q, want %q (first client entry the server also offers)", n.CipherCS, "b")
	}
}

func TestNegotiateNoCommonAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := Negotiate(
		Algorithms{Kex: []string{"curve25519-sha256"}, HostKey: []string{"ssh-ed25519"}, CiphersCS: []string{"aes128-ctr"}, CiphersSC: []string{"aes128-ctr"}, MACsCS: []string{"hmac-sha2-256"}, MACsSC: []string{"hmac-sha2-256"}, CompressCS: []string{"none"}, CompressSC: []string{"none"}},
		Algorithms{Kex: []string{"curve25519-sha256"}, HostKey: []string{"ssh-ed25519"}, CiphersCS: []string{"aes256-gcm@openssh.com"}, CiphersSC: []string{"aes128-ctr"}, MACsCS: []string{"hmac-sha2-256"}, MACsSC: []string{"hmac-sha2-256"}, CompressCS: []string{"none"}, CompressSC: []string{"none"}},
	)
	var nc *ErrNoCommonAlgorithm
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want *ErrNoCommonAlgorithm", err)
	}
}

func TestInitMsgRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := NewInitMsg(DefaultAlgorithms())
	if err != nil {
		t.Fatal(err)
	}
	m.FirstKexFollows = true

	got, err := UnmarshalInitMsg(m.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Cookie != m.Cookie {
		t.Fatalf("cookie mismatch")
	}
	if got.FirstKexFollows != true {
		t.Fatal("FirstKexFollows not preserved")
	}
	if len(got.Algorithms.Kex) != len(m.Algorithms.Kex) || got.Algorithms.Kex[0] != m.Algorithms.Kex[0] {
		t.Fatalf("Kex algorithms mismatch: got %v, want %v", got.Algorithms.Kex, m.Algorithms.Kex)
	}
	if len(got.Algorithms.CiphersCS) != len(m.Algorithms.CiphersCS) {
		t.Fatalf("CiphersCS length mismatch: got %v, want %v", got.Algorithms.CiphersCS, m.Algorithms.CiphersCS)
	}
}

func TestDeriveKeysDeterministicAndExtends(t *testing.T) {
	t.Parallel()

	K := big.NewInt(123456789)
	H := []byte("exchange hash")
	sessionID := []byte("session id")

	k1 := DeriveKeys(sha256.New, K, H, sessionID, [6]int{16, 16, 32, 32, 20, 20})
	k2 := DeriveKeys(sha256.New, K, H, sessionID, [6]int{16, 16, 32, 32, 20, 20})
	if string(k1.EncClientToServer) != string(k2.EncClientToServer) {
		t.Fatal("derivation is not deterministic")
	}
	if len(k1.EncClientToServer) != 32 {
		t.Fatalf("EncClientToServer len = %d, want 32", len(k1.EncClientToServer))
	}

	extended := DeriveKeys(sha256.New, K, H, sessionID, [6]int{0, 0, 80, 0, 0, 0})
	if len(extended.EncClientToServer) != 80 {
		t.Fatalf("extended key len = %d, want 80", len(extended.EncClientToServer))
	}
	short := DeriveKeys(sha256.New, K, H, sessionID, [6]int{0, 0, 32, 0, 0, 0})
	if string(extended.EncClientToServer[:32]) != string(short.EncClientToServer) {
		t.Fatal("extension must keep the first hash round unchanged")
	}
}

func TestExchangeBannersTolerant(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		line, _ := r.ReadString('\n')
		if line != ClientVersion+"\r\n" {
			t.Errorf("server saw client banner %q", line)
		}
		_, _ = server.Write([]byte("a preamble line server implementations sometimes send\r\n"))
		_, _ = server.Write([]byte("SSH-2.0-faketestserver\r\n"))
	}()

	got, err := ExchangeBanners(client, ClientVersion)
	if err != nil {
		t.Fatalf("ExchangeBanners: %v", err)
	}
	if got != "SSH-2.0-faketestserver" {
		t.Fatalf("got %q", got)
	}
}

// fakeServerKeyExchange plays the server side of one curve25519-sha256
// exchange well enough to let kex.Run complete on the client side: reads
// the client's KEXINIT/KEX_ECDH_INIT, replies with its own KEXINIT and a
// signed KEX_ECDH_REPLY, and completes NEWKEYS in both directions.
func fakeServerKeyExchange(t *testing.T, st *transport.Transport, clientVersion, serverVersion string) {
	t.Helper()
	ctx := context.Background()

	clientPkt, err := st.ReadPacket(ctx)
	if err != nil {
		t.Errorf("server: ReadPacket(KEXINIT): %v", err)
		return
	}
	clientKexInitPayload := append([]byte(nil), clientPkt.Payload...)
	clientPkt.Release()

	serverInit, err := NewInitMsg(DefaultAlgorithms())
	if err != nil {
		t.Errorf("server: NewInitMsg: %v", err)
		return
	}
	serverKexInitPayload := serverInit.Marshal()
	if err := st.WritePacket(ctx, serverKexInitPayload); err != nil {
		t.Errorf("server: WritePacket(KEXINIT): %v", err)
		return
	}

	clientInit, err := UnmarshalInitMsg(clientKexInitPayload)
	if err != nil {
		t.Errorf("server: UnmarshalInitMsg: %v", err)
		return
	}
	negotiated, err := Negotiate(serverInit.Algorithms, clientInit.Algorithms)
	if err != nil {
		t.Errorf("server: Negotiate: %v", err)
		return
	}

	initPkt, err := st.ReadPacket(ctx)
	if err != nil {
		t.Errorf("server: ReadPacket(KEX_ECDH_INIT): %v", err)
		return
	}
	initPayload := append([]byte(nil), initPkt.Payload...)
	initPkt.Release()
	r := wire.NewReader(initPayload)
	if id := r.Byte(); id != MsgKexECDHInit {
		t.Errorf("server: expected KEX_ECDH_INIT, got %d", id)
		return
	}
	qc := r.String()

	hostPub, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	_ = hostPub
	if err != nil {
		t.Errorf("server: generating host key: %v", err)
		return
	}
	signer, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Errorf("server: NewSignerFromKey: %v", err)
		return
	}

	var serverPriv [32]byte
	if _, err := rand.Read(serverPriv[:]); err != nil {
		t.Errorf("server: generating ephemeral key: %v", err)
		return
	}
	qs, err := curve25519.X25519(serverPriv[:], curve25519.Basepoint)
	if err != nil {
		t.Errorf("server: deriving ephemeral public: %v", err)
		return
	}
	secret, err := curve25519.X25519(serverPriv[:], qc)
	if err != nil {
		t.Errorf("server: computing shared secret: %v", err)
		return
	}
	K := new(big.Int).SetBytes(secret)
	hostKeyBlob := signer.PublicKey().Marshal()

	h := sha256.New()
	hw := wire.NewWriter(nil)
	hw.String([]byte(clientVersion))
	hw.String([]byte(serverVersion))
	hw.String(clientKexInitPayload)
	hw.String(serverKexInitPayload)
	hw.String(hostKeyBlob)
	hw.String(qc)
	hw.String(qs)
	hw.MPInt(K)
	h.Write(hw.Bytes())
	H := h.Sum(nil)

	sig, err := signer.Sign(rand.Reader, H)
	if err != nil {
		t.Errorf("server: signing exchange hash: %v", err)
		return
	}
	sigBlob := wire.NewWriter(nil).CString(sig.Format).String(sig.Blob).Bytes()

	replyPayload := wire.NewWriter(nil).Byte(MsgKexECDHReply).String(hostKeyBlob).String(qs).String(sigBlob).Bytes()
	if err := st.WritePacket(ctx, replyPayload); err != nil {
		t.Errorf("server: WritePacket(KEX_ECDH_REPLY): %v", err)
		return
	}

	sessionID := H
	keys, err := deriveDirectionKeys(negotiated, &Curve25519Result{H: H, K: K}, sessionID)
	if err != nil {
		t.Errorf("server: deriveDirectionKeys: %v", err)
		return
	}
	// From the server's point of view, its outbound direction is
	// server-to-client (keys.decKey/.../decMACKey, the "D"/"B"/"F" letters
	// the client computed as its inbound) and its inbound direction is
	// client-to-server (the client's outbound "C"/"A"/"E").
	enc, err := cipher.BuildEncoder(negotiated.CipherSC, negotiated.MACSC, keys.decKey, keys.decIV, keys.decMACKey)
	if err != nil {
		t.Errorf("server: BuildEncoder: %v", err)
		return
	}
	dec, err := cipher.BuildDecoder(negotiated.CipherCS, negotiated.MACCS, keys.encKey, keys.encIV, keys.encMACKey)
	if err != nil {
		t.Errorf("server: BuildDecoder: %v", err)
		return
	}

	newKeysPkt, err := st.ReadPacket(ctx)
	if err != nil {
		t.Errorf("server: ReadPacket(NEWKEYS): %v", err)
		return
	}
	newKeysPkt.Release()
	st.SetCodec(dec, nil)

	if err := st.WritePacket(ctx, []byte{MsgNewKeys}); err != nil {
		t.Errorf("server: WritePacket(NEWKEYS): %v", err)
		return
	}
	st.SetCodec(nil, enc)
}

func TestRunEndToEndHandshake(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	pool := buffer.NewPool(8)
	ct := transport.New(clientConn, pool, 0)
	st := transport.New(serverConn, pool, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = ct.Serve(ctx) }()
	go func() { _ = st.Serve(ctx) }()

	clientVersion := ClientVersion
	serverVersion := "SSH-2.0-faketestserver"

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		fakeServerKeyExchange(t, st, clientVersion, serverVersion)
	}()

	result, err := Run(ctx, ct, clientVersion, serverVersion, DefaultAlgorithms(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-serverDone

	if len(result.SessionID) == 0 {
		t.Fatal("empty session id")
	}
	if result.HostKey == nil {
		t.Fatal("nil host key")
	}

	// Exercise the freshly installed codecs: a packet written by the
	// client after NEWKEYS must decode cleanly on the server side, using
	// the still-open Transport pair. net.Pipe writes block until the peer
	// reads, so the write runs concurrently with ReadPacket.
	writeErr := make(chan error, 1)
	go func() { writeErr <- ct.WritePacket(ctx, []byte("hello after newkeys")) }()
	pkt, err := st.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("post-handshake ReadPacket: %v", err)
	}
	if string(pkt.Payload) != "hello after newkeys" {
		t.Fatalf("got %q", pkt.Payload)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("post-handshake WritePacket: %v", err)
	}
}
