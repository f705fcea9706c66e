package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
	"github.com/go-ssh-lite/sshlite/internal/transport"
	"github.com/go-ssh-lite/sshlite/internal/wire"
)

func newPipePair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	c1, c2 := net.Pipe()
	pool := buffer.NewPool(4)
	t1 := transport.New(c1, pool, 0)
	t2 := transport.New(c2, pool, 0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go t1.Serve(ctx)
	go t2.Serve(ctx)
	t.Cleanup(func() { t1.Close(nil); t2.Close(nil) })
	return t1, t2
}

// fakeServer replies to exactly the SERVICE_REQUEST + USERAUTH_REQUEST
// sequence Run produces, acting as a minimal ssh-userauth peer.
type fakeServer struct {
	t    *testing.T
	conn *transport.Transport
}

func (s *fakeServer) readRequest(ctx context.Context) ([]byte, error) {
	pkt, err := s.conn.ReadPacket(ctx)
	if err != nil {
		return nil, err
	}
	payload := append([]byte(nil), pkt.Payload...)
	pkt.Release()
	return payload, nil
}

func (s *fakeServer) send(ctx context.Context, payload []byte) {
	if err := s.conn.WritePacket(ctx, payload); err != nil {
		s.t.Fatalf("fakeServer: WritePacket: %v", err)
	}
}

func (s *fakeServer) acceptService(ctx context.Context) {
	payload, err := s.readRequest(ctx)
	if err != nil {
		s.t.Fatalf("fakeServer: reading SERVICE_REQUEST: %v", err)
	}
	if payload[0] != msgServiceRequest {
		s.t.Fatalf("fakeServer: expected SERVICE_REQUEST, got %d", payload[0])
	}
	s.send(ctx, wire.NewWriter(nil).Byte(msgServiceAccept).CString("ssh-userauth").Bytes())
}

func (s *fakeServer) rejectNone(ctx context.Context, allowed []string) {
	payload, err := s.readRequest(ctx)
	if err != nil {
		s.t.Fatalf("fakeServer: reading none probe: %v", err)
	}
	r := wire.NewReader(payload[1:])
	r.CString() // user
	r.CString() // service
	method := r.CString()
	if method != "none" {
		s.t.Fatalf("fakeServer: expected \"none\", got %q", method)
	}
	s.send(ctx, wire.NewWriter(nil).Byte(msgUserAuthFailure).NameList(allowed).Bool(false).Bytes())
}

func TestRunFailsImmediatelyWithNoCredentials(t *testing.T) {
	t.Parallel()
	c1, _ := net.Pipe()
	pool := buffer.NewPool(2)
	tr := transport.New(c1, pool, 0)
	err := Run(context.Background(), tr, "alice", nil, nil)
	if err != ErrNoCredentials {
		t.Fatalf("Run with no credentials = %v, want ErrNoCredentials", err)
	}
}

func TestRunPasswordSuccess(t *testing.T) {
	t.Parallel()
	clientT, serverT := newPipePair(t)
	srv := &fakeServer{t: t, conn: serverT}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		srv.acceptService(ctx)
		srv.rejectNone(ctx, []string{"password"})

		payload, err := srv.readRequest(ctx)
		if err != nil {
			t.Errorf("fakeServer: reading password request: %v", err)
			return
		}
		r := wire.NewReader(payload[1:])
		r.CString()
		r.CString()
		method := r.CString()
		r.Bool()
		password := r.CString()
		if method != "password" || password != "s3cret" {
			t.Errorf("fakeServer: got method=%q password=%q", method, password)
			return
		}
		srv.send(ctx, []byte{msgUserAuthSuccess})
	}()

	err := Run(context.Background(), clientT, "alice", []byte("session-id"), []Credential{
		PasswordCredential{Password: "s3cret"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done
}

func TestRunPasswordThenFailedError(t *testing.T) {
	t.Parallel()
	clientT, serverT := newPipePair(t)
	srv := &fakeServer{t: t, conn: serverT}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		srv.acceptService(ctx)
		srv.rejectNone(ctx, []string{"password"})

		if _, err := srv.readRequest(ctx); err != nil {
			t.Errorf("fakeServer: reading password request: %v", err)
			return
		}
		srv.send(ctx, wire.NewWriter(nil).Byte(msgUserAuthFailure).NameList([]string{"password"}).Bool(false).Bytes())
	}()

	err := Run(context.Background(), clientT, "alice", []byte("session-id"), []Credential{
		PasswordCredential{Password: "wrong"},
	})
	var failed *FailedError
	if err == nil {
		t.Fatalf("Run: want error, got nil")
	}
	if fe, ok := err.(*FailedError); ok {
		failed = fe
	} else {
		t.Fatalf("Run error type = %T, want *FailedError", err)
	}
	if len(failed.Methods) != 1 || failed.Methods[0] != "password" {
		t.Fatalf("FailedError.Methods = %v, want [password]", failed.Methods)
	}
	<-done
}

func TestRunPublicKeySuccessAfterPKOK(t *testing.T) {
	t.Parallel()
	clientT, serverT := newPipePair(t)
	srv := &fakeServer{t: t, conn: serverT}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}
	sessionID := []byte("a-session-id")

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		srv.acceptService(ctx)
		srv.rejectNone(ctx, []string{"publickey"})

		probe, err := srv.readRequest(ctx)
		if err != nil {
			t.Errorf("fakeServer: reading publickey probe: %v", err)
			return
		}
		r := wire.NewReader(probe[1:])
		r.CString()
		r.CString()
		r.CString()
		hasSig := r.Bool()
		algo := r.CString()
		blob := r.String()
		if hasSig {
			t.Errorf("fakeServer: probe unexpectedly carries a signature")
			return
		}
		srv.send(ctx, wire.NewWriter(nil).Byte(msgUserAuthPKOK).CString(algo).String(blob).Bytes())

		signedReq, err := srv.readRequest(ctx)
		if err != nil {
			t.Errorf("fakeServer: reading signed publickey request: %v", err)
			return
		}
		sr := wire.NewReader(signedReq[1:])
		user := sr.CString()
		sr.CString()
		sr.CString()
		hasSig = sr.Bool()
		sAlgo := sr.CString()
		sBlob := sr.String()
		sigBlob := sr.String()
		if !hasSig || sAlgo != algo || string(sBlob) != string(blob) {
			t.Errorf("fakeServer: malformed signed publickey request")
			return
		}

		signedData := wire.NewWriter(nil).String(sessionID).Byte(msgUserAuthRequest).CString(user).
			CString(serviceName).CString("publickey").Bool(true).CString(sAlgo).String(sBlob).Bytes()
		sigReader := wire.NewReader(sigBlob)
		sig := &ssh.Signature{Format: sigReader.CString(), Blob: sigReader.String()}
		if err := signer.PublicKey().Verify(signedData, sig); err != nil {
			t.Errorf("fakeServer: signature verification failed: %v", err)
			return
		}
		srv.send(ctx, []byte{msgUserAuthSuccess})
	}()

	err = Run(context.Background(), clientT, "alice", sessionID, []Credential{
		PrivateKeyCredential{Signer: signer},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done
}

func TestRunKeyboardInteractive(t *testing.T) {
	t.Parallel()
	clientT, serverT := newPipePair(t)
	srv := &fakeServer{t: t, conn: serverT}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		srv.acceptService(ctx)
		srv.rejectNone(ctx, []string{"keyboard-interactive"})

		if _, err := srv.readRequest(ctx); err != nil {
			t.Errorf("fakeServer: reading keyboard-interactive request: %v", err)
			return
		}
		srv.send(ctx, wire.NewWriter(nil).Byte(msgUserAuthInfoRequest).CString("").CString("").CString("").
			Uint32(1).CString("Password: ").Bool(false).Bytes())

		resp, err := srv.readRequest(ctx)
		if err != nil {
			t.Errorf("fakeServer: reading INFO_RESPONSE: %v", err)
			return
		}
		r := wire.NewReader(resp[1:])
		n := r.Uint32()
		if n != 1 {
			t.Errorf("fakeServer: INFO_RESPONSE count = %d, want 1", n)
			return
		}
		if got := r.CString(); got != "hunter2" {
			t.Errorf("fakeServer: answer = %q, want hunter2", got)
			return
		}
		srv.send(ctx, []byte{msgUserAuthSuccess})
	}()

	answer := func(ctx context.Context, name, instruction string, prompts []string, echoes []bool) ([]string, error) {
		if len(prompts) != 1 {
			t.Fatalf("Answer callback prompts = %v", prompts)
		}
		return []string{"hunter2"}, nil
	}

	err := Run(context.Background(), clientT, "alice", []byte("sid"), []Credential{
		KeyboardInteractiveCredential{Answer: answer},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done
}

func TestRunNoneSucceedsWithoutTryingCredentials(t *testing.T) {
	t.Parallel()
	clientT, serverT := newPipePair(t)
	srv := &fakeServer{t: t, conn: serverT}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		srv.acceptService(ctx)

		payload, err := srv.readRequest(ctx)
		if err != nil {
			t.Errorf("fakeServer: reading none probe: %v", err)
			return
		}
		if payload[0] != msgUserAuthRequest {
			t.Errorf("fakeServer: expected USERAUTH_REQUEST, got %d", payload[0])
			return
		}
		srv.send(ctx, []byte{msgUserAuthSuccess})
	}()

	err := Run(context.Background(), clientT, "alice", []byte("sid"), []Credential{
		PasswordCredential{Password: "unused"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fakeServer goroutine did not finish")
	}
}
