package sshlite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-ssh-lite/sshlite/internal/auth"
	"github.com/go-ssh-lite/sshlite/internal/buffer"
	"github.com/go-ssh-lite/sshlite/internal/kex"
	"github.com/go-ssh-lite/sshlite/internal/transport"
	"github.com/go-ssh-lite/sshlite/knownhosts"
)

const defaultSegmentPoolCapacity = 64

// Connect resolves cfg.Destination, opens a TCP connection, and runs the
// full handshake sequence through ssh-userauth: version/key exchange, host
// key verification, and authentication. It returns a Conn ready to carry
// application packets, or an error wrapping exactly one Kind per the
// taxonomy in errors.go.
func Connect(ctx context.Context, cfg Config) (conn *Conn, err error) {
	if len(cfg.Credentials) == 0 {
		return nil, wrapErr(KindConnectFailed, ErrNoCredentials)
	}

	userName, host, port, err := parseDestination(cfg.Destination)
	if err != nil {
		return nil, wrapErr(KindConnectFailed, err)
	}

	connectCtx := ctx
	var cancelTimeout context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		connectCtx, cancelTimeout = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancelTimeout()
	}

	rawConn, err := (&net.Dialer{}).DialContext(connectCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, classifyConnectErr(ctx, connectCtx, err)
	}

	c, err := finishConnect(connectCtx, rawConn, cfg, userName, host, port)
	if err != nil {
		_ = rawConn.Close()
		return nil, classifyConnectErr(ctx, connectCtx, err)
	}
	return c, nil
}

// classifyConnectErr applies the cancellation-vs-wrap rule uniformly: a
// cancelled outer context always surfaces as an unwrapped Cancelled; a
// connect-phase deadline surfaces as ConnectFailed wrapping Timeout;
// anything already typed as *Error from a lower layer is wrapped exactly
// once; everything else is wrapped as ConnectFailed directly.
func classifyConnectErr(outerCtx, phaseCtx context.Context, cause error) error {
	if errors.Is(outerCtx.Err(), context.Canceled) || errors.Is(cause, context.Canceled) {
		return wrapErr(KindCancelled, outerCtx.Err())
	}
	if se, ok := cause.(*Error); ok {
		return wrapErr(KindConnectFailed, se)
	}
	if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		return wrapErr(KindConnectFailed, wrapErr(KindTimeout, cause))
	}
	if known, ok := translateKnownCause(cause); ok {
		return wrapErr(KindConnectFailed, known)
	}
	return wrapErr(KindConnectFailed, cause)
}

func finishConnect(ctx context.Context, rawConn net.Conn, cfg Config, userName, host string, port int) (conn *Conn, err error) {
	// The banner exchange reads rawConn directly and cannot observe ctx, so
	// closing the socket is what ends it when ctx is cancelled or times out.
	stopBannerWatch := context.AfterFunc(ctx, func() { _ = rawConn.Close() })
	serverVersion, err := kex.ExchangeBanners(rawConn, kex.ClientVersion)
	stopBannerWatch()
	if err != nil {
		return nil, err
	}

	pool := buffer.NewPool(defaultSegmentPoolCapacity)
	t := transport.New(rawConn, pool, cfg.MaxPacketLength)

	// The writer task outlives the connect sequence's own ctx: it is torn
	// down by Conn.Close, not by cancellation of the caller's connect
	// context, since ReadPacket/WritePacket take their own per-call ctx
	// once the caller reaches Ready.
	var group errgroup.Group
	group.Go(func() error { return t.Serve(context.Background()) })
	defer func() {
		if err != nil {
			_ = t.Close(err)
			_ = group.Wait()
		}
	}()

	algorithms := resolveAlgorithms(cfg.Algorithms)
	result, err := kex.Run(ctx, t, kex.ClientVersion, serverVersion, algorithms, nil)
	if err != nil {
		return nil, err
	}

	info := ConnectionInfo{
		Host:          host,
		Port:          port,
		ServerVersion: serverVersion,
		Algorithms:    negotiatedToPublic(result.Algorithms),
		SessionID:     result.SessionID,
		ServerKey:     result.HostKey,
		ServerKeySHA256Fingerprint: sha256Fingerprint(result.HostKey),
		ServerKeyMD5Fingerprint:    md5Fingerprint(result.HostKey),
	}

	if err := verifyHostKey(ctx, cfg, host, port, result, info); err != nil {
		return nil, err
	}

	if err := runAuth(ctx, t, userName, result.SessionID, cfg.Credentials); err != nil {
		return nil, err
	}

	return &Conn{
		t:             t,
		info:          info,
		group:         &group,
		serverVersion: serverVersion,
		algorithms:    algorithms,
		sessionID:     result.SessionID,
	}, nil
}

func verifyHostKey(ctx context.Context, cfg Config, host string, port int, result *kex.Result, info ConnectionInfo) error {
	globalPath := cfg.GlobalKnownHostsFilePath
	if globalPath == "" {
		globalPath = knownhosts.DefaultGlobalPath
	}
	store, err := knownhosts.Open(cfg.KnownHostsFilePath, cfg.CheckGlobalKnownHostsFile, globalPath)
	if err != nil {
		return err
	}

	classified := store.Classify(host, port, result.HostKey)

	callback := cfg.HostAuthentication
	if callback == nil {
		callback = defaultHostAuthentication
	}
	decision, cbErr := callback(ctx, classified, info)
	if cbErr != nil {
		return cbErr
	}
	// A key matched by an @revoked entry is refused whatever the callback
	// decided.
	if classified == knownhosts.Revoked {
		return ErrHostKeyVerificationFailed
	}

	switch decision {
	case knownhosts.DecisionTrusted:
		return nil
	case knownhosts.DecisionAddKnownHost:
		return store.AddKnownHost(host, port, result.HostKey)
	default:
		return ErrHostKeyVerificationFailed
	}
}

func defaultHostAuthentication(_ context.Context, result knownhosts.Result, _ ConnectionInfo) (knownhosts.Decision, error) {
	if result == knownhosts.Trusted {
		return knownhosts.DecisionTrusted, nil
	}
	return knownhosts.DecisionUnknown, nil
}

func runAuth(ctx context.Context, t *transport.Transport, userName string, sessionID []byte, credentials []Credential) error {
	err := auth.Run(ctx, t, userName, sessionID, credentials)
	if err == nil {
		return nil
	}
	var failed *auth.FailedError
	if errors.As(err, &failed) {
		return wrapErr(KindAuthenticationFailed, err)
	}
	if errors.Is(err, auth.ErrNoCredentials) {
		return ErrNoCredentials
	}
	return err
}

func resolveAlgorithms(prefs *AlgorithmPreferences) kex.Algorithms {
	defaults := kex.DefaultAlgorithms()
	if prefs == nil {
		return defaults
	}
	override := func(custom, fallback []string) []string {
		if len(custom) == 0 {
			return fallback
		}
		return custom
	}
	return kex.Algorithms{
		Kex:         override(prefs.Kex, defaults.Kex),
		HostKey:     override(prefs.HostKey, defaults.HostKey),
		CiphersCS:   override(prefs.CiphersCS, defaults.CiphersCS),
		CiphersSC:   override(prefs.CiphersSC, defaults.CiphersSC),
		MACsCS:      override(prefs.MACsCS, defaults.MACsCS),
		MACsSC:      override(prefs.MACsSC, defaults.MACsSC),
		CompressCS:  override(prefs.CompressCS, defaults.CompressCS),
		CompressSC:  override(prefs.CompressSC, defaults.CompressSC),
	}
}

func negotiatedToPublic(n kex.Negotiated) NegotiatedAlgorithms {
	return NegotiatedAlgorithms{
		Kex: n.Kex, HostKey: n.HostKey,
		CipherCS: n.CipherCS, CipherSC: n.CipherSC,
		MACCS: n.MACCS, MACSC: n.MACSC,
		CompressCS: n.CompressCS, CompressSC: n.CompressSC,
	}
}

// parseDestination splits "[user@]host[:port]". user defaults to the
// current process user when omitted; port defaults to 22.
func parseDestination(dest string) (userName, host string, port int, err error) {
	if dest == "" {
		return "", "", 0, errors.New("sshlite: empty destination")
	}

	rest := dest
	userName = ""
	if idx := strings.LastIndex(dest, "@"); idx >= 0 {
		userName = dest[:idx]
		rest = dest[idx+1:]
	}
	if userName == "" {
		cur, err := user.Current()
		if err != nil {
			return "", "", 0, fmt.Errorf("sshlite: no user in destination and could not determine current user: %w", err)
		}
		userName = cur.Username
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		// No port in rest. Any SplitHostPort error, not only "missing
		// port", lands here: rest is then used whole as the host, port 22.
		host = rest
		port = 22
		return userName, host, port, nil
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("sshlite: invalid port in destination %q: %w", dest, err)
	}
	return userName, host, port, nil
}

// Conn is an established, authenticated SSH connection ready to carry
// application packets. It does not implement channels or sessions; a
// higher-level multiplexer drives those over ReadPacket/WritePacket.
//
// A rekey (RFC 4253 section 9) is driven automatically: ReadPacket and
// WritePacket each check Transport.RekeyDue before doing their own I/O and,
// when a threshold has been crossed, run a full key exchange in-band first.
// rekeyMu serializes that key exchange's own reads and writes against any
// concurrent ReadPacket/WritePacket call, since kex.Run talks to the same
// Transport.ReadPacket/WritePacket a caller might be blocked in; this
// package cannot push that serialization down into internal/transport
// itself, since internal/transport cannot import internal/kex without a
// cycle.
type Conn struct {
	t     *transport.Transport
	group *errgroup.Group

	infoMu sync.Mutex
	info   ConnectionInfo

	rekeyMu       sync.Mutex
	serverVersion string
	algorithms    kex.Algorithms
	sessionID     []byte
}

// Info returns the connection's observable details, including the
// algorithms negotiated by the most recently completed key exchange.
func (c *Conn) Info() ConnectionInfo {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}

// ReadPacket blocks until the next inbound application packet is decoded,
// or ctx is done, or the connection is closed. It runs a rekey first if one
// is due.
func (c *Conn) ReadPacket(ctx context.Context) ([]byte, error) {
	if err := c.maybeRekey(ctx); err != nil {
		return nil, c.classifyRuntimeErr(err)
	}

	c.rekeyMu.Lock()
	pkt, err := c.t.ReadPacket(ctx)
	c.rekeyMu.Unlock()
	if err != nil {
		return nil, c.classifyRuntimeErr(err)
	}
	payload := append([]byte(nil), pkt.Payload...)
	pkt.Release()
	return payload, nil
}

// WritePacket enqueues payload for the outbound writer and waits for it
// to be sent, preserving FIFO order across concurrent callers. It runs a
// rekey first if one is due.
func (c *Conn) WritePacket(ctx context.Context, payload []byte) error {
	if err := c.maybeRekey(ctx); err != nil {
		return c.classifyRuntimeErr(err)
	}

	c.rekeyMu.Lock()
	err := c.t.WritePacket(ctx, payload)
	c.rekeyMu.Unlock()
	if err != nil {
		return c.classifyRuntimeErr(err)
	}
	return nil
}

// maybeRekey runs a full key exchange, keyed off the session id established
// by the first exchange, when Transport.RekeyDue reports a threshold has
// been crossed. It takes rekeyMu for the duration of the exchange so a
// concurrent ReadPacket/WritePacket call never races the key exchange's own
// packets on the wire; RekeyDue is re-checked under the lock since another
// caller may have already rekeyed while this one was waiting for it.
func (c *Conn) maybeRekey(ctx context.Context) error {
	if !c.t.RekeyDue() {
		return nil
	}
	c.rekeyMu.Lock()
	defer c.rekeyMu.Unlock()
	if !c.t.RekeyDue() {
		return nil
	}

	log.Printf("ssh: rekeying with %s", c.serverVersion)
	result, err := kex.Run(ctx, c.t, kex.ClientVersion, c.serverVersion, c.algorithms, c.sessionID)
	if err != nil {
		return err
	}

	c.infoMu.Lock()
	c.info.Algorithms = negotiatedToPublic(result.Algorithms)
	c.infoMu.Unlock()
	return nil
}

// classifyRuntimeErr maps an error from the transport or a rekey's key
// exchange to this package's taxonomy, the same way classifyConnectErr does
// for the connect sequence.
func (c *Conn) classifyRuntimeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrConnectionClosed) {
		return ErrConnectionClosed
	}
	if errors.Is(err, context.Canceled) {
		return wrapErr(KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapErr(KindTimeout, err)
	}
	if known, ok := translateKnownCause(err); ok {
		return known
	}
	return err
}

// RekeyDue reports whether any RFC 4253 section 9 rekey threshold has
// been crossed since the last key exchange.
func (c *Conn) RekeyDue() bool { return c.t.RekeyDue() }

// Close tears down the underlying socket and waits for the writer task
// to stop.
func (c *Conn) Close() error {
	err := c.t.Close(nil)
	_ = c.group.Wait()
	return err
}
