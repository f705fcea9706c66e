package sshlite

import (
	"context"
	"time"

	"github.com/go-ssh-lite/sshlite/internal/auth"
	"github.com/go-ssh-lite/sshlite/knownhosts"
)

// Credential is one configured way of proving the client's identity.
// PasswordCredential, PrivateKeyCredential, PublicKeyFileCredential,
// AgentCredential, and KeyboardInteractiveCredential are the only
// variants; the type itself is defined in internal/auth, which is what
// actually drives the ssh-userauth exchange for each one, and aliased
// here for the public API.
type Credential = auth.Credential

type (
	PasswordCredential            = auth.PasswordCredential
	PrivateKeyCredential          = auth.PrivateKeyCredential
	PublicKeyFileCredential       = auth.PublicKeyFileCredential
	AgentCredential               = auth.AgentCredential
	KeyboardInteractiveCredential = auth.KeyboardInteractiveCredential
)

// AlgorithmPreferences overrides the default ordered algorithm lists
// used during key exchange negotiation. A nil field falls back to that
// category's default list. See the internal/kex default preferences for
// the algorithm names and their priority order.
type AlgorithmPreferences struct {
	Kex, HostKey          []string
	CiphersCS, CiphersSC  []string
	MACsCS, MACsSC        []string
	CompressCS, CompressSC []string
}

// HostAuthentication decides whether to trust a server's host key. result
// is this library's classification of the key against the known-hosts
// store; info describes the connection and the presented key. Returning
// DecisionTrusted or DecisionAddKnownHost allows the connection to
// proceed, except for a key classified as Revoked, which always fails it;
// any other decision, or a non-nil error, fails it. An error
// that is context cancellation propagates as Cancelled; any other error
// becomes the inner cause of ErrConnectFailed, unwrapped.
type HostAuthentication func(ctx context.Context, result knownhosts.Result, info ConnectionInfo) (knownhosts.Decision, error)

// Config holds everything Connect needs to establish one connection.
// Destination and Credentials are the only required fields.
type Config struct {
	// Destination is "[user@]host[:port]"; user defaults to the current
	// process user when omitted, port defaults to 22.
	Destination string

	// ConnectTimeout bounds the whole connect sequence (TCP connect
	// through Ready), not just the TCP dial. Zero means no deadline
	// beyond ctx.
	ConnectTimeout time.Duration

	// KnownHostsFilePath is the user's known-hosts file. Empty means no
	// persistent user trust store: verification always reports Unknown
	// from the user file, and AddKnownHost is a no-op.
	KnownHostsFilePath string

	// CheckGlobalKnownHostsFile additionally consults GlobalKnownHostsFilePath
	// (or knownhosts.DefaultGlobalPath if that is empty) as a read-only
	// trust source.
	CheckGlobalKnownHostsFile bool
	GlobalKnownHostsFilePath  string

	// HostAuthentication decides how to handle the classification result.
	// Nil uses a default that accepts only an already-Trusted key.
	HostAuthentication HostAuthentication

	// Credentials are attempted in order after an initial "none" probe.
	// Connect fails immediately with ErrNoCredentials if this is empty.
	Credentials []Credential

	// Algorithms overrides default negotiation preferences. Nil uses
	// this library's defaults.
	Algorithms *AlgorithmPreferences

	// MaxPacketLength bounds decoded packet size. Zero uses the RFC
	// 4253-recommended default of 35000 bytes.
	MaxPacketLength int
}
