// Package kex drives the SSH version exchange and key-exchange state
// machine: banner exchange, KEXINIT algorithm negotiation, the
// curve25519-sha256 key agreement, exchange-hash and session-id binding,
// six-key derivation, and the NEWKEYS codec switchover. Run builds the
// per-direction cipher codecs from the derived keys and installs them on
// the transport itself; it hands back the negotiated algorithms, the
// session id, the exchange hash, and the server's host key. Verifying the
// host key against a trust store is the caller's job.
package kex
