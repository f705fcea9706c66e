// Package knownhosts implements the OpenSSH known_hosts file format: line
// parsing, plain and hashed hostname matching, @cert-authority/@revoked
// markers, classification of a presented host key against the store, and
// append-only persistence for trust-on-first-use. It does not decide
// whether an unknown or changed key is acceptable — that decision belongs
// to the caller's host-authentication callback, invoked by the connect
// driver that owns the rest of the connection's trust policy.
package knownhosts
