// Package auth implements the post-NEWKEYS ssh-userauth state machine:
// the SERVICE_REQUEST/SERVICE_ACCEPT handshake, an initial "none" probe,
// and then one attempt per configured credential (password, publickey, or
// keyboard-interactive) in the order the caller listed them, per RFC 4252.
package auth
