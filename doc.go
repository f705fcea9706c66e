// Package sshlite implements a client-side SSH transport and
// user-authentication layer: banner and key exchange, the packet
// encoder/decoder family, host-key verification against a known-hosts
// store, and the ssh-userauth state machine, enough to reach an
// authenticated, encrypted packet channel. It does not implement
// channels, sessions, or SFTP; Connect hands back a Conn exposing
// byte-oriented packet I/O for a higher-level multiplexer to drive.
package sshlite
