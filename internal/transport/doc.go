// Package transport drives the byte-level SSH connection: it owns the TCP
// socket, the per-direction packet codec, and the two sequence counters,
// and exposes a packet-oriented interface to the key exchange,
// authentication, and (eventually, external to this module) channel
// multiplexing layers above it.
package transport
