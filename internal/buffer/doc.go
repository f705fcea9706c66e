// Package buffer provides a pool of reusable, fixed-size byte segments and a
// segmented Buffer built from them. A Buffer backs the transport's
// accumulation of inbound socket reads; decoded Packet payloads are
// separate allocations made by the codecs, not pool segments.
//
// The pool itself is safe for concurrent use by multiple producers; a single
// Buffer is single-owner and must not be shared across goroutines without
// external synchronization.
package buffer
