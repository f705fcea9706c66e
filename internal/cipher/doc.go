// Package cipher implements the per-direction SSH packet codec family:
// plaintext ("none"), CTR-mode-plus-MAC in both encrypt-and-MAC and
// encrypt-then-MAC order, ChaCha20-Poly1305, and AES-GCM. Each codec
// implements a shared Decoder/Encoder contract so the transport loop can
// swap codecs atomically at NEWKEYS without knowing which cipher is active.
package cipher
