package cipher

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
)

// DefaultMaxPacketLength is the RFC 4253-recommended ceiling on a packet's
// declared packet_length field, used unless Config.MaxPacketLength
// overrides it.
const DefaultMaxPacketLength = 35000

// absoluteMaxPacketLength is the hard ceiling (2^18) no decoder will exceed
// even if a caller configures a larger MaxPacketLength.
const absoluteMaxPacketLength = 1 << 18

// minPaddingLength is RFC 4253 section 6's minimum random padding.
const minPaddingLength = 4

// ErrPending is returned by Decoder.TryDecode when buf does not yet contain
// a complete packet.
var ErrPending = errors.New("cipher: insufficient data")

// ErrPacketTooLong is returned when a decoded or declared packet length
// exceeds the configured or absolute maximum.
var ErrPacketTooLong = errors.New("cipher: packet too long")

// ErrBadLength is returned when a ciphertext length fails a cipher's block
// size constraint.
var ErrBadLength = errors.New("cipher: length is not a multiple of the required block size")

// ErrIntegrityFailure is returned when a MAC or AEAD tag fails to verify.
// No plaintext is released to the caller in this case.
var ErrIntegrityFailure = errors.New("cipher: MAC or authentication tag verification failed")

// ErrMalformedPacket is returned for structurally invalid packets (e.g. a
// padding length that would leave no payload).
var ErrMalformedPacket = errors.New("cipher: malformed packet")

// Packet is a decoded SSH packet. Payload excludes the length and padding
// fields. Release returns the backing storage to its pool; callers must call
// Release exactly once, on every exit path including error handling further
// up the stack.
type Packet struct {
	Payload []byte
	release func()
}

// Release returns the packet's storage to its pool, if any. It is safe to
// call multiple times.
func (p *Packet) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// Decoder decodes inbound packets for one direction under one negotiated
// cipher/MAC pair.
type Decoder interface {
	// TryDecode attempts to decode exactly one packet from the front of buf.
	// On success it removes the consumed bytes from buf and returns a
	// Packet. If buf does not yet hold a complete packet it returns
	// ErrPending and leaves buf untouched. Any other error is fatal to the
	// transport; buf is left in an undefined state and must not be reused.
	TryDecode(buf *buffer.Buffer, seqNum uint32, maxLen int) (*Packet, error)
}

// Encoder encodes outbound packets for one direction under one negotiated
// cipher/MAC pair.
type Encoder interface {
	// Encode frames and, where applicable, encrypts and authenticates
	// payload, returning the bytes ready to write to the socket.
	Encode(rand io.Reader, payload []byte, seqNum uint32) ([]byte, error)
}

// Codec is the capability set a negotiated cipher suite provides in each
// direction. None, CTR, ChaCha20Poly1305, and GCM each implement it.
type Codec interface {
	Decoder
	Encoder
	// Close zeroes the key bytes the codec stores directly
	// (ChaCha20Poly1305's four keys, CTR's two MAC keys). Transport.SetCodec
	// calls it on the codec being replaced at NEWKEYS; Transport.Close does
	// not. Key schedules held inside crypto/cipher Block, Stream and AEAD
	// values (the AES keys of CTR and GCM) are not zeroed.
	Close()
}

// paddingLength returns the number of pad bytes needed so that
// 4 (packet_length field) + 1 (pad_len field) + len(payload) + pad is a
// multiple of blockSize (at least 8), with at least minPaddingLength pad
// bytes, per RFC 4253 section 6.
func paddingLength(payloadLen, blockSize int) int {
	if blockSize < 8 {
		blockSize = 8
	}
	pad := blockSize - (payloadLen+5)%blockSize
	if pad < minPaddingLength {
		pad += blockSize
	}
	return pad
}

func checkDeclaredLength(n, maxLen int) error {
	if maxLen <= 0 || maxLen > absoluteMaxPacketLength {
		maxLen = absoluteMaxPacketLength
	}
	if n > maxLen || n > absoluteMaxPacketLength {
		return fmt.Errorf("%w: declared length %d", ErrPacketTooLong, n)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
