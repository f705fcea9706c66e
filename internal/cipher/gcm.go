package cipher

import (
	gocipher "crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
)

const gcmTagSize = 16
const gcmBlockSize = 16
const gcmNonceSize = 12
const gcmFixedSize = 4

// GCM implements RFC 5647 AES-GCM framing: the 4-byte length is plaintext
// and serves as the AEAD's associated data; the 12-byte nonce is a 4-byte
// per-direction fixed field followed by an 8-byte invocation counter,
// incremented big-endian after every packet.
type GCM struct {
	enc gocipher.AEAD
	dec gocipher.AEAD

	encFixed [gcmFixedSize]byte
	decFixed [gcmFixedSize]byte
	encCtr   uint64
	decCtr   uint64
}

// NewGCM builds a GCM codec from AEAD instances already keyed via
// cipher.NewGCM(aesBlock), the per-direction fixed IV fields (the first 4
// bytes of each direction's derived 12-byte IV, per RFC 5647 section 7.1),
// and the initial invocation counters (the last 8 bytes of that same
// derived IV, interpreted big-endian).
func NewGCM(enc, dec gocipher.AEAD, encFixed, decFixed [gcmFixedSize]byte, encCtr0, decCtr0 uint64) *GCM {
	return &GCM{enc: enc, dec: dec, encFixed: encFixed, decFixed: decFixed, encCtr: encCtr0, decCtr: decCtr0}
}

func (g *GCM) Close() {}

func nonce(fixed [gcmFixedSize]byte, counter uint64) []byte {
	n := make([]byte, gcmNonceSize)
	copy(n[0:gcmFixedSize], fixed[:])
	binary.BigEndian.PutUint64(n[gcmFixedSize:], counter)
	return n
}

func (g *GCM) TryDecode(buf *buffer.Buffer, seqNum uint32, maxLen int) (*Packet, error) {
	if buf.Len() < 4 {
		return nil, ErrPending
	}
	lenBytes := buf.Coalesce(4)
	packetLen := int(binary.BigEndian.Uint32(lenBytes))
	if packetLen < 1 {
		return nil, fmt.Errorf("%w: zero-length packet", ErrMalformedPacket)
	}
	if err := checkDeclaredLength(packetLen, maxLen); err != nil {
		return nil, err
	}
	if packetLen%gcmBlockSize != 0 {
		return nil, fmt.Errorf("%w: %d is not a multiple of %d", ErrBadLength, packetLen, gcmBlockSize)
	}

	total := 4 + packetLen + gcmTagSize
	if buf.Len() < total {
		return nil, ErrPending
	}

	framed := buf.Coalesce(total)
	aad := framed[0:4]
	sealed := framed[4:total]

	plain, err := g.dec.Open(nil, nonce(g.decFixed, g.decCtr), sealed, aad)
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	g.decCtr++

	payload, err := splitPadded(append(lenBytesPlaceholder(), plain...))
	if err != nil {
		return nil, err
	}
	buf.Remove(total)
	return &Packet{Payload: payload}, nil
}

// lenBytesPlaceholder supplies a 4-byte stand-in so splitPadded (which
// expects a length-prefixed packet as used by the CTR/none codecs) can be
// reused here; GCM's plaintext omits the length field since it travels as
// AAD instead, so the placeholder's value is never read, only its size.
func lenBytesPlaceholder() []byte { return make([]byte, 4) }

func (g *GCM) Encode(rnd io.Reader, payload []byte, seqNum uint32) ([]byte, error) {
	// Unlike the CTR/none framing, GCM's plaintext carries only pad_len (1
	// byte), not the 4-byte length field, since the length travels as AAD
	// instead. Align 1+len(payload)+padLen to the 16-byte GCM block size.
	padLen := gcmBlockSize - (1+len(payload))%gcmBlockSize
	if padLen < minPaddingLength {
		padLen += gcmBlockSize
	}
	packetLen := 1 + len(payload) + padLen

	plain := make([]byte, packetLen)
	plain[0] = byte(padLen)
	copy(plain[1:], payload)
	if _, err := io.ReadFull(rnd, plain[1+len(payload):]); err != nil {
		return nil, fmt.Errorf("cipher: generating padding: %w", err)
	}

	aad := make([]byte, 4)
	binary.BigEndian.PutUint32(aad, uint32(packetLen))

	sealed := g.enc.Seal(nil, nonce(g.encFixed, g.encCtr), plain, aad)
	g.encCtr++

	out := make([]byte, 0, 4+len(sealed))
	out = append(out, aad...)
	out = append(out, sealed...)
	return out, nil
}
