package cipher

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
)

// None implements the unencrypted framing used before the first NEWKEYS,
// and when explicitly negotiated as "none":
//
//	uint32 packet_length | byte padding_length | payload | padding
//
// packet_length counts everything after itself. There is no MAC.
type None struct{}

// NewNone returns a Codec implementing the plaintext framing.
func NewNone() *None { return &None{} }

func (n *None) Close() {}

func (n *None) TryDecode(buf *buffer.Buffer, seqNum uint32, maxLen int) (*Packet, error) {
	if buf.Len() < 4 {
		return nil, ErrPending
	}
	lenHdr, ok := buf.Peek(4)
	var hdr [4]byte
	if ok {
		copy(hdr[:], lenHdr)
	} else {
		copy(hdr[:], buf.Coalesce(4))
	}
	packetLen := int(binary.BigEndian.Uint32(hdr[:]))
	if packetLen < 1 {
		return nil, fmt.Errorf("%w: zero-length packet", ErrMalformedPacket)
	}
	if err := checkDeclaredLength(packetLen, maxLen); err != nil {
		return nil, err
	}
	if buf.Len() < 4+packetLen {
		return nil, ErrPending
	}

	full := buf.Coalesce(4 + packetLen)
	padLen := int(full[4])
	if padLen < minPaddingLength || 1+padLen > packetLen {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrMalformedPacket, padLen)
	}
	payloadLen := packetLen - 1 - padLen
	payload := make([]byte, payloadLen)
	copy(payload, full[5:5+payloadLen])

	buf.Remove(4 + packetLen)
	return &Packet{Payload: payload}, nil
}

func (n *None) Encode(rnd io.Reader, payload []byte, seqNum uint32) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	padLen := paddingLength(len(payload), 8)
	packetLen := 1 + len(payload) + padLen

	out := make([]byte, 4+packetLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(packetLen))
	out[4] = byte(padLen)
	copy(out[5:], payload)
	if _, err := io.ReadFull(rnd, out[5+len(payload):]); err != nil {
		return nil, fmt.Errorf("cipher: generating padding: %w", err)
	}
	return out, nil
}
