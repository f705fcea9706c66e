package cipher

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
)

// ChaCha20Poly1305 implements the chacha20-poly1305@openssh.com framing.
// Each direction uses two 32-byte keys derived from one 64-byte session
// key: payloadKey (the first 32 bytes) encrypts the payload and derives the
// one-time Poly1305 key from keystream block 0; lengthKey (the last 32
// bytes) encrypts only the 4-byte length field, also at block 0. The
// sequence number, not a random nonce, seeds the per-packet ChaCha20
// nonce, so no nonce ever repeats for a given key as long as sequence
// numbers do not repeat.
type ChaCha20Poly1305 struct {
	encPayloadKey [32]byte
	encLengthKey  [32]byte
	decPayloadKey [32]byte
	decLengthKey  [32]byte
}

// NewChaCha20Poly1305 builds a codec from two 64-byte derived session keys.
func NewChaCha20Poly1305(encKey, decKey []byte) (*ChaCha20Poly1305, error) {
	if len(encKey) != 64 || len(decKey) != 64 {
		return nil, fmt.Errorf("cipher: chacha20-poly1305 requires 64-byte keys, got %d/%d", len(encKey), len(decKey))
	}
	c := &ChaCha20Poly1305{}
	copy(c.encPayloadKey[:], encKey[:32])
	copy(c.encLengthKey[:], encKey[32:])
	copy(c.decPayloadKey[:], decKey[:32])
	copy(c.decLengthKey[:], decKey[32:])
	return c, nil
}

func (c *ChaCha20Poly1305) Close() {
	zero(c.encPayloadKey[:])
	zero(c.encLengthKey[:])
	zero(c.decPayloadKey[:])
	zero(c.decLengthKey[:])
}

func seqNonce(seqNum uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], uint64(seqNum))
	return nonce
}

// polyKey runs the payload cipher's block 0 keystream to derive a one-time
// Poly1305 key, per the OpenSSH extension's construction.
func polyKey(payloadKey *[32]byte, nonce []byte) (*chacha20.Cipher, [32]byte, error) {
	s, err := chacha20.NewUnauthenticatedCipher(payloadKey[:], nonce)
	if err != nil {
		return nil, [32]byte{}, err
	}
	var key [32]byte
	s.XORKeyStream(key[:], key[:])
	s.SetCounter(1)
	return s, key, nil
}

func (c *ChaCha20Poly1305) TryDecode(buf *buffer.Buffer, seqNum uint32, maxLen int) (*Packet, error) {
	if buf.Len() < 4 {
		return nil, ErrPending
	}
	encLen := buf.Coalesce(4)

	nonce := seqNonce(seqNum)
	lenCipher, err := chacha20.NewUnauthenticatedCipher(c.decLengthKey[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("cipher: chacha20: %w", err)
	}
	var lenBuf [4]byte
	lenCipher.XORKeyStream(lenBuf[:], encLen)
	packetLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if packetLen < 1 {
		return nil, fmt.Errorf("%w: zero-length packet", ErrMalformedPacket)
	}
	if err := checkDeclaredLength(packetLen, maxLen); err != nil {
		return nil, err
	}

	total := 4 + packetLen + poly1305.TagSize
	if buf.Len() < total {
		return nil, ErrPending
	}

	framed := buf.Coalesce(total)
	ciphertext := framed[4 : 4+packetLen]
	tag := framed[4+packetLen:]

	payloadStream, polyOneTimeKey, err := polyKey(&c.decPayloadKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("cipher: chacha20: %w", err)
	}

	authenticated := make([]byte, 0, 4+packetLen)
	authenticated = append(authenticated, encLen...)
	authenticated = append(authenticated, ciphertext...)
	var tagArr [poly1305.TagSize]byte
	copy(tagArr[:], tag)
	if !poly1305.Verify(&tagArr, authenticated, &polyOneTimeKey) {
		return nil, ErrIntegrityFailure
	}

	plain := make([]byte, packetLen)
	payloadStream.XORKeyStream(plain, ciphertext)

	padLen := int(plain[0])
	if padLen < minPaddingLength || 1+padLen > len(plain) {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrMalformedPacket, padLen)
	}
	payloadLen := len(plain) - 1 - padLen
	payload := make([]byte, payloadLen)
	copy(payload, plain[1:1+payloadLen])

	buf.Remove(total)
	return &Packet{Payload: payload}, nil
}

func (c *ChaCha20Poly1305) Encode(rnd io.Reader, payload []byte, seqNum uint32) ([]byte, error) {
	padLen := paddingLength(len(payload), 8)
	packetLen := 1 + len(payload) + padLen

	plain := make([]byte, packetLen)
	plain[0] = byte(padLen)
	copy(plain[1:], payload)
	if _, err := io.ReadFull(rnd, plain[1+len(payload):]); err != nil {
		return nil, fmt.Errorf("cipher: generating padding: %w", err)
	}

	nonce := seqNonce(seqNum)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(packetLen))
	lenCipher, err := chacha20.NewUnauthenticatedCipher(c.encLengthKey[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("cipher: chacha20: %w", err)
	}
	encLen := make([]byte, 4)
	lenCipher.XORKeyStream(encLen, lenBuf[:])

	payloadStream, polyOneTimeKey, err := polyKey(&c.encPayloadKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("cipher: chacha20: %w", err)
	}
	ciphertext := make([]byte, packetLen)
	payloadStream.XORKeyStream(ciphertext, plain)

	authenticated := make([]byte, 0, 4+packetLen)
	authenticated = append(authenticated, encLen...)
	authenticated = append(authenticated, ciphertext...)
	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, authenticated, &polyOneTimeKey)

	out := make([]byte, 0, 4+packetLen+poly1305.TagSize)
	out = append(out, encLen...)
	out = append(out, ciphertext...)
	out = append(out, tag[:]...)
	return out, nil
}
