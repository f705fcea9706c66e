package cipher

import (
	"crypto/hmac"
	gocipher "crypto/cipher"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
)

// CTR implements the CTR-mode-cipher-plus-HMAC packet codec, in either
// encrypt-and-MAC (E&M, the RFC 4253 baseline) or encrypt-then-MAC (ETM,
// the *-etm@openssh.com extension) order.
//
// The encrypt/decrypt keystreams are long-lived cipher.Stream values that
// advance continuously across the life of the direction, exactly as RFC
// 4253 section 6 describes CTR mode continuing from one packet into the
// next.
type CTR struct {
	encStream gocipher.Stream
	decStream gocipher.Stream
	blockSize int

	encMACKey []byte
	decMACKey []byte
	newMAC    func() hash.Hash
	macSize   int
	etm       bool

	// decode-in-progress state for E&M mode, where the declared length is
	// itself encrypted and must be learned by decrypting the first block
	// before the rest of the packet is available.
	pending      bool
	pendingLen   int
	pendingPlain []byte
	pendingFill  int
}

// NewCTR builds a CTR codec for one direction pair. encBlock/decBlock must
// already be keyed (e.g. via aes.NewCipher) with the two independently
// derived per-direction keys, and encIV/decIV must be blockSize bytes.
// etm selects encrypt-then-MAC framing.
func NewCTR(encBlock, decBlock gocipher.Block, encIV, decIV, encMACKey, decMACKey []byte, newMAC func() hash.Hash, macSize int, etm bool) *CTR {
	return &CTR{
		encStream: gocipher.NewCTR(encBlock, encIV),
		decStream: gocipher.NewCTR(decBlock, decIV),
		blockSize: encBlock.BlockSize(),
		encMACKey: encMACKey,
		decMACKey: decMACKey,
		newMAC:    newMAC,
		macSize:   macSize,
		etm:       etm,
	}
}

func (c *CTR) Close() {
	zero(c.encMACKey)
	zero(c.decMACKey)
}

func (c *CTR) mac(key []byte, seqNum uint32, parts ...[]byte) []byte {
	h := hmac.New(c.newMAC, key)
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seqNum)
	h.Write(seqBuf[:])
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func (c *CTR) resetPending() {
	c.pending = false
	c.pendingLen = 0
	c.pendingPlain = nil
	c.pendingFill = 0
}

func (c *CTR) TryDecode(buf *buffer.Buffer, seqNum uint32, maxLen int) (*Packet, error) {
	if c.etm {
		return c.tryDecodeETM(buf, seqNum, maxLen)
	}
	return c.tryDecodeEM(buf, seqNum, maxLen)
}

// tryDecodeETM: the 4-byte length is plaintext; the MAC covers
// seqno || length || ciphertext and is verified before anything is
// decrypted.
func (c *CTR) tryDecodeETM(buf *buffer.Buffer, seqNum uint32, maxLen int) (*Packet, error) {
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
	if packetLen%c.blockSize != 0 {
		return nil, fmt.Errorf("%w: %d is not a multiple of %d", ErrBadLength, packetLen, c.blockSize)
	}
	total := 4 + packetLen + c.macSize
	if buf.Len() < total {
		return nil, ErrPending
	}

	framed := buf.Coalesce(total)
	ciphertext := framed[4 : 4+packetLen]
	tag := framed[4+packetLen:]

	expected := c.mac(c.decMACKey, seqNum, lenBytes, ciphertext)
	if !hmac.Equal(expected, tag) {
		return nil, ErrIntegrityFailure
	}

	plain := make([]byte, packetLen)
	c.decStream.XORKeyStream(plain, ciphertext)

	payload, err := splitPadded(plain)
	if err != nil {
		return nil, err
	}
	buf.Remove(total)
	return &Packet{Payload: payload}, nil
}

// tryDecodeEM: the 4-byte length is itself encrypted. The first cipher
// block is decrypted as soon as it is available to learn the length; the
// remainder is decrypted in one step once the whole packet body has
// arrived, and the MAC (over
// seqno || plaintext packet) is checked only once the full packet and tag
// have arrived.
func (c *CTR) tryDecodeEM(buf *buffer.Buffer, seqNum uint32, maxLen int) (*Packet, error) {
	if !c.pending {
		if buf.Len() < c.blockSize {
			return nil, ErrPending
		}
		firstBlock := buf.Coalesce(c.blockSize)
		plainFirst := make([]byte, c.blockSize)
		c.decStream.XORKeyStream(plainFirst, firstBlock)

		packetLen := int(binary.BigEndian.Uint32(plainFirst[0:4]))
		if packetLen < 1 {
			return nil, fmt.Errorf("%w: zero-length packet", ErrMalformedPacket)
		}
		if err := checkDeclaredLength(packetLen, maxLen); err != nil {
			return nil, err
		}
		if (4+packetLen)%c.blockSize != 0 {
			return nil, fmt.Errorf("%w: %d is not a multiple of %d", ErrBadLength, packetLen, c.blockSize)
		}

		c.pending = true
		c.pendingLen = packetLen
		c.pendingPlain = make([]byte, 4+packetLen)
		copy(c.pendingPlain, plainFirst)
		c.pendingFill = c.blockSize
	}

	total := 4 + c.pendingLen
	if c.pendingFill < total {
		if buf.Len() < total {
			return nil, ErrPending
		}
		// Decrypt only the newly available bytes; the stream continues
		// from where the first block decrypt left off.
		chunk, ok := buf.Peek(total)
		var ciphertext []byte
		if ok {
			ciphertext = chunk[c.pendingFill:total]
		} else {
			ciphertext = buf.Coalesce(total)[c.pendingFill:total]
		}
		c.decStream.XORKeyStream(c.pendingPlain[c.pendingFill:total], ciphertext)
		c.pendingFill = total
	}

	if buf.Len() < total+c.macSize {
		return nil, ErrPending
	}

	framed := buf.Coalesce(total + c.macSize)
	tag := framed[total:]
	expected := c.mac(c.decMACKey, seqNum, c.pendingPlain)
	if !hmac.Equal(expected, tag) {
		c.resetPending()
		return nil, ErrIntegrityFailure
	}

	payload, err := splitPadded(c.pendingPlain)
	if err != nil {
		c.resetPending()
		return nil, err
	}
	buf.Remove(total + c.macSize)
	c.resetPending()
	return &Packet{Payload: payload}, nil
}

func splitPadded(plain []byte) ([]byte, error) {
	if len(plain) < 5 {
		return nil, fmt.Errorf("%w: packet shorter than header", ErrMalformedPacket)
	}
	padLen := int(plain[4])
	if padLen < minPaddingLength || 5+padLen > len(plain) {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrMalformedPacket, padLen)
	}
	payloadLen := len(plain) - 5 - padLen
	payload := make([]byte, payloadLen)
	copy(payload, plain[5:5+payloadLen])
	return payload, nil
}

func (c *CTR) Encode(rnd io.Reader, payload []byte, seqNum uint32) ([]byte, error) {
	padLen := paddingLength(len(payload), c.blockSize)
	if c.etm {
		// ETM leaves packet_length in the clear, so only the encrypted part
		// (pad_len, payload, padding) is aligned to the block size.
		padLen = c.blockSize - (1+len(payload))%c.blockSize
		if padLen < minPaddingLength {
			padLen += c.blockSize
		}
	}
	packetLen := 1 + len(payload) + padLen

	plain := make([]byte, 4+packetLen)
	binary.BigEndian.PutUint32(plain[0:4], uint32(packetLen))
	plain[4] = byte(padLen)
	copy(plain[5:], payload)
	if _, err := io.ReadFull(rnd, plain[5+len(payload):]); err != nil {
		return nil, fmt.Errorf("cipher: generating padding: %w", err)
	}

	if c.etm {
		ciphertext := make([]byte, packetLen)
		c.encStream.XORKeyStream(ciphertext, plain[4:])
		tag := c.mac(c.encMACKey, seqNum, plain[0:4], ciphertext)
		out := make([]byte, 0, 4+packetLen+c.macSize)
		out = append(out, plain[0:4]...)
		out = append(out, ciphertext...)
		out = append(out, tag...)
		return out, nil
	}

	tag := c.mac(c.encMACKey, seqNum, plain)
	ciphertext := make([]byte, len(plain))
	c.encStream.XORKeyStream(ciphertext, plain)
	out := append(ciphertext, tag...)
	return out, nil
}
