package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
)

// CipherSpec describes one negotiable encryption_algorithms entry: the key
// material sizes key exchange must derive for it, and whether it is a
// self-contained AEAD (in which case no separate MAC algorithm applies).
type CipherSpec struct {
	Name    string
	KeySize int
	IVSize  int // 0 for chacha20-poly1305@openssh.com, which needs no separate IV
	AEAD    bool
}

var cipherSpecs = map[string]CipherSpec{
	"aes128-ctr":                    {"aes128-ctr", 16, aes.BlockSize, false},
	"aes192-ctr":                    {"aes192-ctr", 24, aes.BlockSize, false},
	"aes256-ctr":                    {"aes256-ctr", 32, aes.BlockSize, false},
	"aes128-gcm@openssh.com":        {"aes128-gcm@openssh.com", 16, 12, true},
	"aes256-gcm@openssh.com":        {"aes256-gcm@openssh.com", 32, 12, true},
	"chacha20-poly1305@openssh.com": {"chacha20-poly1305@openssh.com", 64, 0, true},
}

// LookupCipher returns the spec for a negotiated cipher name.
func LookupCipher(name string) (CipherSpec, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return CipherSpec{}, fmt.Errorf("cipher: unknown cipher %q", name)
	}
	return spec, nil
}

// MACSpec describes one negotiable mac_algorithms entry.
type MACSpec struct {
	Name    string
	KeySize int
	New     func() hash.Hash
	ETM     bool
}

var macSpecs = map[string]MACSpec{
	"hmac-sha1":                      {"hmac-sha1", 20, sha1.New, false},
	"hmac-sha2-256":                  {"hmac-sha2-256", 32, sha256.New, false},
	"hmac-sha2-512":                  {"hmac-sha2-512", 64, sha512.New, false},
	"hmac-sha2-256-etm@openssh.com":  {"hmac-sha2-256-etm@openssh.com", 32, sha256.New, true},
	"hmac-sha2-512-etm@openssh.com":  {"hmac-sha2-512-etm@openssh.com", 64, sha512.New, true},
}

// LookupMAC returns the spec for a negotiated MAC name. It is not called
// for AEAD ciphers, which carry their own integrity tag.
func LookupMAC(name string) (MACSpec, error) {
	spec, ok := macSpecs[name]
	if !ok {
		return MACSpec{}, fmt.Errorf("cipher: unknown MAC %q", name)
	}
	return spec, nil
}

// KeyMaterial is one direction pair's worth of already key-exchange-sized
// key material, per the CipherSpec/MACSpec the caller looked up for the
// negotiated algorithm names.
type KeyMaterial struct {
	EncKey, DecKey       []byte
	EncIV, DecIV         []byte
	EncMACKey, DecMACKey []byte
}

// Build constructs the Codec for one direction pair from the negotiated
// cipher and MAC algorithm names and derived key material. macName is
// ignored for AEAD ciphers.
func Build(cipherName, macName string, km KeyMaterial) (Codec, error) {
	cs, err := LookupCipher(cipherName)
	if err != nil {
		return nil, err
	}

	switch {
	case cipherName == "chacha20-poly1305@openssh.com":
		return NewChaCha20Poly1305(km.EncKey, km.DecKey)

	case cs.AEAD: // aesNNN-gcm@openssh.com
		encBlock, err := aes.NewCipher(km.EncKey)
		if err != nil {
			return nil, fmt.Errorf("cipher: %s: %w", cipherName, err)
		}
		decBlock, err := aes.NewCipher(km.DecKey)
		if err != nil {
			return nil, fmt.Errorf("cipher: %s: %w", cipherName, err)
		}
		encAEAD, err := gocipher.NewGCM(encBlock)
		if err != nil {
			return nil, fmt.Errorf("cipher: %s: %w", cipherName, err)
		}
		decAEAD, err := gocipher.NewGCM(decBlock)
		if err != nil {
			return nil, fmt.Errorf("cipher: %s: %w", cipherName, err)
		}
		if len(km.EncIV) < 12 || len(km.DecIV) < 12 {
			return nil, fmt.Errorf("cipher: %s: derived IV shorter than 12 bytes", cipherName)
		}
		var encFixed, decFixed [gcmFixedSize]byte
		copy(encFixed[:], km.EncIV[:4])
		copy(decFixed[:], km.DecIV[:4])
		encCtr0 := binary.BigEndian.Uint64(km.EncIV[4:12])
		decCtr0 := binary.BigEndian.Uint64(km.DecIV[4:12])
		return NewGCM(encAEAD, decAEAD, encFixed, decFixed, encCtr0, decCtr0), nil

	default: // CTR + HMAC, either order
		ms, err := LookupMAC(macName)
		if err != nil {
			return nil, err
		}
		encBlock, err := aes.NewCipher(km.EncKey)
		if err != nil {
			return nil, fmt.Errorf("cipher: %s: %w", cipherName, err)
		}
		decBlock, err := aes.NewCipher(km.DecKey)
		if err != nil {
			return nil, fmt.Errorf("cipher: %s: %w", cipherName, err)
		}
		return NewCTR(encBlock, decBlock, km.EncIV, km.DecIV, km.EncMACKey, km.DecMACKey, ms.New, ms.New().Size(), ms.ETM), nil
	}
}

// BuildEncoder constructs a codec for use only as an Encoder, for the
// outbound direction's independently negotiated cipher/MAC pair. Since the
// underlying codec types carry both directions' state, the unused
// decoding half is keyed identically to the encoding half; it is simply
// never exercised.
func BuildEncoder(cipherName, macName string, key, iv, macKey []byte) (Encoder, error) {
	return Build(cipherName, macName, KeyMaterial{EncKey: key, DecKey: key, EncIV: iv, DecIV: iv, EncMACKey: macKey, DecMACKey: macKey})
}

// BuildDecoder is BuildEncoder's counterpart for the inbound direction.
func BuildDecoder(cipherName, macName string, key, iv, macKey []byte) (Decoder, error) {
	return Build(cipherName, macName, KeyMaterial{EncKey: key, DecKey: key, EncIV: iv, DecIV: iv, EncMACKey: macKey, DecMACKey: macKey})
}
