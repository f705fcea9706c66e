package kex

import (
	"hash"
	"math/big"

	"github.com/go-ssh-lite/sshlite/internal/wire"
)

// Keys holds the six session keys derived after a completed exchange,
// RFC 4253 section 7.2. Each is sized to whatever the negotiated cipher
// and MAC require: DeriveKeys truncates or extends every key to exactly
// the requested length.
type Keys struct {
	IVClientToServer  []byte
	IVServerToClient  []byte
	EncClientToServer []byte
	EncServerToClient []byte
	MACClientToServer []byte
	MACServerToClient []byte
}

// DeriveKeys computes all six keys from the shared secret K, exchange hash
// H, and session id, using newHash as the exchange's hash function. sizes
// gives the required byte length for each of the six keys in A..F order.
func DeriveKeys(newHash func() hash.Hash, K *big.Int, H, sessionID []byte, sizes [6]int) Keys {
	kBytes := wire.NewWriter(nil).MPInt(K).Bytes()
	letters := []byte{'A', 'B', 'C', 'D', 'E', 'F'}
	out := make([][]byte, 6)
	for i, letter := range letters {
		out[i] = deriveOne(newHash, kBytes, H, letter, sessionID, sizes[i])
	}
	return Keys{
		IVClientToServer:  out[0],
		IVServerToClient:  out[1],
		EncClientToServer: out[2],
		EncServerToClient: out[3],
		MACClientToServer: out[4],
		MACServerToClient: out[5],
	}
}

// deriveOne computes one key as HASH(K || H || letter || session_id),
// extending with HASH(K || H || key-so-far) until size bytes are
// available.
func deriveOne(newHash func() hash.Hash, kBytes, H []byte, letter byte, sessionID []byte, size int) []byte {
	h := newHash()
	h.Write(kBytes)
	h.Write(H)
	h.Write([]byte{letter})
	h.Write(sessionID)
	key := h.Sum(nil)

	for len(key) < size {
		h := newHash()
		h.Write(kBytes)
		h.Write(H)
		h.Write(key)
		key = append(key, h.Sum(nil)...)
	}
	return key[:size]
}
