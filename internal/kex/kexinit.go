package kex

import (
	"crypto/rand"
	"fmt"

	"github.com/go-ssh-lite/sshlite/internal/wire"
)

// Message ids for the version/key-exchange phase, RFC 4250 section 4.1.2.
const (
	MsgKexInit      = 20
	MsgNewKeys      = 21
	MsgKexECDHInit  = 30
	MsgKexECDHReply = 31
)

// InitMsg is the SSH_MSG_KEXINIT payload, RFC 4253 section 7.1.
type InitMsg struct {
	Cookie          [16]byte
	Algorithms      Algorithms
	FirstKexFollows bool
}

// Marshal encodes m as a KEXINIT payload, including the leading message id.
func (m *InitMsg) Marshal() []byte {
	w := wire.NewWriter(nil)
	w.Byte(MsgKexInit).Raw(m.Cookie[:])
	w.NameList(m.Algorithms.Kex)
	w.NameList(m.Algorithms.HostKey)
	w.NameList(m.Algorithms.CiphersCS)
	w.NameList(m.Algorithms.CiphersSC)
	w.NameList(m.Algorithms.MACsCS)
	w.NameList(m.Algorithms.MACsSC)
	w.NameList(m.Algorithms.CompressCS)
	w.NameList(m.Algorithms.CompressSC)
	w.NameList(nil) // languages client-to-server
	w.NameList(nil) // languages server-to-client
	w.Bool(m.FirstKexFollows)
	w.Uint32(0) // reserved
	return w.Bytes()
}

// UnmarshalInitMsg decodes a KEXINIT payload (including its leading message
// id, which must be MsgKexInit).
func UnmarshalInitMsg(payload []byte) (*InitMsg, error) {
	r := wire.NewReader(payload)
	if id := r.Byte(); id != MsgKexInit {
		return nil, fmt.Errorf("%w: expected KEXINIT (20), got %d", ErrProtocol, id)
	}
	m := &InitMsg{}
	rest := r.Rest()
	if len(rest) < 16 {
		return nil, fmt.Errorf("%w: truncated KEXINIT cookie", ErrProtocol)
	}
	copy(m.Cookie[:], rest[:16])
	r = wire.NewReader(rest[16:])
	m.Algorithms.Kex = r.NameList()
	m.Algorithms.HostKey = r.NameList()
	m.Algorithms.CiphersCS = r.NameList()
	m.Algorithms.CiphersSC = r.NameList()
	m.Algorithms.MACsCS = r.NameList()
	m.Algorithms.MACsSC = r.NameList()
	m.Algorithms.CompressCS = r.NameList()
	m.Algorithms.CompressSC = r.NameList()
	_ = r.NameList() // languages client-to-server
	_ = r.NameList() // languages server-to-client
	m.FirstKexFollows = r.Bool()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ssh: unmarshal KEXINIT: %w", err)
	}
	return m, nil
}

// NewInitMsg builds a fresh client KEXINIT with a random cookie.
func NewInitMsg(prefs Algorithms) (*InitMsg, error) {
	m := &InitMsg{Algorithms: prefs}
	if _, err := rand.Read(m.Cookie[:]); err != nil {
		return nil, fmt.Errorf("ssh: generating KEXINIT cookie: %w", err)
	}
	return m, nil
}
