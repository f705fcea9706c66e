package kex

// Algorithms is an ordered preference list per negotiation category, in
// client-preferred-first order. The zero value is not useful; use
// DefaultAlgorithms for the module's safe defaults.
type Algorithms struct {
	Kex         []string
	HostKey     []string
	CiphersCS   []string
	CiphersSC   []string
	MACsCS      []string
	MACsSC      []string
	CompressCS  []string
	CompressSC  []string
}

// DefaultAlgorithms returns the module's default preference lists: modern
// AEAD and ETM constructions first, falling back to CTR+HMAC, no legacy
// ciphers (single-DES, RC4, CBC) or compression.
func DefaultAlgorithms() Algorithms {
	ciphers := []string{
		"chacha20-poly1305@openssh.com",
		"aes128-gcm@openssh.com",
		"aes256-gcm@openssh.com",
		"aes128-ctr",
		"aes192-ctr",
		"aes256-ctr",
	}
	macs := []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-512-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha2-512",
		"hmac-sha1",
	}
	return Algorithms{
		Kex:        []string{"curve25519-sha256", "curve25519-sha256@libssh.org"},
		HostKey:    []string{"ssh-ed25519", "rsa-sha2-256", "rsa-sha2-512", "ecdsa-sha2-nistp256"},
		CiphersCS:  ciphers,
		CiphersSC:  ciphers,
		MACsCS:     macs,
		MACsSC:     macs,
		CompressCS: []string{"none"},
		CompressSC: []string{"none"},
	}
}

// Negotiated holds the single winning algorithm per category.
type Negotiated struct {
	Kex        string
	HostKey    string
	CipherCS   string
	CipherSC   string
	MACCS      string
	MACSC      string
	CompressCS string
	CompressSC string
}

// ErrNoCommonAlgorithm reports that some category had no intersection
// between the client's and server's preference lists.
type ErrNoCommonAlgorithm struct{ Category string }

func (e *ErrNoCommonAlgorithm) Error() string {
	return "ssh: no common algorithm for " + e.Category
}

// pickFirst returns the first entry of client that also appears in
// server, per RFC 4253 section 7.1's negotiation rule.
func pickFirst(category string, client, server []string) (string, error) {
	serverSet := make(map[string]bool, len(server))
	for _, a := range server {
		serverSet[a] = true
	}
	for _, a := range client {
		if serverSet[a] {
			return a, nil
		}
	}
	return "", &ErrNoCommonAlgorithm{Category: category}
}

// Negotiate evaluates each category independently: kex, host-key, cipher
// (each direction), MAC (each direction), compression (each direction).
func Negotiate(client, server Algorithms) (Negotiated, error) {
	var n Negotiated
	var err error
	for _, f := range []struct {
		category string
		dst      *string
		c, s     []string
	}{
		{"kex", &n.Kex, client.Kex, server.Kex},
		{"host key", &n.HostKey, client.HostKey, server.HostKey},
		{"cipher client-to-server", &n.CipherCS, client.CiphersCS, server.CiphersCS},
		{"cipher server-to-client", &n.CipherSC, client.CiphersSC, server.CiphersSC},
		{"MAC client-to-server", &n.MACCS, client.MACsCS, server.MACsCS},
		{"MAC server-to-client", &n.MACSC, client.MACsSC, server.MACsSC},
		{"compression client-to-server", &n.CompressCS, client.CompressCS, server.CompressCS},
		{"compression server-to-client", &n.CompressSC, client.CompressSC, server.CompressSC},
	} {
		*f.dst, err = pickFirst(f.category, f.c, f.s)
		if err != nil {
			return Negotiated{}, err
		}
	}
	return n, nil
}
