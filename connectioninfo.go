package sshlite

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/ssh"
)

// NegotiatedAlgorithms is the public mirror of the algorithm names chosen
// during key exchange, one per negotiation category.
type NegotiatedAlgorithms struct {
	Kex, HostKey         string
	CipherCS, CipherSC   string
	MACCS, MACSC         string
	CompressCS, CompressSC string
}

// ConnectionInfo is what a HostAuthentication callback and a successful
// Connect's caller can observe about the connection.
type ConnectionInfo struct {
	Host                string
	Port                int
	ServerVersion       string
	Algorithms          NegotiatedAlgorithms
	SessionID           []byte
	ServerKey           ssh.PublicKey
	ServerKeySHA256Fingerprint string
	ServerKeyMD5Fingerprint    string
}

// sha256Fingerprint renders an OpenSSH-style "SHA256:<base64, no padding>"
// fingerprint of key's wire blob.
func sha256Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}

// md5Fingerprint renders the legacy colon-separated hex "MD5:aa:bb:..."
// fingerprint form.
func md5Fingerprint(key ssh.PublicKey) string {
	sum := md5.Sum(key.Marshal())
	hexStr := hex.EncodeToString(sum[:])
	var b strings.Builder
	b.WriteString("MD5:")
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexStr[i : i+2])
	}
	return b.String()
}
