package knownhosts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	markerCertAuthority = "@cert-authority"
	markerRevoked       = "@revoked"
)

// entry is one parsed known-hosts line.
type entry struct {
	marker   string // "", markerCertAuthority or markerRevoked
	patterns []string
	hashed   *hashedHost
	keyType  string
	keyBlob  []byte
}

type hashedHost struct {
	salt []byte
	mac  []byte
}

// parseLine parses one non-blank, non-comment known-hosts line. Lines with
// too few fields or an unparseable key are reported as errors rather than
// silently skipped, so a corrupted file surfaces during Open rather than
// quietly losing trust entries.
func parseLine(line string) (*entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("knownhosts: malformed line (want at least 3 fields, got %d)", len(fields))
	}

	e := &entry{}
	if strings.HasPrefix(fields[0], "@") {
		switch fields[0] {
		case markerCertAuthority, markerRevoked:
			e.marker = fields[0]
		default:
			return nil, fmt.Errorf("knownhosts: unknown marker %q", fields[0])
		}
		fields = fields[1:]
		if len(fields) < 3 {
			return nil, fmt.Errorf("knownhosts: malformed line after marker")
		}
	}

	hostField, keyType, blobField := fields[0], fields[1], fields[2]

	if strings.HasPrefix(hostField, "|1|") {
		hh, err := parseHashedHost(hostField)
		if err != nil {
			return nil, err
		}
		e.hashed = hh
	} else {
		e.patterns = strings.Split(hostField, ",")
	}

	blob, err := base64.StdEncoding.DecodeString(blobField)
	if err != nil {
		return nil, fmt.Errorf("knownhosts: decoding key blob: %w", err)
	}
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("knownhosts: parsing key blob: %w", err)
	}
	if pub.Type() != keyType {
		return nil, fmt.Errorf("knownhosts: key type field %q does not match key blob type %q", keyType, pub.Type())
	}
	e.keyType = pub.Type()
	e.keyBlob = pub.Marshal()

	return e, nil
}

func parseHashedHost(field string) (*hashedHost, error) {
	parts := strings.Split(field, "|")
	if len(parts) != 4 || parts[0] != "" || parts[1] != "1" {
		return nil, fmt.Errorf("knownhosts: malformed hashed host %q", field)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("knownhosts: decoding hashed host salt: %w", err)
	}
	mac, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("knownhosts: decoding hashed host digest: %w", err)
	}
	return &hashedHost{salt: salt, mac: mac}, nil
}

func (h *hashedHost) matches(hostport string) bool {
	mac := hmac.New(sha1.New, h.salt)
	mac.Write([]byte(hostport))
	return hmac.Equal(mac.Sum(nil), h.mac)
}

func (h *hashedHost) format() string {
	return "|1|" + base64.StdEncoding.EncodeToString(h.salt) + "|" + base64.StdEncoding.EncodeToString(h.mac)
}

func (e *entry) matchesHost(hostport string) bool {
	if e.hashed != nil {
		return e.hashed.matches(hostport)
	}
	return matchPatternList(e.patterns, hostport)
}

func (e *entry) matchesKey(key ssh.PublicKey) bool {
	return e.keyType == key.Type() && bytes.Equal(e.keyBlob, key.Marshal())
}

// matchPatternList applies the known-hosts negation rule: a line matches a
// host if at least one non-negated pattern matches and no negated (!pattern)
// pattern matches. Patterns are evaluated in file order.
func matchPatternList(patterns []string, hostport string) bool {
	matched := false
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			if matchGlob(p[1:], hostport) {
				return false
			}
			continue
		}
		if matchGlob(p, hostport) {
			matched = true
		}
	}
	return matched
}

// matchGlob implements the small subset of shell globbing known_hosts
// patterns use: '*' matches any run of characters, '?' matches exactly one.
func matchGlob(pattern, s string) bool {
	return globMatch(pattern, s)
}

func globMatch(pattern, s string) bool {
	// Classic recursive glob match, linear via the standard two-pointer
	// backtrack-on-star technique.
	var px, sx, starPx, starSx int
	starSx = -1
	for sx < len(s) {
		if px < len(pattern) {
			switch pattern[px] {
			case '?':
				px++
				sx++
				continue
			case '*':
				starPx, starSx = px, sx
				px++
				continue
			default:
				if s[sx] == pattern[px] {
					px++
					sx++
					continue
				}
			}
		}
		if starSx >= 0 {
			starSx++
			sx = starSx
			px = starPx + 1
			continue
		}
		return false
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// formatHostPort renders a host/port pair the way OpenSSH writes it into
// known_hosts: bare hostname for the default port, bracketed host plus
// explicit port otherwise.
func formatHostPort(host string, port int) string {
	if port == 0 || port == defaultPort {
		return host
	}
	return "[" + host + "]:" + strconv.Itoa(port)
}
