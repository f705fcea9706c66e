package knownhosts

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

const defaultPort = 22

// DefaultGlobalPath is the conventional system-wide known-hosts file on
// Unix-like systems, used when a caller enables global-file checking
// without naming a path explicitly.
const DefaultGlobalPath = "/etc/ssh/ssh_known_hosts"

// Result classifies a presented host key against a Store's entries.
type Result int

const (
	// Unknown means no entry in any loaded file names this host at all.
	Unknown Result = iota
	// Trusted means an entry names this host with exactly this key.
	Trusted
	// Changed means an entry names this host with a different key of the
	// same key type: a possible man-in-the-middle, or a legitimate host
	// key rotation that has not yet been re-trusted.
	Changed
	// Revoked means an @revoked entry names this host with exactly this
	// key. The connection must not proceed regardless of what the
	// caller's callback decides.
	Revoked
)

func (r Result) String() string {
	switch r {
	case Trusted:
		return "trusted"
	case Changed:
		return "changed"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Decision is the caller's response to a Result, returned from a
// HostAuthentication callback.
type Decision int

const (
	// DecisionUnknown rejects the connection; it is also the zero value,
	// so a callback that forgets to set a decision fails closed.
	DecisionUnknown Decision = iota
	// DecisionTrusted allows the connection to proceed without modifying
	// the known-hosts file.
	DecisionTrusted
	// DecisionAddKnownHost allows the connection to proceed and appends
	// the presented key to the store's file.
	DecisionAddKnownHost
	// DecisionChanged and DecisionRevoked reject the connection; they
	// exist so a callback can report which of these it saw without the
	// caller needing to thread the original Result back through.
	DecisionChanged
	DecisionRevoked
)

func (d Decision) String() string {
	switch d {
	case DecisionTrusted:
		return "trusted"
	case DecisionAddKnownHost:
		return "add-known-host"
	case DecisionChanged:
		return "changed"
	case DecisionRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// storeMutexes serializes concurrent AddKnownHost calls against the same
// path within this process. A real multi-process advisory lock (flock) is
// not wired in: no pack repo reaches for a file-locking library, and a
// client-side library with one process per connection rarely races itself
// across processes for the same known-hosts file.
var (
	storeMutexesMu sync.Mutex
	storeMutexes   = map[string]*sync.Mutex{}
)

func lockFor(path string) *sync.Mutex {
	storeMutexesMu.Lock()
	defer storeMutexesMu.Unlock()
	m, ok := storeMutexes[path]
	if !ok {
		m = &sync.Mutex{}
		storeMutexes[path] = m
	}
	return m
}

// Store holds the parsed contents of a user known-hosts file plus,
// optionally, a second read-only global file. Only the user file is ever
// appended to.
type Store struct {
	path          string // "" disables both matching against and writing to a user file
	entries       []*entry
	globalPath    string
	globalEntries []*entry
}

// Open loads path (the user's known-hosts file) and, if checkGlobal is
// true, globalPath (a system-wide file such as /etc/ssh/ssh_known_hosts).
// A missing file is not an error and yields no entries; path == ""
// likewise yields a Store with no user entries, and AddKnownHost on it is
// a no-op, per this library's treatment of an unset known-hosts path as
// "no persistent trust store" rather than a configuration error.
func Open(path string, checkGlobal bool, globalPath string) (*Store, error) {
	s := &Store{path: path, globalPath: globalPath}

	if path != "" {
		entries, err := parseFile(path)
		if err != nil {
			return nil, fmt.Errorf("knownhosts: opening %s: %w", path, err)
		}
		s.entries = entries
	}
	if checkGlobal && globalPath != "" {
		entries, err := parseFile(globalPath)
		if err != nil {
			return nil, fmt.Errorf("knownhosts: opening %s: %w", globalPath, err)
		}
		s.globalEntries = entries
	}
	return s, nil
}

func parseFile(path string) ([]*entry, error) {
	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		return nil, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*entry
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Classify matches key against every entry naming host/port and reports
// the strongest applicable Result: a Revoked match always wins, then
// Trusted, then Changed, then Unknown if nothing named this host at all.
func (s *Store) Classify(host string, port int, key ssh.PublicKey) Result {
	hostport := formatHostPort(host, port)

	sawChanged := false
	sawTrusted := false
	classify := func(entries []*entry) (revoked, trusted, changed bool) {
		for _, e := range entries {
			if !e.matchesHost(hostport) {
				continue
			}
			if e.keyType != key.Type() {
				continue
			}
			switch {
			case e.marker == markerRevoked && e.matchesKey(key):
				revoked = true
			case e.matchesKey(key):
				trusted = true
			default:
				changed = true
			}
		}
		return
	}

	if r, t, c := classify(s.entries); r {
		return Revoked
	} else if t {
		sawTrusted = true
	} else if c {
		sawChanged = true
	}
	if r, t, c := classify(s.globalEntries); r {
		return Revoked
	} else if t {
		sawTrusted = true
	} else if c {
		sawChanged = true
	}

	switch {
	case sawTrusted:
		return Trusted
	case sawChanged:
		return Changed
	default:
		return Unknown
	}
}

// AddKnownHost appends host/port and key to the store's user file,
// creating the parent directory (mode 0700) and file (mode 0600) if
// needed. It is idempotent: if an entry already matches this exact
// host/port and key, it does nothing. A Store opened with path == "" has
// no user file and AddKnownHost is a no-op.
func (s *Store) AddKnownHost(host string, port int, key ssh.PublicKey) error {
	if s.path == "" {
		return nil
	}

	lock := lockFor(s.path)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under lock: another goroutine or process may have added
	// the same entry since Open/Classify last looked.
	entries, err := parseFile(s.path)
	if err != nil {
		return fmt.Errorf("knownhosts: re-reading %s: %w", s.path, err)
	}
	hostport := formatHostPort(host, port)
	for _, e := range entries {
		if e.matchesHost(hostport) && e.matchesKey(key) {
			s.entries = entries
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("knownhosts: creating directory for %s: %w", s.path, err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("knownhosts: opening %s: %w", s.path, err)
	}
	defer f.Close()

	line := hostport + " " + key.Type() + " " + base64.StdEncoding.EncodeToString(key.Marshal()) + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("knownhosts: writing %s: %w", s.path, err)
	}

	newEntry := &entry{patterns: []string{hostport}, keyType: key.Type(), keyBlob: key.Marshal()}
	s.entries = append(entries, newEntry)
	log.Printf("ssh: added host key for %s to %s", hostport, s.path)
	return nil
}

// HashHostname produces the "|1|salt|hash" form of host/port using a fresh
// random salt, for callers that want to write privacy-preserving entries
// instead of plaintext hostnames. Not used by AddKnownHost, which always
// writes plain entries; exposed for callers that set a policy of always
// hashing.
func HashHostname(host string, port int) (string, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("knownhosts: generating salt: %w", err)
	}
	h := &hashedHost{salt: salt}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(formatHostPort(host, port)))
	h.mac = mac.Sum(nil)
	return h.format(), nil
}
