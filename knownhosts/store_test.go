package knownhosts

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("wrapping signer: %v", err)
	}
	return signer.PublicKey()
}

func writeKnownHosts(t *testing.T, path, line string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func keyLine(host string, key ssh.PublicKey) string {
	return host + " " + key.Type() + " " + mustMarshalBase64(key)
}

func mustMarshalBase64(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "does-not-exist"), false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := genKey(t)
	if got := s.Classify("example.com", 22, key); got != Unknown {
		t.Errorf("Classify on empty store = %v, want Unknown", got)
	}
}

func TestOpenEmptyPathDisablesUserFile(t *testing.T) {
	t.Parallel()
	s, err := Open("", false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := genKey(t)
	if err := s.AddKnownHost("example.com", 22, key); err != nil {
		t.Fatalf("AddKnownHost on path-less store: %v", err)
	}
	if got := s.Classify("example.com", 22, key); got != Unknown {
		t.Errorf("Classify after no-op Add = %v, want Unknown", got)
	}
}

func TestClassifyTrusted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	key := genKey(t)
	writeKnownHosts(t, path, keyLine("example.com", key))

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("example.com", 22, key); got != Trusted {
		t.Errorf("Classify = %v, want Trusted", got)
	}
}

func TestClassifyChangedOnDifferentKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	oldKey := genKey(t)
	newKey := genKey(t)
	writeKnownHosts(t, path, keyLine("example.com", oldKey))

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("example.com", 22, newKey); got != Changed {
		t.Errorf("Classify = %v, want Changed", got)
	}
}

func TestClassifyRevoked(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	key := genKey(t)
	writeKnownHosts(t, path, "@revoked "+keyLine("example.com", key))

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("example.com", 22, key); got != Revoked {
		t.Errorf("Classify = %v, want Revoked", got)
	}
}

func TestClassifyUnknownHost(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	key := genKey(t)
	writeKnownHosts(t, path, keyLine("other.example.com", key))

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("example.com", 22, key); got != Unknown {
		t.Errorf("Classify = %v, want Unknown", got)
	}
}

func TestClassifyNonDefaultPort(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	key := genKey(t)
	writeKnownHosts(t, path, keyLine("[example.com]:2222", key))

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("example.com", 2222, key); got != Trusted {
		t.Errorf("Classify on non-default port = %v, want Trusted", got)
	}
	if got := s.Classify("example.com", 22, key); got != Unknown {
		t.Errorf("Classify on default port with only a :2222 entry = %v, want Unknown", got)
	}
}

func TestClassifyWildcardAndNegation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	key := genKey(t)
	writeKnownHosts(t, path, keyLine("*.example.com,!bad.example.com", key))

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("good.example.com", 22, key); got != Trusted {
		t.Errorf("Classify good.example.com = %v, want Trusted", got)
	}
	if got := s.Classify("bad.example.com", 22, key); got != Unknown {
		t.Errorf("Classify bad.example.com = %v, want Unknown (negated)", got)
	}
}

func TestClassifyHashedHost(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	key := genKey(t)
	hashed, err := HashHostname("example.com", 22)
	if err != nil {
		t.Fatalf("HashHostname: %v", err)
	}
	writeKnownHosts(t, path, hashed+" "+key.Type()+" "+mustMarshalBase64(key))

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("example.com", 22, key); got != Trusted {
		t.Errorf("Classify via hashed entry = %v, want Trusted", got)
	}
	if got := s.Classify("other.com", 22, key); got != Unknown {
		t.Errorf("Classify unrelated host via hashed entry = %v, want Unknown", got)
	}
}

func TestAddKnownHostCreatesDirectoryAndFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "known_hosts")
	key := genKey(t)

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AddKnownHost("example.com", 22, key); err != nil {
		t.Fatalf("AddKnownHost: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after AddKnownHost: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}
	if got := s.Classify("example.com", 22, key); got != Trusted {
		t.Errorf("Classify after Add = %v, want Trusted", got)
	}
}

func TestAddKnownHostIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	key := genKey(t)

	s, err := Open(path, false, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AddKnownHost("example.com", 22, key); err != nil {
		t.Fatalf("first AddKnownHost: %v", err)
	}
	if err := s.AddKnownHost("example.com", 22, key); err != nil {
		t.Fatalf("second AddKnownHost: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 1 {
		t.Errorf("file has %d lines after duplicate Add, want 1", lines)
	}
}

func TestClassifyGlobalFileReadOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global_known_hosts")
	key := genKey(t)
	writeKnownHosts(t, globalPath, keyLine("example.com", key))

	userPath := filepath.Join(dir, "known_hosts")
	s, err := Open(userPath, true, globalPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Classify("example.com", 22, key); got != Trusted {
		t.Errorf("Classify via global file = %v, want Trusted", got)
	}

	other := genKey(t)
	if err := s.AddKnownHost("other.example.com", 22, other); err != nil {
		t.Fatalf("AddKnownHost: %v", err)
	}
	globalData, err := os.ReadFile(globalPath)
	if err != nil {
		t.Fatalf("ReadFile global: %v", err)
	}
	if string(globalData) != keyLine("example.com", key)+"\n" {
		t.Errorf("global file was modified by AddKnownHost: %q", globalData)
	}
}
