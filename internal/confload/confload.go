// Package confload reads the daemon's on-disk configuration directory:
// the service identity keypair, the paired-user table, the beacon target
// list, and the JSON config overlay file. The session config overlay
// (internal/session) assumes all of this plumbing exists upstream; this
// package is what produces it.
package confload

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrMalformed is returned when a config-directory file exists but its
// contents do not parse.
var ErrMalformed = errors.New("confload: malformed file")

// ErrInsecurePermissions is returned when the service private key file is
// readable by anyone other than its owner.
var ErrInsecurePermissions = errors.New("confload: private key file has insecure permissions")

// maxBluetoothLine is the longest line bluetooth.txt may contain, sized
// for a 17-char Bluetooth address (AA:BB:CC:DD:EE:FF) plus a small
// margin.
const maxBluetoothLine = 19

// User is one paired-device record from users.txt: a username, the
// phone's public key, and the symmetric key the orchestrator's Decryptor
// uses to open the handshake's extra-data blob.
type User struct {
	Username  string
	PicoKey   []byte
	Symmetric []byte
}

// ServiceKeys loads the service identity keypair from
// <dir>/<service-public-key> (PKIX DER) and <dir>/<service-private-key>
// (PKCS#8 DER). It rejects a private key file group- or world-readable,
// since that key signs every beacon payload this daemon advertises.
func ServiceKeys(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubPath := filepath.Join(dir, "service-public-key")
	privPath := filepath.Join(dir, "service-private-key")

	if err := checkPrivateKeyPermissions(privPath); err != nil {
		return nil, nil, err
	}

	pubDER, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, fmt.Errorf("confload: read public key: %w", err)
	}
	privDER, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, fmt.Errorf("confload: read private key: %w", err)
	}

	pubAny, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, nil, fmt.Errorf("confload: parse public key: %w", err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, nil, errors.New("confload: public key is not ed25519")
	}

	privAny, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, nil, fmt.Errorf("confload: parse private key: %w", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, errors.New("confload: private key is not ed25519")
	}

	return pub, priv, nil
}

// checkPrivateKeyPermissions rejects a private key file that grants
// group or world read/write/execute permission. A missing file is not a
// permissions error; ServiceKeys' subsequent ReadFile reports that.
func checkPrivateKeyPermissions(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("confload: stat private key: %w", err)
	}
	if st.Mode&0o077 != 0 {
		return fmt.Errorf("%w: %s", ErrInsecurePermissions, path)
	}
	return nil
}

// Users reads <dir>/users.txt: one whitespace-separated record per line,
// `username pico-public-key-hex symmetric-key-hex`. Blank lines and lines
// starting with '#' are ignored.
func Users(dir string) ([]User, error) {
	f, err := os.Open(filepath.Join(dir, "users.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("confload: open users.txt: %w", err)
	}
	defer f.Close()

	var users []User
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: users.txt:%d: want 3 fields, got %d", ErrMalformed, lineNo, len(fields))
		}
		picoKey, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: users.txt:%d: pico key: %v", ErrMalformed, lineNo, err)
		}
		symKey, err := hex.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w: users.txt:%d: symmetric key: %v", ErrMalformed, lineNo, err)
		}
		users = append(users, User{Username: fields[0], PicoKey: picoKey, Symmetric: symKey})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("confload: scan users.txt: %w", err)
	}
	return users, nil
}

// BluetoothTargets reads <dir>/bluetooth.txt: one target address per
// line, up to maxBluetoothLine bytes, '#' comments and blank lines
// ignored.
func BluetoothTargets(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, "bluetooth.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("confload: open bluetooth.txt: %w", err)
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > maxBluetoothLine {
			return nil, fmt.Errorf("%w: bluetooth.txt:%d: line exceeds %d bytes", ErrMalformed, lineNo, maxBluetoothLine)
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("confload: scan bluetooth.txt: %w", err)
	}
	return dedupe(targets), nil
}

func dedupe(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// ConfigFileJSON reads <dir>/config.txt, validated as a JSON object, for
// feeding to session.Overlay's file layer. It is fail-open: a missing
// file returns (nil, nil). Malformed contents are an error here so the
// one caller-side catch can log and fall back to defaults; a partial
// first-byte check would let brace-prefixed garbage through to fail
// every session instead. It does not strip any_user itself;
// session.Overlay already discards that key from the file layer
// unconditionally.
func ConfigFileJSON(dir string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("confload: read config.txt: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: config.txt is not a JSON object", ErrMalformed)
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: config.txt: %v", ErrMalformed, err)
	}
	return raw, nil
}
