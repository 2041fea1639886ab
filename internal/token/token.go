// Package token decrypts the extra-data blob a handshake yields on
// OnAuthenticated into the user's auth token, using AES-256-GCM under the
// per-user symmetric key from users.txt.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrKeySize is returned when a symmetric key is not 32 bytes (AES-256).
var ErrKeySize = errors.New("token: symmetric key must be 32 bytes")

// ErrCiphertextTooShort is returned when the ciphertext cannot possibly
// contain a nonce plus an authentication tag.
var ErrCiphertextTooShort = errors.New("token: ciphertext too short")

// Decrypt opens ciphertext (nonce prefixed, as Encrypt below produces) under
// key, returning the plaintext token. A per-user symmetric key from
// internal/confload.Users is expected here.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token: new gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("token: decrypt: %w", err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext under key with the given nonce, prefixed onto
// the returned ciphertext. It exists for tests and for Pico-side peer
// simulators that need to produce a decryptable extra-data blob.
func Encrypt(key, plaintext []byte, nonce []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token: new gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("token: nonce must be %d bytes", gcm.NonceSize())
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(append([]byte{}, nonce...), sealed...), nil
}
