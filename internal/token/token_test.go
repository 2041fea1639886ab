package token_test

import (
	"bytes"
	"testing"

	"github.com/pico-continuousd/pico-continuousd/internal/token"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, 32)
	nonce := bytes.Repeat([]byte{0x01}, 12)

	ciphertext, err := token.Encrypt(key, []byte("Passuser0"), nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext, err := token.Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "Passuser0" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "Passuser0")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, 32)
	wrongKey := bytes.Repeat([]byte{0x99}, 32)
	nonce := bytes.Repeat([]byte{0x01}, 12)

	ciphertext, err := token.Encrypt(key, []byte("secret"), nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := token.Decrypt(wrongKey, ciphertext); err == nil {
		t.Fatal("expected decrypt with the wrong key to fail")
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x42}, 32)
	if _, err := token.Decrypt(key, []byte{0x01, 0x02}); err == nil {
		t.Fatal("expected short ciphertext to be rejected")
	}
}

func TestDecryptRejectsWrongKeySize(t *testing.T) {
	t.Parallel()

	if _, err := token.Decrypt([]byte("short"), make([]byte, 32)); err == nil {
		t.Fatal("expected wrong key size to be rejected")
	}
}
