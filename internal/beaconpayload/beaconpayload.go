// Package beaconpayload encodes and verifies the signed beacon payload:
// the bytes a session advertises by QR code, out-of-band beacon, or radio
// advertisement so a nearby phone can find and trust the channel a
// session just opened. The same encoding serves all three delivery
// mechanisms; the payload does not know or care how it got to the phone.
package beaconpayload

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned by Verify when the payload's signature
// does not match its public key.
var ErrInvalidSignature = errors.New("beaconpayload: invalid signature")

// wireFormat is the JSON shape signed and transmitted. Signature covers
// every other field, computed over their canonical JSON encoding with
// Signature itself held empty.
type wireFormat struct {
	ServiceName string `json:"service_name"`
	PublicKey   string `json:"public_key"`
	Address     string `json:"address"`
	Signature   string `json:"signature,omitempty"`
}

// Payload is the decoded, verified content of a beacon payload.
type Payload struct {
	ServiceName string
	PublicKey   ed25519.PublicKey
	Address     string
}

// Sign builds and signs a beacon payload advertising address under the
// given service display name and identity key. The returned bytes are
// what the QR renderer (out of scope here) would encode; BeaconEmitter
// pushes them to every target behind a 4-byte length prefix.
func Sign(priv ed25519.PrivateKey, serviceName, address string) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("beaconpayload: invalid ed25519 private key")
	}
	pub := priv.Public().(ed25519.PublicKey)

	unsigned := wireFormat{
		ServiceName: serviceName,
		PublicKey:   encodeKey(pub),
		Address:     address,
	}
	msg, err := canonicalize(unsigned)
	if err != nil {
		return nil, fmt.Errorf("beaconpayload: canonicalize: %w", err)
	}

	sig := ed25519.Sign(priv, msg)
	unsigned.Signature = encodeKey(sig)
	return json.Marshal(unsigned)
}

// Verify decodes raw and checks its signature, returning the payload's
// content if valid.
func Verify(raw []byte) (Payload, error) {
	var wf wireFormat
	if err := json.Unmarshal(raw, &wf); err != nil {
		return Payload{}, fmt.Errorf("beaconpayload: decode: %w", err)
	}

	pub, err := decodeKey(wf.PublicKey, ed25519.PublicKeySize)
	if err != nil {
		return Payload{}, fmt.Errorf("beaconpayload: public key: %w", err)
	}
	sig, err := decodeKey(wf.Signature, ed25519.SignatureSize)
	if err != nil {
		return Payload{}, fmt.Errorf("beaconpayload: signature: %w", err)
	}

	unsigned := wf
	unsigned.Signature = ""
	msg, err := canonicalize(unsigned)
	if err != nil {
		return Payload{}, fmt.Errorf("beaconpayload: canonicalize: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return Payload{}, ErrInvalidSignature
	}

	return Payload{
		ServiceName: wf.ServiceName,
		PublicKey:   ed25519.PublicKey(pub),
		Address:     wf.Address,
	}, nil
}

// canonicalize re-marshals wf so the signed message is stable regardless
// of struct field order; encoding/json already emits struct fields in
// declaration order, so this is just the marshal with Signature cleared.
func canonicalize(wf wireFormat) ([]byte, error) {
	return json.Marshal(wf)
}

func encodeKey(b []byte) string {
	return hex.EncodeToString(b)
}

func decodeKey(s string, wantLen int) ([]byte, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(decoded) != wantLen {
		return nil, fmt.Errorf("want %d bytes, got %d", wantLen, len(decoded))
	}
	return decoded, nil
}
