// Package id52 encodes and decodes the 52-character node identifiers used
// throughout the overlay: a base32 rendering (DNSSEC alphabet, no padding)
// of a 32-byte Ed25519 public key.
package id52

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

// Length is the fixed length of an id52 string.
const Length = 52

// dnssecEncoding is the base32 alphabet defined by RFC 5155, without padding.
var dnssecEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// Encode renders a 32-byte Ed25519 public key as a 52-character id52 string.
func Encode(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("id52: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	s := dnssecEncoding.EncodeToString(pub)
	if len(s) != Length {
		return "", fmt.Errorf("id52: encoded length %d, expected %d", len(s), Length)
	}
	return s, nil
}

// Decode parses an id52 string back into its 32-byte Ed25519 public key.
func Decode(s string) (ed25519.PublicKey, error) {
	if len(s) != Length {
		return nil, fmt.Errorf("id52: wrong length %d, expected %d", len(s), Length)
	}
	b, err := dnssecEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("id52: decode: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("id52: decoded length %d, expected %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// KeyPair holds a generated identity: its secret key and derived id52.
type KeyPair struct {
	ID52   string
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("id52: generate key: %w", err)
	}
	id, err := Encode(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{ID52: id, Public: pub, Secret: priv}, nil
}

// FromSecret rebuilds a KeyPair from a previously persisted 64-byte Ed25519
// secret key (the out-of-band persistence format itself is an external
// collaborator's concern, not the core's).
func FromSecret(secret ed25519.PrivateKey) (*KeyPair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("id52: secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	pub, ok := secret.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("id52: unexpected public key type")
	}
	id, err := Encode(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{ID52: id, Public: pub, Secret: secret}, nil
}

// Valid reports whether s is a syntactically well-formed id52: exactly 52
// characters drawn from the DNSSEC base32 alphabet.
func Valid(s string) bool {
	_, err := Decode(s)
	return err == nil
}
