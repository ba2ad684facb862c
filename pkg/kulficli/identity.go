package kulficli

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/kulfi-go/kulfi/internal/id52"
)

// defaultIdentityFile mirrors malai's ".malai.secret-key" convention, named
// for this project instead.
const defaultIdentityFile = ".kulfi.id52"

// saveIdentity writes kp's raw 64-byte Ed25519 secret key to path.
func saveIdentity(path string, kp *id52.KeyPair) error {
	if err := os.WriteFile(path, kp.Secret, 0o600); err != nil {
		return fmt.Errorf("kulficli: write identity file %s: %w", path, err)
	}
	return nil
}

// loadIdentity reads a previously saved identity file, or generates and
// persists a fresh one if none exists yet — mirroring
// kulfi_utils::read_or_create_key's "create on first run" behavior.
func loadIdentity(path string) (*id52.KeyPair, error) {
	if path == "" {
		path = defaultIdentityFile
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("kulficli: read identity file %s: %w", path, err)
		}
		kp, genErr := id52.Generate()
		if genErr != nil {
			return nil, genErr
		}
		if err := saveIdentity(path, kp); err != nil {
			return nil, err
		}
		return kp, nil
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("kulficli: identity file %s has wrong length %d, expected %d", path, len(raw), ed25519.PrivateKeySize)
	}
	return id52.FromSecret(ed25519.PrivateKey(raw))
}
