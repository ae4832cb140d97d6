package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zerozero/octolab/pkg/logger"
)

// KeyFilePermission is the only mode a signing key file may have
const KeyFilePermission = 0o600

// FileSigner signs evidence packages with an ed25519 key kept on disk
type FileSigner struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// LoadOrCreateFileSigner loads the seed at path, generating one when the
// file does not exist yet.
func LoadOrCreateFileSigner(path string, log logger.Logger) (*FileSigner, error) {
	seed, err := loadSeed(path)
	if os.IsNotExist(err) {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		if err := saveSeed(path, seed); err != nil {
			return nil, err
		}
		log.Info("Generated evidence signing key", logger.String("path", path))
	} else if err != nil {
		return nil, err
	}
	return NewFileSigner(seed)
}

// NewFileSigner builds a signer from a raw ed25519 seed
func NewFileSigner(seed []byte) (*FileSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid signing key size: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &FileSigner{priv: priv, pub: pub, keyID: hex.EncodeToString(sum[:8])}, nil
}

// Sign signs digest
func (s *FileSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, digest), nil
}

// Verify checks sig against digest
func (s *FileSigner) Verify(digest, sig []byte) bool {
	return ed25519.Verify(s.pub, digest, sig)
}

// KeyID is a short fingerprint of the public key
func (s *FileSigner) KeyID() string { return s.keyID }

// Algorithm names the signature scheme
func (s *FileSigner) Algorithm() string { return "ed25519" }

// PublicKey returns the verification key
func (s *FileSigner) PublicKey() ed25519.PublicKey { return s.pub }

func loadSeed(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm != KeyFilePermission {
		return nil, fmt.Errorf("signing key %s has insecure permissions %o (expected %o)", path, perm, KeyFilePermission)
	}
	return os.ReadFile(path)
}

func saveSeed(path string, seed []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, seed, KeyFilePermission); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	return nil
}
