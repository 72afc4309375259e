package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealKeyFile = "seal.key"
	sealSeedLen = 32
	sealPrefix  = "v1:"
)

// ErrSealed is returned when a sealed value cannot be opened.
var ErrSealed = errors.New("sealed value is invalid or was sealed with another key")

// Sealer encrypts short secrets (the device token) before they are
// written to the state store.
type Sealer struct {
	aead cipher.AEAD
}

// LoadOrCreateSealer loads the sealing seed from dataDir or generates one.
func LoadOrCreateSealer(dataDir string) (*Sealer, error) {
	keyPath := filepath.Join(dataDir, sealKeyFile)
	if fileExists(keyPath) {
		return loadSealKey(keyPath)
	}
	return generateSealKey(keyPath)
}

// NewSealer derives a Sealer from seed.
func NewSealer(seed []byte) (*Sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha512.New, seed, []byte("kiosk-seal-v1"), []byte("device-token"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext into a printable, versioned string.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealPrefix) {
		return "", ErrSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrSealed
	}

	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrSealed
	}
	return string(pt), nil
}

func loadSealKey(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "KIOSK SEAL SEED" {
		return nil, fmt.Errorf("invalid seal key file")
	}
	if len(block.Bytes) != sealSeedLen {
		return nil, fmt.Errorf("invalid seal key size")
	}

	return NewSealer(block.Bytes)
}

func generateSealKey(path string) (*Sealer, error) {
	seed := make([]byte, sealSeedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	if err := pem.Encode(f, &pem.Block{Type: "KIOSK SEAL SEED", Bytes: seed}); err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	_ = f.Close()

	return NewSealer(seed)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
