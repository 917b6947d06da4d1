package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// encryptionKey is the package-level AES-256 key used by Secret. It must be
// initialized once at startup via InitEncryption before any config file
// carrying secrets is read or written.
var encryptionKey []byte

// InitEncryption sets the AES-256 key used to protect secrets at rest in
// the global config file. key must be exactly 32 bytes.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("config: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

// Secret is a string that is AES-256-GCM encrypted before being written to
// the global config file and decrypted after being read. The stored form is
// base64(nonce + ciphertext); an empty Secret round-trips as the empty
// string without encryption.
type Secret string

// MarshalYAML implements yaml.Marshaler.
func (s Secret) MarshalYAML() (any, error) {
	if s == "" {
		return "", nil
	}
	enc, err := seal(string(s))
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Secret) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	dec, err := open(raw)
	if err != nil {
		return err
	}
	*s = Secret(dec)
	return nil
}

func seal(plaintext string) (string, error) {
	if encryptionKey == nil {
		return "", errors.New("config: encryption key not initialized, call config.InitEncryption first")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("config: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: failed to create GCM: %w", err)
	}
	// A unique nonce per encryption is critical for GCM; never reuse a nonce
	// with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("config: failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func open(encoded string) (string, error) {
	if encryptionKey == nil {
		return "", errors.New("config: encryption key not initialized, call config.InitEncryption first")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("config: invalid encrypted value: %w", err)
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("config: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: failed to create GCM: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("config: encrypted value too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("config: failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}
