package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// EnvCipher seals sensitive environment variable values before they reach
// the ledger. Values are encrypted with AES-256-GCM and stored base64
// encoded; the nonce is prepended to the ciphertext.
type EnvCipher struct {
	key []byte // 32 bytes for AES-256
}

// NewEnvCipher creates an EnvCipher with the given key.
// The key must be 32 bytes for AES-256-GCM.
func NewEnvCipher(key []byte) (*EnvCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &EnvCipher{key: key}, nil
}

// NewEnvCipherFromSecret creates an EnvCipher from a server secret string.
// The secret is hashed with SHA-256 to derive the encryption key.
func NewEnvCipherFromSecret(secret string) (*EnvCipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("server secret cannot be empty")
	}
	hash := sha256.Sum256([]byte(secret))
	return NewEnvCipher(hash[:])
}

// Seal encrypts a plaintext env value and returns it base64 encoded.
func (c *EnvCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		// Empty values are legal env values and round-trip as empty.
		return "", nil
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *EnvCipher) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("invalid sealed value: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("sealed value too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

func (c *EnvCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
