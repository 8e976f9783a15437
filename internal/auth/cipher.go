// Package auth holds the secret-handling primitives of the backend: an
// AES-256-GCM cipher that protects organization external provider keys at
// rest. Values are sealed with a random nonce and marked with a prefix so
// plaintext rows written before encryption was enabled keep working.
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// sealedPrefix marks values produced by Encrypt. Anything without it is
// treated as plaintext on read.
const sealedPrefix = "gcm:"

// Cipher seals and opens short secrets. A nil *Cipher passes values through
// unchanged, so callers never branch on whether encryption is configured.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a hex-encoded 32-byte key. An empty key
// returns a nil cipher, meaning secrets are stored as given.
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("auth: encryption key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("auth: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("auth: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("auth: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext as "gcm:" + base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("auth: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Values without the sealed prefix pass
// through unchanged.
func (c *Cipher) Decrypt(value string) (string, error) {
	rest, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	if c == nil {
		return "", fmt.Errorf("auth: value is encrypted but no encryption key is configured")
	}
	data, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return "", fmt.Errorf("auth: decode sealed value: %w", err)
	}
	if len(data) < c.aead.NonceSize() {
		return "", fmt.Errorf("auth: sealed value too short")
	}
	nonce, ct := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("auth: open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// EncryptKeys seals every value of an external-key map for storage.
func (c *Cipher) EncryptKeys(keys map[string]string) (map[string]string, error) {
	if c == nil || len(keys) == 0 {
		return keys, nil
	}
	out := make(map[string]string, len(keys))
	for provider, key := range keys {
		sealed, err := c.Encrypt(key)
		if err != nil {
			return nil, err
		}
		out[provider] = sealed
	}
	return out, nil
}

// DecryptKeys opens every value of a stored external-key map. A value that
// cannot be opened (key rotated away) is dropped rather than handed to a
// provider as garbage.
func (c *Cipher) DecryptKeys(keys map[string]string) map[string]string {
	if len(keys) == 0 {
		return keys
	}
	out := make(map[string]string, len(keys))
	for provider, key := range keys {
		plain, err := c.Decrypt(key)
		if err != nil {
			log.Warn().Str("provider", provider).Err(err).Msg("Auth: dropping undecryptable external key")
			continue
		}
		out[provider] = plain
	}
	return out
}
