// Package configstore wraps internal/store's EmailConfigRepository with
// secret-at-rest encryption, following spec.md §6's versioned-ciphertext
// scheme. The teacher never encrypts stored secrets (its only use of
// golang.org/x/crypto is bcrypt for login passwords in
// internal/services/auth.go); AES-GCM+scrypt is adopted here because the
// IMAP password/OAuth2 tokens this package stores must be recoverable
// plaintext, unlike a login password hash.
package configstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	encPrefix    = "enc1:"
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// cipherSuite derives a fresh AES-256-GCM key per ciphertext from the
// passphrase and a random salt, so every encrypted value carries its own
// salt instead of sharing one key across the whole table.
type cipherSuite struct {
	passphrase string
}

func newCipherSuite(passphrase string) *cipherSuite {
	return &cipherSuite{passphrase: passphrase}
}

// Encrypt returns "enc1:<base64(salt || nonce || ciphertext)>".
func (c *cipherSuite) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(c.passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload := append(append(salt, nonce...), ciphertext...)
	return encPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

var ErrNotCiphertext = errors.New("configstore: value is not enc1 ciphertext")

// Decrypt reverses Encrypt. It returns ErrNotCiphertext for values that
// lack the enc1 prefix so callers can fall back to legacy-plaintext
// handling (see DecryptOrPlaintext).
func (c *cipherSuite) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, encPrefix) {
		return "", ErrNotCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < saltLen {
		return "", errors.New("ciphertext too short")
	}
	salt, rest := raw[:saltLen], raw[saltLen:]

	key, err := scrypt.Key([]byte(c.passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonceLen := gcm.NonceSize()
	if len(rest) < nonceLen {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := rest[:nonceLen], rest[nonceLen:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// DecryptOrPlaintext accepts legacy plaintext rows written before this
// scheme existed: if stored isn't enc1 ciphertext, it is returned as-is and
// needsReencrypt is true so the caller re-writes it encrypted.
func (c *cipherSuite) DecryptOrPlaintext(stored string) (value string, needsReencrypt bool, err error) {
	if stored == "" {
		return "", false, nil
	}
	v, err := c.Decrypt(stored)
	if err == nil {
		return v, false, nil
	}
	if errors.Is(err, ErrNotCiphertext) {
		return stored, true, nil
	}
	return "", false, err
}
