// Package vault encrypts OAuth secrets before they are persisted anywhere.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const keySize = 32

var (
	// ErrInvalidFormat indicates the ciphertext does not have the expected
	// nonce:tag:ciphertext framing.
	ErrInvalidFormat = errors.New("vault: invalid ciphertext format")
	// ErrAuthenticationFailed indicates the integrity tag did not verify,
	// either because the payload was tampered with or the key is wrong.
	ErrAuthenticationFailed = errors.New("vault: authentication failed")
)

// Vault performs AES-256-GCM encryption with a fresh random nonce per call.
// The output self-describes its framing as nonce:tag:ciphertext, each segment
// hex encoded, so decryption never depends on external state.
type Vault struct {
	aead cipher.AEAD
}

// New constructs a Vault. The key must be exactly 32 bytes.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh nonce. Encrypting the same plaintext
// twice yields different ciphertexts.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: read nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - v.aead.Overhead()
	body, tag := sealed[:tagStart], sealed[tagStart:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

// Decrypt recovers the plaintext. It returns ErrInvalidFormat for structurally
// malformed input and ErrAuthenticationFailed when the tag check fails; it
// never returns unauthenticated plaintext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", ErrInvalidFormat, len(parts))
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: nonce segment: %v", ErrInvalidFormat, err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: tag segment: %v", ErrInvalidFormat, err)
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext segment: %v", ErrInvalidFormat, err)
	}
	if len(nonce) != v.aead.NonceSize() || len(tag) != v.aead.Overhead() {
		return "", fmt.Errorf("%w: wrong segment length", ErrInvalidFormat)
	}
	plain, err := v.aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plain), nil
}
