// Package crypto provides authenticated symmetric encryption of short strings
// with AES-256-GCM. Tokens have the form hex(iv):hex(tag):hex(ciphertext).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
	hkdfLabel = "solves/crypto/aes-256-gcm"
)

// ErrDecrypt is returned for malformed, tampered or foreign tokens.
var ErrDecrypt = stdErrors.New("crypto: decrypt failed")

// Crypto encrypts and decrypts values with a key derived from a secret.
type Crypto struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives an AES-256 key from secret and returns a ready Crypto.
func New(secret string) (*Crypto, error) {
	if secret == "" {
		return nil, solveserrors.Invalid("secret", "must not be empty")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfLabel)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Crypto{aead: aead, rand: rand.Reader}, nil
}

// Encode encrypts plain. Every call uses a fresh IV so equal inputs yield
// different tokens.
func (c *Crypto) Encode(plain string) (string, error) {
	return c.EncodeBytes([]byte(plain))
}

// EncodeBytes is Encode for raw payloads.
func (c *Crypto) EncodeBytes(plain []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, plain, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decode reverses Encode. It never returns partial plaintext.
func (c *Crypto) Decode(token string) (string, error) {
	b, err := c.DecodeBytes(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeBytes is Decode for raw payloads.
func (c *Crypto) DecodeBytes(token string) ([]byte, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return nil, ErrDecrypt
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, ErrDecrypt
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, ErrDecrypt
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrDecrypt
	}
	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
