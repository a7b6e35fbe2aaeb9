// Package secret encrypts provider credentials at rest with AES-GCM under a
// key derived once from the service master secret.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Fixed application salt: the cipher protects stored secrets against a
// storage leak, not records against each other.
var keySalt = []byte("openclip-auth/secret-cipher/v1")

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keySize = 32
)

var ErrDecryption = errors.New("decryption failed (wrong key or tampered data)")

type Cipher struct {
	aead cipher.AEAD
}

func New(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}

	key, err := scrypt.Key([]byte(masterSecret), keySalt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive cipher key: %w", err)
	}

	return newWithKey(key)
}

func newWithKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt returns ErrDecryption for anything it cannot authenticate.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryption
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", ErrDecryption
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}

	return string(plaintext), nil
}
