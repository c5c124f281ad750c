package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyCipherInfo = "authd signing key encryption v1"

// MinMasterSecretLength is the shortest accepted master secret.
const MinMasterSecretLength = 32

// KeyCipher seals private signing keys with a key derived from the master
// secret. The master secret never touches the database.
type KeyCipher struct {
	key []byte
}

// NewKeyCipher derives the sealing key from secret.
func NewKeyCipher(secret []byte) (*KeyCipher, error) {
	if len(secret) < MinMasterSecretLength {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", ErrInvalidInput, MinMasterSecretLength)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyCipherInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &KeyCipher{key: key}, nil
}

// Seal encrypts plaintext; the output is nonce || ciphertext. aad binds the
// ciphertext to its key id.
func (c *KeyCipher) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (c *KeyCipher) Open(sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed key too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return plaintext, nil
}
