// Package cryptobox provides the content-encryption capability consumed
// by the delivery bus.
//
// Session key establishment is an external concern; this package assumes
// a 32-byte symmetric key per session is already in place and seals
// payloads with nacl/secretbox (XSalsa20-Poly1305), prepending the
// random nonce to the ciphertext. Callers that bring their own scheme
// implement Encryptor and inject it instead.
package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	// ErrDecryptionFailed indicates the ciphertext failed authentication.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrCiphertextTooShort indicates a ciphertext smaller than a nonce.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Encryptor is the sealing capability. Implementations must be safe for
// concurrent use.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// SecretBox seals payloads with a per-session symmetric key.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox creates an Encryptor over the given session key.
func NewSecretBox(key [32]byte) *SecretBox {
	return &SecretBox{key: key}
}

// NewRandomSecretBox generates a fresh session key. Useful for tests and
// single-process setups; real sessions derive their key during session
// establishment.
func NewRandomSecretBox() (*SecretBox, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return NewSecretBox(key), nil
}

// Encrypt seals plaintext and returns nonce||ciphertext.
func (s *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Decrypt opens nonce||ciphertext produced by Encrypt.
func (s *SecretBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrCiphertextTooShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Plaintext is a no-op Encryptor for tests that assert on payload bytes.
type Plaintext struct{}

// Encrypt returns the input unchanged.
func (Plaintext) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }

// Decrypt returns the input unchanged.
func (Plaintext) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
