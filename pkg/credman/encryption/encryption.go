// Package encryption seals vault entries with AES-256-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// gcmPrefix versions the sealed format.
const gcmPrefix = "gcm1"

// KeySize is the required key length in bytes.
const KeySize = 32

var (
	ErrKeySize             = fmt.Errorf("encryption key must be %d bytes", KeySize)
	ErrCiphertextTooShort  = errors.New("ciphertext too short")
	ErrUnsupportedEncoding = errors.New("unsupported ciphertext format")
)

var randReader io.Reader = rand.Reader

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and binds it to aad, which must be passed again
// to Open. The output is "gcm1" || nonce || ciphertext.
func Seal(plaintext, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(gcmPrefix)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, gcmPrefix...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func Open(sealed, key, aad []byte) ([]byte, error) {
	if len(sealed) < len(gcmPrefix) || string(sealed[:len(gcmPrefix)]) != gcmPrefix {
		return nil, ErrUnsupportedEncoding
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < len(gcmPrefix)+nonceSize+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce := sealed[len(gcmPrefix) : len(gcmPrefix)+nonceSize]
	return gcm.Open(nil, nonce, sealed[len(gcmPrefix)+nonceSize:], aad)
}
