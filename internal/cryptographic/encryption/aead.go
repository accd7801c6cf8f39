package encryption

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize = chacha20poly1305.KeySize
	IVSize  = chacha20poly1305.NonceSize
)

// NewIV returns a fresh random 12-byte nonce.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("rand.Read iv: %w", err)
	}
	return iv, nil
}

// ChaCha20-Poly1305 helper. key must be 32 bytes, iv 12 bytes.
// The nonce is carried by the caller's envelope, not prepended here.
func AEADEncrypt(key, iv, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.New: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

func AEADDecrypt(key, iv, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.New: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes", aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plain, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}
