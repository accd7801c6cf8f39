package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256 over secret.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// SymKey derives the 32-byte channel key from an X25519 shared secret,
// with empty salt and info.
func SymKey(shared []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := HKDF(shared, nil, nil, key); err != nil {
		return nil, err
	}
	return key, nil
}
