package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey recomputes the public half of priv.
func PublicKey(priv []byte) ([32]byte, error) {
	var pub [32]byte
	if len(priv) != curve25519.ScalarSize {
		return pub, fmt.Errorf("x25519 private key must be %d bytes, got %d", curve25519.ScalarSize, len(priv))
	}
	out, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

// Perform X25519 scalar multiplication: priv * pub.
// Low order points are rejected by curve25519.X25519.
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize || len(pub) != curve25519.PointSize {
		return nil, fmt.Errorf("x25519: invalid key length")
	}
	return curve25519.X25519(priv, pub)
}
