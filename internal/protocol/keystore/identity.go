package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wc_sign/internal/cryptographic/basex"
	"wc_sign/internal/cryptographic/signature"
)

const (
	didKeyPrefix = "did:key:"
	// multicodec varint of ed25519-pub
	ed25519Multicodec0 = 0xed
	ed25519Multicodec1 = 0x01

	JWTTTL = 24 * time.Hour
)

// GetClientID returns the did:key of the client's ed25519 identity, creating
// the identity on first use.
func (k *KeyStore) GetClientID(ctx context.Context) (string, error) {
	pub, _, err := k.identity(ctx)
	if err != nil {
		return "", err
	}
	return EncodeDIDKey(pub), nil
}

// SignJWT issues the relay auth token for aud, signed with the identity key.
func (k *KeyStore) SignJWT(ctx context.Context, aud string) (string, error) {
	pub, priv, err := k.identity(ctx)
	if err != nil {
		return "", err
	}
	sub := make([]byte, 32)
	if _, err := rand.Read(sub); err != nil {
		return "", err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": EncodeDIDKey(pub),
		"sub": hex.EncodeToString(sub),
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(JWTTTL).Unix(),
	})
	return token.SignedString(ed25519.PrivateKey(priv))
}

func (k *KeyStore) identity(ctx context.Context) (pub, priv []byte, err error) {
	k.identityMu.Lock()
	defer k.identityMu.Unlock()

	if !k.HasKeys(clientSeedTag) {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, nil, err
		}
		if err := k.set(ctx, clientSeedTag, hex.EncodeToString(seed)); err != nil {
			return nil, nil, err
		}
	}
	seedHex, err := k.get(clientSeedTag)
	if err != nil {
		return nil, nil, err
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("keystore: corrupt identity seed")
	}
	pub, priv = signature.Ed25519KeypairFromSeed(seed)
	return pub, priv, nil
}

// EncodeDIDKey renders an ed25519 public key as did:key:z<base58btc>.
func EncodeDIDKey(pub []byte) string {
	b := make([]byte, 0, 2+len(pub))
	b = append(b, ed25519Multicodec0, ed25519Multicodec1)
	b = append(b, pub...)
	return didKeyPrefix + "z" + basex.Base58BTC.Encode(b)
}

// DecodeDIDKey is the inverse of EncodeDIDKey.
func DecodeDIDKey(did string) ([]byte, error) {
	if len(did) < len(didKeyPrefix)+1 || did[:len(didKeyPrefix)] != didKeyPrefix || did[len(didKeyPrefix)] != 'z' {
		return nil, fmt.Errorf("keystore: not a base58 did:key: %q", did)
	}
	b, err := basex.Base58BTC.Decode(did[len(didKeyPrefix)+1:])
	if err != nil {
		return nil, err
	}
	if len(b) != 2+ed25519.PublicKeySize || b[0] != ed25519Multicodec0 || b[1] != ed25519Multicodec1 {
		return nil, fmt.Errorf("keystore: did:key is not ed25519")
	}
	return b[2:], nil
}
