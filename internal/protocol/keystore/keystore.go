// Package keystore owns the client's key material: X25519 key pairs, the
// symmetric keys of every topic, and the ed25519 identity behind the client
// id. Keys are persisted through storage under the keychain key.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"wc_sign/internal/cryptographic/dh"
	"wc_sign/internal/cryptographic/kdf"
	"wc_sign/internal/model"
	"wc_sign/internal/storage"
	"wc_sign/internal/utils/log"
)

const (
	StorageKey = "wc@2:core:0.3//keychain"

	clientSeedTag = "client_ed25519_seed"
)

var (
	ErrDecryption     = errors.New("keystore: decryption failed")
	ErrNotInitialized = errors.New("keystore: not initialized")
)

type KeyStore struct {
	storage storage.Storage
	logger  *zap.Logger

	mu          sync.RWMutex
	keychain    map[string]string
	initialized bool

	identityMu sync.Mutex
}

func New(s storage.Storage, logger *zap.Logger) *KeyStore {
	return &KeyStore{
		storage:  s,
		logger:   log.OrNop(logger).Named("keystore"),
		keychain: make(map[string]string),
	}
}

func (k *KeyStore) Init(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initialized {
		return nil
	}
	chain, err := storage.GetOr(ctx, k.storage, StorageKey, map[string]string{})
	if err != nil {
		return fmt.Errorf("keystore: restore keychain: %w", err)
	}
	k.keychain = chain
	k.initialized = true
	k.logger.Debug("keychain restored", zap.Int("entries", len(chain)))
	return nil
}

// GenerateKeyPair creates an X25519 key pair and returns its public key hex.
func (k *KeyStore) GenerateKeyPair(ctx context.Context) (string, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return "", err
	}
	pubHex := hex.EncodeToString(pub[:])
	if err := k.set(ctx, pubHex, hex.EncodeToString(priv[:])); err != nil {
		return "", err
	}
	return pubHex, nil
}

// GenerateSharedKey derives the symmetric key shared by selfPub's private key
// and peerPub and stores it under the resulting topic, or overrideTopic when
// given.
func (k *KeyStore) GenerateSharedKey(ctx context.Context, selfPub, peerPub, overrideTopic string) (string, error) {
	symKey, err := k.deriveSymKey(selfPub, peerPub)
	if err != nil {
		return "", err
	}
	return k.SetSymKey(ctx, hex.EncodeToString(symKey), overrideTopic)
}

func (k *KeyStore) deriveSymKey(selfPub, peerPub string) ([]byte, error) {
	privHex, err := k.get(selfPub)
	if err != nil {
		return nil, err
	}
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("keystore: private key of %s: %w", selfPub, err)
	}
	peer, err := hex.DecodeString(peerPub)
	if err != nil {
		return nil, fmt.Errorf("keystore: peer public key: %w", err)
	}
	shared, err := dh.X25519SharedSecret(priv, peer)
	if err != nil {
		return nil, err
	}
	return kdf.SymKey(shared)
}

// SetSymKey stores symKey for its topic, sha256(symKey), unless overrideTopic
// is set.
func (k *KeyStore) SetSymKey(ctx context.Context, symKey, overrideTopic string) (string, error) {
	raw, err := hex.DecodeString(symKey)
	if err != nil || len(raw) != 32 {
		return "", model.ErrorFromType(model.MissingOrInvalid, "symKey")
	}
	topic := overrideTopic
	if topic == "" {
		topic = HashBytes(raw)
	}
	if err := k.set(ctx, topic, symKey); err != nil {
		return "", err
	}
	return topic, nil
}

func (k *KeyStore) HasKeys(tag string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keychain[tag]
	return ok
}

// SymKey returns the hex symmetric key of topic.
func (k *KeyStore) SymKey(topic string) (string, error) {
	return k.get(topic)
}

func (k *KeyStore) DeleteKeyPair(ctx context.Context, pub string) error {
	return k.del(ctx, pub)
}

func (k *KeyStore) DeleteSymKey(ctx context.Context, topic string) error {
	return k.del(ctx, topic)
}

func (k *KeyStore) get(tag string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.initialized {
		return "", ErrNotInitialized
	}
	v, ok := k.keychain[tag]
	if !ok {
		return "", model.ErrorFromType(model.NoMatchingKey, "keychain: "+tag)
	}
	return v, nil
}

// set and del write the whole keychain before changing the in-memory copy.
func (k *KeyStore) set(ctx context.Context, tag, value string) error {
	return k.mutate(ctx, func(next map[string]string) { next[tag] = value })
}

func (k *KeyStore) del(ctx context.Context, tag string) error {
	return k.mutate(ctx, func(next map[string]string) { delete(next, tag) })
}

func (k *KeyStore) mutate(ctx context.Context, change func(map[string]string)) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.initialized {
		return ErrNotInitialized
	}
	next := make(map[string]string, len(k.keychain)+1)
	for t, v := range k.keychain {
		next[t] = v
	}
	change(next)
	if err := storage.Set(ctx, k.storage, StorageKey, next); err != nil {
		return fmt.Errorf("keystore: persist keychain: %w", err)
	}
	k.keychain = next
	return nil
}

// HashKey returns hex(sha256(key)) of a hex encoded key.
func HashKey(key string) (string, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return "", err
	}
	return HashBytes(raw), nil
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func HashMessage(message string) string {
	return HashBytes([]byte(message))
}

// GenerateRandomBytes32 returns 32 random bytes as hex.
func GenerateRandomBytes32() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("keystore: entropy: %w", err))
	}
	return hex.EncodeToString(b[:])
}
