package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/model"
	"wc_sign/internal/storage"
)

func newKeyStore(t *testing.T, s storage.Storage) *KeyStore {
	t.Helper()
	if s == nil {
		s = storage.NewMemoryStorage()
	}
	k := New(s, nil)
	require.NoError(t, k.Init(context.Background()))
	return k
}

// pair returns two keystores sharing a topic derived by key agreement.
func pair(t *testing.T) (a, b *KeyStore, topic string) {
	ctx := context.Background()
	a, b = newKeyStore(t, nil), newKeyStore(t, nil)

	pubA, err := a.GenerateKeyPair(ctx)
	require.NoError(t, err)
	pubB, err := b.GenerateKeyPair(ctx)
	require.NoError(t, err)

	topicA, err := a.GenerateSharedKey(ctx, pubA, pubB, "")
	require.NoError(t, err)
	topicB, err := b.GenerateSharedKey(ctx, pubB, pubA, "")
	require.NoError(t, err)
	require.Equal(t, topicA, topicB)
	return a, b, topicA
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a, b, topic := pair(t)
	for _, msg := range []string{"", "hello", strings.Repeat("x", 4096)} {
		env, err := a.Encode(topic, []byte(msg), nil)
		require.NoError(t, err)

		plain, err := b.Decode(topic, env, nil)
		require.NoError(t, err)
		assert.Equal(t, msg, string(plain))
	}
}

func TestDecodeTampered(t *testing.T) {
	a, b, topic := pair(t)
	env, err := a.Encode(topic, []byte(`{"id":1}`), nil)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = b.Decode(topic, base64.StdEncoding.EncodeToString(raw), nil)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecodeWrongTopicKey(t *testing.T) {
	ctx := context.Background()
	a, b, topic := pair(t)
	env, err := a.Encode(topic, []byte("secret"), nil)
	require.NoError(t, err)

	// b knows another key under the same topic name
	_, err = b.SetSymKey(ctx, GenerateRandomBytes32(), topic)
	require.NoError(t, err)
	_, err = b.Decode(topic, env, nil)
	assert.ErrorIs(t, err, ErrDecryption)

	// and nothing at all for an unknown topic
	_, err = b.Decode("unknown", env, nil)
	assert.Equal(t, model.NoMatchingKey, model.AsError(err).Type())
}

func TestType1Envelope(t *testing.T) {
	ctx := context.Background()
	requester, wallet := newKeyStore(t, nil), newKeyStore(t, nil)

	requesterPub, err := requester.GenerateKeyPair(ctx)
	require.NoError(t, err)
	walletPub, err := wallet.GenerateKeyPair(ctx)
	require.NoError(t, err)

	responseTopic, err := HashKey(requesterPub)
	require.NoError(t, err)

	env, err := wallet.Encode(responseTopic, []byte("cacaos"), &EncodeOptions{
		Type:              Type1,
		SenderPublicKey:   walletPub,
		ReceiverPublicKey: requesterPub,
	})
	require.NoError(t, err)

	typ, err := EnvelopeType(env)
	require.NoError(t, err)
	assert.Equal(t, Type1, typ)
	sender, err := SenderPublicKey(env)
	require.NoError(t, err)
	assert.Equal(t, walletPub, sender)

	plain, err := requester.Decode(responseTopic, env, &DecodeOptions{ReceiverPublicKey: requesterPub})
	require.NoError(t, err)
	assert.Equal(t, "cacaos", string(plain))

	_, err = requester.Decode(responseTopic, env, nil)
	assert.Error(t, err)
}

func TestKeychainPersists(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	k := newKeyStore(t, s)

	topic, err := k.SetSymKey(ctx, GenerateRandomBytes32(), "")
	require.NoError(t, err)
	id, err := k.GetClientID(ctx)
	require.NoError(t, err)

	restored := newKeyStore(t, s)
	assert.True(t, restored.HasKeys(topic))
	id2, err := restored.GetClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	require.NoError(t, restored.DeleteSymKey(ctx, topic))
	assert.False(t, newKeyStore(t, s).HasKeys(topic))
}

func TestSetSymKeyTopicIsHash(t *testing.T) {
	k := newKeyStore(t, nil)
	sym := GenerateRandomBytes32()
	topic, err := k.SetSymKey(context.Background(), sym, "")
	require.NoError(t, err)
	want, err := HashKey(sym)
	require.NoError(t, err)
	assert.Equal(t, want, topic)

	_, err = k.SetSymKey(context.Background(), "zz", "")
	assert.Error(t, err)
}

func TestClientIDAndJWT(t *testing.T) {
	ctx := context.Background()
	k := newKeyStore(t, nil)

	id, err := k.GetClientID(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "did:key:z6Mk"), id)

	pub, err := DecodeDIDKey(id)
	require.NoError(t, err)

	signed, err := k.SignJWT(ctx, "wss://relay.example")
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return ed25519.PublicKey(pub), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, id, claims["iss"])
	assert.Equal(t, "wss://relay.example", claims["aud"])
	assert.Equal(t, "JWT", parsed.Header["typ"])
}
