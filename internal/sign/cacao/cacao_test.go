package cacao

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/model"
)

func TestFormatMessage(t *testing.T) {
	msg, err := FormatMessage(model.CacaoPayload{
		Domain:    "app.example",
		Iss:       "did:pkh:eip155:1:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Aud:       "https://app.example/login",
		Version:   "1",
		Nonce:     "32891756",
		Iat:       "2021-09-30T16:25:24Z",
		Statement: "Sign in to the app.",
		Resources: []string{"ipfs://bafybeiemxf5abjwjbikoz4mc3a3dla6ual3jsgpdr4cjr3oz3evfyavhwq/"},
	})
	require.NoError(t, err)
	assert.Equal(t, `app.example wants you to sign in with your Ethereum account:
0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed

Sign in to the app.

URI: https://app.example/login
Version: 1
Chain ID: 1
Nonce: 32891756
Issued At: 2021-09-30T16:25:24Z
Resources:
- ipfs://bafybeiemxf5abjwjbikoz4mc3a3dla6ual3jsgpdr4cjr3oz3evfyavhwq/`, msg)

	_, err = FormatMessage(model.CacaoPayload{Iss: "did:key:z6Mk"})
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestFormatMessageWithoutStatement(t *testing.T) {
	msg, err := FormatMessage(model.CacaoPayload{
		Domain:  "d",
		Iss:     "did:pkh:eip155:137:0xabc",
		Aud:     "u",
		Version: "1",
		Nonce:   "n",
		Iat:     "i",
		Exp:     "e",
	})
	require.NoError(t, err)
	assert.Equal(t, "d wants you to sign in with your Ethereum account:\n0xabc\n\nURI: u\nVersion: 1\nChain ID: 137\nNonce: n\nIssued At: i\nExpiration Time: e", msg)
}

func signedCacao(t *testing.T) model.Cacao {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	urn, err := EncodeReCap(NewRequestReCap("eip155", []string{"personal_sign"}, []string{"eip155:1"}))
	require.NoError(t, err)

	c, err := Sign(model.CacaoPayload{
		Domain:    "app.example",
		Iss:       model.IssuerDID("eip155:1", Address(key)),
		Aud:       "https://app.example",
		Version:   "1",
		Nonce:     "abc",
		Iat:       "2024-01-01T00:00:00Z",
		Resources: []string{urn},
	}, key)
	require.NoError(t, err)
	return c
}

func TestSignVerify(t *testing.T) {
	c := signedCacao(t)
	require.NoError(t, Verify(c))

	tampered := c
	tampered.P.Nonce = "other"
	assert.ErrorIs(t, Verify(tampered), ErrInvalidSignature)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	impostor := c
	impostor.P.Iss = model.IssuerDID("eip155:1", Address(other))
	assert.ErrorIs(t, Verify(impostor), ErrInvalidSignature)

	garbage := c
	garbage.S.S = "0x1234"
	assert.ErrorIs(t, Verify(garbage), ErrInvalidSignature)

	eip1271 := c
	eip1271.S.T = "eip1271"
	assert.ErrorIs(t, Verify(eip1271), ErrUnsupportedSignature)
}

func TestReCap(t *testing.T) {
	r := NewRequestReCap("eip155", []string{"personal_sign", "eth_sendTransaction"}, []string{"eip155:1", "eip155:10"})
	urn, err := EncodeReCap(r)
	require.NoError(t, err)
	assert.Contains(t, urn, "urn:recap:")

	decoded, err := DecodeReCap(urn)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth_sendTransaction", "personal_sign"}, decoded.Methods())
	assert.Equal(t, []string{"eip155:1", "eip155:10"}, decoded.Chains())

	assert.Equal(t,
		"Hi. I further authorize the stated URI to perform the following actions on my behalf: (1) 'request': 'eth_sendTransaction', 'personal_sign' for 'eip155'.",
		decoded.FormatStatement("Hi."))

	found, ok := FindReCap(WithReCap([]string{"https://x", "urn:recap:old"}, urn))
	require.True(t, ok)
	assert.Equal(t, urn, found)

	_, err = DecodeReCap("urn:recap:!!!")
	assert.Error(t, err)
	_, err = DecodeReCap("https://x")
	assert.Error(t, err)
}

func TestVerifyRequest(t *testing.T) {
	c := signedCacao(t)
	req := model.AuthPayloadParams{
		Chains: []string{"eip155:1", "eip155:10"},
		Domain: "app.example",
		Nonce:  "abc",
		Aud:    "https://app.example",
	}
	require.NoError(t, VerifyRequest(c, req))

	other := req
	other.Chains = []string{"eip155:10"}
	assert.ErrorIs(t, VerifyRequest(c, other), ErrPayloadMismatch)

	other = req
	other.Nonce = "replayed"
	assert.ErrorIs(t, VerifyRequest(c, other), ErrPayloadMismatch)

	other = req
	other.Domain = "evil.example"
	assert.ErrorIs(t, VerifyRequest(c, other), ErrPayloadMismatch)

	tampered := c
	tampered.P.Statement = "changed"
	assert.ErrorIs(t, VerifyRequest(tampered, req), ErrInvalidSignature)
}
