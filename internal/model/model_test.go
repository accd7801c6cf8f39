package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFromType(t *testing.T) {
	e := ErrorFromType(DisapprovedChains, "eip155:1")
	assert.EqualValues(t, 5000, e.Code)
	assert.Equal(t, "User disapproved requested chains. eip155:1", e.Message)

	e = ErrorFromType(UserDisconnected, "")
	assert.Equal(t, "User disconnected.", e.Message)

	wrapped := fmt.Errorf("approve: %w", e)
	assert.True(t, errors.Is(wrapped, ErrorFromType(UserDisconnected, "other")))
	assert.Equal(t, UserDisconnected, AsError(wrapped).Type())
	assert.Equal(t, Generic, AsError(errors.New("boom")).Type())
}

func TestPayloadIDIncreasing(t *testing.T) {
	prev := PayloadID()
	for i := 0; i < 1000; i++ {
		id := PayloadID()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestPayloadClassify(t *testing.T) {
	req, err := NewRequest(SessionPing.Name, SessionPingParams{})
	require.NoError(t, err)
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	p, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.True(t, p.IsRequest())
	assert.False(t, p.IsResponse())

	res, err := NewResult(req.ID, true)
	require.NoError(t, err)
	raw, err = json.Marshal(res)
	require.NoError(t, err)
	p, err = DecodePayload(raw)
	require.NoError(t, err)
	assert.True(t, p.IsResponse())

	resp := p.Response()
	var ok bool
	require.NoError(t, resp.DecodeResult(&ok))
	assert.True(t, ok)

	errResp := NewErrorResponse(req.ID, ErrorFromType(SessionNotFound, ""))
	assert.Error(t, errResp.DecodeResult(&ok))
}

type transferParams struct {
	To    string
	Value string
}

func (p transferParams) Positional() []any { return []any{p.To, p.Value} }

func TestEncodeParams(t *testing.T) {
	RegisterMethod(Method{Name: "eth_sendTransaction", Encoding: PositionalParams})

	raw, err := EncodeParams("eth_sendTransaction", transferParams{To: "0x1", Value: "0x2"})
	require.NoError(t, err)
	assert.JSONEq(t, `["0x1","0x2"]`, string(raw))

	_, err = EncodeParams("eth_sendTransaction", map[string]string{"to": "0x1"})
	assert.Error(t, err)

	raw, err = EncodeParams(SessionUpdate.Name, SessionUpdateParams{Namespaces: Namespaces{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"namespaces":{}}`, string(raw))

	raw, err = EncodeParams(SessionPing.Name, nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}

func TestMethodResponseOptions(t *testing.T) {
	assert.EqualValues(t, 1101, SessionPropose.ResponseOptions(false).Tag)
	assert.EqualValues(t, 1120, SessionPropose.ResponseOptions(true).Tag)
	assert.EqualValues(t, 1109, SessionRequest.ResponseOptions(true).Tag)

	m, ok := LookupMethod("wc_sessionAuthenticate")
	require.True(t, ok)
	assert.Equal(t, OneDay, m.Request.TTL)
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget(IDTarget(42))
	require.NoError(t, err)
	require.NotNil(t, tgt.ID)
	assert.EqualValues(t, 42, *tgt.ID)

	tgt, err = ParseTarget(TopicTarget("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", tgt.Topic)
	assert.Nil(t, tgt.ID)

	_, err = ParseTarget("nope")
	assert.Error(t, err)
	_, err = ParseTarget("id:xyz")
	assert.Error(t, err)
}

func TestNamespacesFromAuth(t *testing.T) {
	ns := NamespacesFromAuth(
		[]string{"personal_sign"},
		[]string{"eip155:1:0xabc", "eip155:137:0xabc", "bad"},
	)
	require.Len(t, ns, 1)
	eip := ns["eip155"]
	assert.Equal(t, []string{"eip155:1", "eip155:137"}, eip.Chains)
	assert.Equal(t, []string{"personal_sign"}, eip.Methods)
	assert.Len(t, eip.Accounts, 2)
	assert.Equal(t, []string{"eip155:1", "eip155:137"}, eip.AllChains())
}

func TestParseIssuerDID(t *testing.T) {
	chain, addr, ok := ParseIssuerDID("did:pkh:eip155:1:0xabc")
	require.True(t, ok)
	assert.Equal(t, "eip155:1", chain)
	assert.Equal(t, "0xabc", addr)

	_, _, ok = ParseIssuerDID("did:key:z6Mk")
	assert.False(t, ok)
}
