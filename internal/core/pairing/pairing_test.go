package pairing

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/core"
	"wc_sign/internal/core/store"
	"wc_sign/internal/model"
	"wc_sign/internal/service/server"
)

func TestURIRoundTrip(t *testing.T) {
	exp := int64(1700000000)
	in := model.PairingURIParams{
		Protocol:        "wc",
		Version:         2,
		Topic:           "7f6e504bfad60b485450578e05678ed3e8e8c4751d3c6160be17160d63ec90f9",
		SymKey:          "587d5484ce2a2a6ee3ba1962fdd7e8588e06200c46823bd18fbd67def96ad303",
		Relay:           model.ProtocolOptions{Protocol: "irn"},
		ExpiryTimestamp: &exp,
		Methods:         []string{"wc_sessionPropose", "wc_sessionAuthenticate"},
	}
	uri := FormatURI(in)
	assert.True(t, strings.HasPrefix(uri, "wc:7f6e504b"))
	assert.Contains(t, uri, "@2?relay-protocol=irn&symKey=587d")

	out, err := ParseURI(uri)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseURIRejects(t *testing.T) {
	key := strings.Repeat("ab", 32)
	for name, uri := range map[string]string{
		"protocol":  "xx:topic@2?relay-protocol=irn&symKey=" + key,
		"version":   "wc:topic@1?relay-protocol=irn&symKey=" + key,
		"topic":     "wc:@2?relay-protocol=irn&symKey=" + key,
		"symKey":    "wc:topic@2?relay-protocol=irn&symKey=abcd",
		"relay":     "wc:topic@2?symKey=" + key,
		"expiry":    "wc:topic@2?relay-protocol=irn&symKey=" + key + "&expiryTimestamp=soon",
		"no prefix": "topic@2?relay-protocol=irn&symKey=" + key,
	} {
		_, err := ParseURI(uri)
		assert.Error(t, err, name)
	}
}

func newPeer(t *testing.T, relayURL string) (*core.Core, *Pairings) {
	t.Helper()
	c := core.New(core.Options{RelayURL: relayURL, HeartbeatInterval: 20 * time.Millisecond})
	p := New(c, nil)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))
	require.NoError(t, p.Init(ctx))
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() {
		p.Close()
		_ = c.Close()
	})
	return c, p
}

func startRelay(t *testing.T) string {
	srv := httptest.NewServer(server.NewHttpServer("", nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPairPingAndDisconnect(t *testing.T) {
	url := startRelay(t)
	_, dapp := newPeer(t, url)
	_, wallet := newPeer(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, uri, err := dapp.Create(ctx, []string{model.SessionPropose.Name})
	require.NoError(t, err)
	assert.False(t, created.Active)

	joined, err := wallet.Pair(ctx, uri, true)
	require.NoError(t, err)
	assert.Equal(t, created.Topic, joined.Topic)
	assert.True(t, joined.Active)
	assert.Equal(t, []string{model.SessionPropose.Name}, joined.Methods)

	_, err = wallet.Pair(ctx, uri, true)
	assert.Error(t, err, "an active pairing cannot be joined twice")

	require.NoError(t, dapp.Ping(ctx, created.Topic))

	deleted := make(chan *model.Error, 1)
	wallet.Store.Deleted.Once(func(c store.Change[string, model.Pairing]) { deleted <- c.Reason })
	require.NoError(t, dapp.Disconnect(ctx, created.Topic))
	assert.False(t, dapp.Store.Has(created.Topic))

	select {
	case reason := <-deleted:
		assert.Equal(t, model.UserDisconnected, reason.Type())
	case <-time.After(5 * time.Second):
		t.Fatal("wallet kept the pairing")
	}
}

func TestPairingExpires(t *testing.T) {
	url := startRelay(t)
	c, p := newPeer(t, url)
	ctx := context.Background()

	created, _, err := p.Create(ctx, nil)
	require.NoError(t, err)
	require.True(t, c.Expirer.Has(model.TopicTarget(created.Topic)))

	require.NoError(t, p.UpdateExpiry(ctx, created.Topic, time.Now().Add(-time.Second).Unix()))
	require.Eventually(t, func() bool { return !p.Store.Has(created.Topic) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Crypto.HasKeys(created.Topic))
}
