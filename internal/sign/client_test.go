package sign

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/core"
	"wc_sign/internal/model"
	"wc_sign/internal/service/server"
	"wc_sign/internal/sign/engine"
)

func TestDeepLinks(t *testing.T) {
	link, err := PairingLink("walletapp://", "wc:abc@2?relay-protocol=irn&symKey=00")
	require.NoError(t, err)
	assert.Equal(t, "walletapp://wc?uri=wc%3Aabc%402%3Frelay-protocol%3Dirn%26symKey%3D00", link)

	link, err = RequestLink("https://wallet.example/app/", 1700000000123, "topic")
	require.NoError(t, err)
	assert.Equal(t, "https://wallet.example/app/wc?requestId=1700000000123&sessionTopic=topic", link)

	_, err = PairingLink("", "wc:abc")
	assert.Error(t, err)
}

type recordingLinker struct {
	mu    sync.Mutex
	links []string
}

func (r *recordingLinker) Open(link string) error {
	r.mu.Lock()
	r.links = append(r.links, link)
	r.mu.Unlock()
	return nil
}

func (r *recordingLinker) opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.links...)
}

func newClient(t *testing.T, relayURL string, meta model.Metadata, linker Linker) *Client {
	t.Helper()
	c := New(Options{
		Core:     core.Options{RelayURL: relayURL, HeartbeatInterval: 20 * time.Millisecond},
		Metadata: meta,
		Linker:   linker,
	})
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientRequestOpensWallet(t *testing.T) {
	srv := httptest.NewServer(server.NewHttpServer("", nil).Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	links := &recordingLinker{}
	dapp := newClient(t, url, model.Metadata{Name: "dapp"}, links)
	wallet := newClient(t, url, model.Metadata{
		Name:     "wallet",
		Redirect: &model.Redirect{Native: "walletapp://"},
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proposals := make(chan model.Proposal, 1)
	wallet.SessionProposal.Once(func(p model.Proposal) { proposals <- p })
	res, err := dapp.Connect(ctx, engine.ConnectParams{RequiredNamespaces: model.RequiredNamespaces{
		"eip155": {Chains: []string{"eip155:1"}, Methods: []string{"personal_sign"}, Events: []string{}},
	}})
	require.NoError(t, err)
	require.NoError(t, dapp.OpenPairing("walletapp://", res.URI))
	_, err = wallet.Pair(ctx, res.URI)
	require.NoError(t, err)

	var proposal model.Proposal
	select {
	case proposal = <-proposals:
	case <-time.After(5 * time.Second):
		t.Fatal("no proposal")
	}
	approved, err := wallet.Approve(ctx, engine.ApproveParams{ID: proposal.ID, Namespaces: model.Namespaces{
		"eip155": {Accounts: []string{"eip155:1:0xab16a96D359eC26a11e2C2b3d8f8B8942d5Bfcdb"}, Methods: []string{"personal_sign"}, Events: []string{}},
	}})
	require.NoError(t, err)
	session, err := res.Approval.Wait(ctx)
	require.NoError(t, err)
	_, err = approved.Acknowledged.Wait(ctx)
	require.NoError(t, err)

	wallet.SessionRequest.Once(func(r model.PendingRequest) {
		go func() { _ = wallet.Respond(ctx, r.Topic, r.ID, map[string]string{"signature": "0x01"}, nil) }()
	})
	out, err := Request[map[string]string](ctx, dapp, engine.RequestParams{
		Topic:   session.Topic,
		ChainID: "eip155:1",
		Method:  "personal_sign",
		Params:  []string{"0x00"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0x01", out["signature"])

	opened := links.opened()
	require.Len(t, opened, 2)
	assert.True(t, strings.HasPrefix(opened[0], "walletapp://wc?uri=wc%3A"))
	assert.True(t, strings.HasPrefix(opened[1], "walletapp://wc?requestId="))
	assert.True(t, strings.HasSuffix(opened[1], "&sessionTopic="+session.Topic))

	id, err := dapp.ClientID(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "did:key:z"))
}

func TestCleanupStorage(t *testing.T) {
	srv := httptest.NewServer(server.NewHttpServer("", nil).Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := newClient(t, url, model.Metadata{Name: "dapp"}, nil)
	ctx := context.Background()

	pr, _, err := c.Pairings.Create(ctx, nil)
	require.NoError(t, err)
	_, err = c.Core.Relayer.Tracker.Record(ctx, pr.Topic, "m1")
	require.NoError(t, err)
	_, err = c.Core.Relayer.Tracker.Record(ctx, "stale-topic", "m2")
	require.NoError(t, err)

	h, err := c.Core.History.OfType(ctx, model.SessionPing.Name)
	require.NoError(t, err)
	req, err := model.NewRequest(model.SessionPing.Name, nil)
	require.NoError(t, err)
	require.NoError(t, h.Set(ctx, "t", req, ""))
	res, err := model.NewResult(req.ID, true)
	require.NoError(t, err)
	_, err = h.Resolve(ctx, res)
	require.NoError(t, err)
	open, err := model.NewRequest(model.SessionPing.Name, nil)
	require.NoError(t, err)
	require.NoError(t, h.Set(ctx, "t", open, ""))

	report, err := c.CleanupStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.HistoryRecords)
	assert.Equal(t, 1, report.MessageTopics)
	assert.Equal(t, []string{pr.Topic}, c.Core.Relayer.Tracker.Topics())
	assert.Len(t, h.Pending(), 1)
}
