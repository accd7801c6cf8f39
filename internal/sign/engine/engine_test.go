package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/core"
	"wc_sign/internal/core/pairing"
	"wc_sign/internal/model"
	"wc_sign/internal/service/server"
	"wc_sign/internal/sign/cacao"
	"wc_sign/internal/storage"
)

const account = "eip155:1:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type peer struct {
	core     *core.Core
	pairings *pairing.Pairings
	engine   *Engine
}

func startRelay(t *testing.T) string {
	srv := httptest.NewServer(server.NewHttpServer("", nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// testClock is a wall clock that tests can move forward.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

func newPeer(t *testing.T, relayURL, name string) *peer {
	t.Helper()
	p := buildPeer(t, core.Options{RelayURL: relayURL}, name)
	p.start(t)
	return p
}

// buildPeer wires a peer without restoring or connecting it.
func buildPeer(t *testing.T, opts core.Options, name string) *peer {
	t.Helper()
	opts.HeartbeatInterval = 20 * time.Millisecond
	c := core.New(opts)
	p := pairing.New(c, nil)
	e := New(c, p, Options{Metadata: model.Metadata{Name: name, URL: "https://" + name + ".example"}})
	return &peer{core: c, pairings: p, engine: e}
}

func (p *peer) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.core.Init(ctx))
	require.NoError(t, p.pairings.Init(ctx))
	require.NoError(t, p.engine.Init(ctx))
	require.NoError(t, p.core.Connect(ctx))
	t.Cleanup(p.close)
}

func (p *peer) close() {
	p.engine.Close()
	p.pairings.Close()
	_ = p.core.Close()
}

func required() model.RequiredNamespaces {
	return model.RequiredNamespaces{
		"eip155": {Chains: []string{"eip155:1"}, Methods: []string{"personal_sign"}, Events: []string{"chainChanged"}},
	}
}

func granted() model.Namespaces {
	return model.Namespaces{
		"eip155": {
			Accounts: []string{account},
			Methods:  []string{"personal_sign"},
			Events:   []string{"chainChanged"},
		},
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

// propose runs Connect on dapp and pairs wallet with the URI, returning the
// proposal the wallet received.
func propose(t *testing.T, ctx context.Context, dapp, wallet *peer) (ConnectResult, model.Proposal) {
	t.Helper()
	proposals := make(chan model.Proposal, 1)
	wallet.engine.SessionProposal.Once(func(p model.Proposal) { proposals <- p })

	res, err := dapp.engine.Connect(ctx, ConnectParams{RequiredNamespaces: required()})
	require.NoError(t, err)
	require.NotEmpty(t, res.URI)
	_, err = wallet.pairings.Pair(ctx, res.URI, false)
	require.NoError(t, err)

	proposal := recv(t, proposals)
	require.Equal(t, res.ProposalID, proposal.ID)
	return res, proposal
}

func settle(t *testing.T, ctx context.Context, dapp, wallet *peer) string {
	t.Helper()
	res, proposal := propose(t, ctx, dapp, wallet)
	approved, err := wallet.engine.Approve(ctx, ApproveParams{ID: proposal.ID, Namespaces: granted()})
	require.NoError(t, err)

	session, err := res.Approval.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, approved.Topic, session.Topic)

	acked, err := approved.Acknowledged.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	return session.Topic
}

func TestSessionHandshake(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := settle(t, ctx, dapp, wallet)

	require.Equal(t, 1, dapp.engine.Sessions.Len())
	s, err := dapp.engine.Session(topic)
	require.NoError(t, err)
	assert.True(t, s.Acknowledged)
	assert.NotEmpty(t, s.Namespaces["eip155"].Accounts)
	assert.Equal(t, s.Peer.PublicKey, s.Controller)
	assert.Equal(t, "wallet", s.Peer.Metadata.Name)
	assert.Zero(t, dapp.engine.Proposals.Len())
	assert.Zero(t, wallet.engine.Proposals.Len())

	ws, err := wallet.engine.Session(topic)
	require.NoError(t, err)
	assert.Equal(t, ws.Self.PublicKey, ws.Controller)

	pr, err := dapp.pairings.Get(s.PairingTopic)
	require.NoError(t, err)
	assert.True(t, pr.Active)
	require.NotNil(t, pr.PeerMetadata)
	assert.Equal(t, "wallet", pr.PeerMetadata.Name)
}

func TestSessionRequestAndEvents(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := settle(t, ctx, dapp, wallet)

	wallet.engine.SessionRequest.Once(func(r model.PendingRequest) {
		assert.Equal(t, "personal_sign", r.Params.Request.Method)
		assert.Equal(t, "eip155:1", r.Params.ChainID)
		go func() {
			assert.NoError(t, wallet.engine.Respond(ctx, topic, r.ID, "0xsigned", nil))
		}()
	})
	raw, err := dapp.engine.Request(ctx, RequestParams{
		Topic:   topic,
		ChainID: "eip155:1",
		Method:  "personal_sign",
		Params:  []string{"0xdeadbeef", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
	})
	require.NoError(t, err)
	var sig string
	require.NoError(t, json.Unmarshal(raw, &sig))
	assert.Equal(t, "0xsigned", sig)
	assert.Empty(t, wallet.engine.PendingRequests(topic))

	_, err = dapp.engine.Request(ctx, RequestParams{Topic: topic, ChainID: "eip155:1", Method: "eth_sendTransaction"})
	assert.Equal(t, model.UnauthorizedMethod, model.AsError(err).Type())
	_, err = dapp.engine.Request(ctx, RequestParams{Topic: topic, ChainID: "eip155:10", Method: "personal_sign"})
	assert.Equal(t, model.UnauthorizedChain, model.AsError(err).Type())

	wallet.engine.SessionRequest.Once(func(r model.PendingRequest) {
		go func() {
			_ = wallet.engine.Respond(ctx, topic, r.ID, nil, model.ErrorFromType(model.JsonRpcRequestMethodRejected, ""))
		}()
	})
	_, err = dapp.engine.Request(ctx, RequestParams{Topic: topic, ChainID: "eip155:1", Method: "personal_sign", Params: []string{}})
	assert.Equal(t, model.JsonRpcRequestMethodRejected, model.AsError(err).Type())

	events := make(chan ChainEvent, 1)
	dapp.engine.SessionEventReceived.Once(func(ev ChainEvent) { events <- ev })
	require.NoError(t, wallet.engine.Emit(ctx, topic, "eip155:1", model.EventData{Name: "chainChanged", Data: json.RawMessage(`1`)}))
	ev := recv(t, events)
	assert.Equal(t, "chainChanged", ev.Params.Event.Name)

	err = wallet.engine.Emit(ctx, topic, "eip155:1", model.EventData{Name: "accountsChanged"})
	assert.Equal(t, model.UnauthorizedEvent, model.AsError(err).Type())
}

func TestSessionMaintenance(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := settle(t, ctx, dapp, wallet)

	updates := make(chan SessionUpdate, 1)
	dapp.engine.SessionUpdated.Once(func(u SessionUpdate) { updates <- u })
	ns := granted()
	ns["eip155"] = model.Namespace{
		Accounts: []string{account, "eip155:137:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		Methods:  []string{"personal_sign", "eth_sign"},
		Events:   []string{"chainChanged"},
	}
	ack, err := wallet.engine.Update(ctx, topic, ns)
	require.NoError(t, err)
	_, err = ack.Wait(ctx)
	require.NoError(t, err)
	u := recv(t, updates)
	assert.Len(t, u.Namespaces["eip155"].Accounts, 2)
	s, _ := dapp.engine.Session(topic)
	assert.Contains(t, s.Namespaces["eip155"].Methods, "eth_sign")

	_, err = dapp.engine.Update(ctx, topic, ns)
	assert.Equal(t, model.UnauthorizedUpdateRequest, model.AsError(err).Type())
	_, err = dapp.engine.Extend(ctx, topic)
	assert.Equal(t, model.UnauthorizedExtendRequest, model.AsError(err).Type())

	extended := make(chan SessionExtend, 1)
	dapp.engine.SessionExtended.Once(func(x SessionExtend) { extended <- x })
	ack, err = wallet.engine.Extend(ctx, topic)
	require.NoError(t, err)
	_, err = ack.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, topic, recv(t, extended).Topic)

	require.NoError(t, dapp.engine.Ping(ctx, topic))
	require.NoError(t, wallet.engine.Ping(ctx, topic))
	require.NoError(t, dapp.engine.Ping(ctx, s.PairingTopic))

	deleted := make(chan SessionClosed, 1)
	wallet.engine.SessionDeleted.Once(func(c SessionClosed) { deleted <- c })
	require.NoError(t, dapp.engine.Disconnect(ctx, topic))
	assert.False(t, dapp.engine.Sessions.Has(topic))
	assert.False(t, dapp.core.Relayer.IsSubscribed(topic))

	closed := recv(t, deleted)
	assert.Equal(t, model.UserDisconnected, closed.Reason.Type())
	assert.False(t, wallet.engine.Sessions.Has(topic))

	err = dapp.engine.Ping(ctx, topic)
	assert.Equal(t, model.NoMatchingKey, model.AsError(err).Type())
}

func TestSessionRejected(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errored := make(chan ConnectionError, 1)
	dapp.engine.SessionConnectionErrored.Once(func(e ConnectionError) { errored <- e })

	res, proposal := propose(t, ctx, dapp, wallet)
	require.NoError(t, wallet.engine.Reject(ctx, proposal.ID, model.ErrorFromType(model.DisapprovedChains, "")))
	assert.False(t, wallet.engine.Proposals.Has(proposal.ID))

	_, err := res.Approval.Wait(ctx)
	assert.Equal(t, model.DisapprovedChains, model.AsError(err).Type())
	ev := recv(t, errored)
	assert.Equal(t, proposal.ID, ev.ProposalID)
	assert.EqualValues(t, 5000, ev.Err.Code)
	assert.False(t, dapp.engine.Proposals.Has(proposal.ID))
}

func TestApproveRejectsNonConformingNamespaces(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, proposal := propose(t, ctx, dapp, wallet)
	ns := granted()
	ns["eip155"] = model.Namespace{Accounts: []string{account}, Methods: []string{}, Events: []string{"chainChanged"}}
	_, err := wallet.engine.Approve(ctx, ApproveParams{ID: proposal.ID, Namespaces: ns})
	assert.Equal(t, model.UnsupportedMethods, model.AsError(err).Type())
	assert.True(t, wallet.engine.Proposals.Has(proposal.ID))
}

func TestProposalExpires(t *testing.T) {
	url := startRelay(t)
	dapp := newPeer(t, url, "dapp")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expired := make(chan model.Proposal, 1)
	dapp.engine.ProposalExpired.Once(func(p model.Proposal) { expired <- p })
	res, err := dapp.engine.Connect(ctx, ConnectParams{RequiredNamespaces: required()})
	require.NoError(t, err)
	require.True(t, dapp.core.Expirer.Has(model.IDTarget(res.ProposalID)))

	_, err = dapp.engine.Proposals.Update(ctx, res.ProposalID, func(p *model.Proposal) error {
		p.Expiry = time.Now().Add(-time.Second).Unix()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, res.ProposalID, recv(t, expired).ID)
	_, err = res.Approval.Wait(ctx)
	assert.Equal(t, model.Expired, model.AsError(err).Type())
	assert.False(t, dapp.engine.Proposals.Has(res.ProposalID))
}

func TestSessionExpires(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := settle(t, ctx, dapp, wallet)

	expired := make(chan SessionClosed, 1)
	deleted := make(chan SessionClosed, 1)
	wallet.engine.SessionExpired.Once(func(c SessionClosed) { expired <- c })
	wallet.engine.SessionDeleted.Once(func(c SessionClosed) { deleted <- c })
	_, err := wallet.engine.Sessions.Update(ctx, topic, func(s *model.Session) error {
		s.Expiry = time.Now().Add(-time.Second).Unix()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, model.SessionExpired, recv(t, expired).Reason.Type())
	assert.Equal(t, topic, recv(t, deleted).Topic)
	assert.False(t, wallet.engine.Sessions.Has(topic))
	assert.False(t, wallet.core.Crypto.HasKeys(topic))
}

func signAuth(t *testing.T, req model.AuthPendingRequest) []model.Cacao {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	iss := model.IssuerDID("eip155:1", cacao.Address(key))
	c, err := cacao.Sign(req.Payload.PayloadFor(iss), key)
	require.NoError(t, err)
	return []model.Cacao{c}
}

func authenticate(t *testing.T, ctx context.Context, dapp, wallet *peer) (AuthenticateResult, model.AuthPendingRequest) {
	t.Helper()
	requests := make(chan model.AuthPendingRequest, 1)
	wallet.engine.SessionAuthenticateRequest.Once(func(r model.AuthPendingRequest) { requests <- r })

	res, err := dapp.engine.Authenticate(ctx, AuthenticateParams{
		Chains:  []string{"eip155:1"},
		Domain:  "dapp.example",
		Nonce:   "32891756",
		URI:     "https://dapp.example/login",
		Methods: []string{"personal_sign"},
	})
	require.NoError(t, err)
	_, err = wallet.pairings.Pair(ctx, res.URI, false)
	require.NoError(t, err)
	req := recv(t, requests)
	require.Equal(t, res.ID, req.ID)
	return res, req
}

func TestAuthenticate(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, req := authenticate(t, ctx, dapp, wallet)
	_, ok := cacao.FindReCap(req.Payload.Resources)
	assert.True(t, ok)

	auths := signAuth(t, req)
	walletSession, err := wallet.engine.ApproveSessionAuthenticate(ctx, req.ID, auths)
	require.NoError(t, err)
	require.NotNil(t, walletSession)

	out, err := res.Response.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	assert.Equal(t, walletSession.Topic, out.Session.Topic)
	assert.Equal(t, []string{"personal_sign"}, out.Session.Namespaces["eip155"].Methods)
	_, addr, _ := model.ParseIssuerDID(auths[0].P.Iss)
	assert.Equal(t, []string{"eip155:1:" + addr}, out.Session.Namespaces["eip155"].Accounts)
	assert.Equal(t, out.Session.Peer.PublicKey, out.Session.Controller)
	assert.Zero(t, dapp.engine.AuthRequests.Len())

	require.NoError(t, dapp.engine.Ping(ctx, out.Session.Topic))
}

func TestAuthenticateBadSignature(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errored := make(chan AuthError, 1)
	dapp.engine.SessionAuthenticateErrored.Once(func(e AuthError) { errored <- e })

	res, req := authenticate(t, ctx, dapp, wallet)
	auths := signAuth(t, req)
	auths[0].P.Statement = "tampered"

	_, err := wallet.engine.ApproveSessionAuthenticate(ctx, req.ID, auths)
	require.ErrorIs(t, err, cacao.ErrInvalidSignature)

	// a wallet that skips verification
	pub, err := wallet.core.Crypto.GenerateKeyPair(ctx)
	require.NoError(t, err)
	self := model.Participant{PublicKey: pub, Metadata: model.Metadata{Name: "wallet"}}
	wallet.engine.replyRequester(ctx, model.JsonRpcRequest{ID: req.ID, Method: model.SessionAuthenticate.Name},
		req.Requester.PublicKey, model.AuthenticateResponse{Cacaos: auths, Responder: self}, nil, withSender(self.PublicKey))

	_, err = res.Response.Wait(ctx)
	assert.True(t, errors.Is(err, cacao.ErrInvalidSignature))
	assert.Equal(t, req.ID, recv(t, errored).ID)
	assert.Zero(t, dapp.engine.AuthRequests.Len())
	assert.Zero(t, dapp.engine.Sessions.Len())
}

func TestAuthenticateRejected(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, req := authenticate(t, ctx, dapp, wallet)
	require.NoError(t, wallet.engine.RejectSessionAuthenticate(ctx, req.ID, nil))
	assert.Zero(t, wallet.engine.AuthRequests.Len())

	_, err := res.Response.Wait(ctx)
	assert.Equal(t, model.JsonRpcRequestMethodRejected, model.AsError(err).Type())
}

func TestUnansweredRequestsExpire(t *testing.T) {
	url := startRelay(t)
	clock := new(testClock)
	dapp := newPeer(t, url, "dapp")
	wallet := buildPeer(t, core.Options{RelayURL: url, Clock: clock.Now}, "wallet")
	wallet.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := settle(t, ctx, dapp, wallet)
	dapp.close()

	expired := make(chan model.JsonRpcRecord, 1)
	wallet.core.Messages.RequestExpired.Once(func(r model.JsonRpcRecord) { expired <- r })

	ns := granted()
	ns["eip155"] = model.Namespace{
		Accounts: ns["eip155"].Accounts,
		Methods:  []string{"personal_sign"},
		Events:   []string{"chainChanged", "accountsChanged"},
	}
	ack, err := wallet.engine.Update(ctx, topic, ns)
	require.NoError(t, err)
	pending := wallet.core.History.Pending()
	require.Len(t, pending, 1)
	require.True(t, wallet.core.Expirer.Has(model.IDTarget(pending[0].ID)))

	clock.Advance(2 * model.SessionUpdate.Request.TTL)

	rec := recv(t, expired)
	assert.Equal(t, pending[0].ID, rec.ID)
	_, err = ack.Wait(ctx)
	assert.Equal(t, model.JsonRpcRequestTimeout, model.AsError(err).Type())
	assert.Empty(t, wallet.core.History.Pending())
	assert.False(t, wallet.core.Expirer.Has(model.IDTarget(rec.ID)))

	ping := make(chan error, 1)
	go func() { ping <- wallet.engine.Ping(ctx, topic) }()
	require.Eventually(t, func() bool { return len(wallet.core.History.Pending()) == 1 }, 5*time.Second, 10*time.Millisecond)
	clock.Advance(2 * model.SessionPing.Request.TTL)
	assert.Equal(t, model.JsonRpcRequestTimeout, model.AsError(recv(t, ping)).Type())
}

func TestAnsweredRequestDropsExpiry(t *testing.T) {
	url := startRelay(t)
	dapp, wallet := newPeer(t, url, "dapp"), newPeer(t, url, "wallet")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := settle(t, ctx, dapp, wallet)

	require.NoError(t, dapp.engine.Ping(ctx, topic))
	for _, target := range dapp.core.Expirer.Keys() {
		assert.False(t, strings.HasPrefix(target, "id:"), target)
	}
	assert.Empty(t, dapp.core.History.Pending())
}

func TestRestartRestoresPendingRequests(t *testing.T) {
	url := startRelay(t)
	store := storage.NewMemoryStorage()
	dapp := newPeer(t, url, "dapp")
	wallet := buildPeer(t, core.Options{RelayURL: url, Storage: store}, "wallet")
	wallet.start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	topic := settle(t, ctx, dapp, wallet)

	received := make(chan model.PendingRequest, 1)
	wallet.engine.SessionRequest.Once(func(r model.PendingRequest) { received <- r })
	answer := make(chan json.RawMessage, 1)
	go func() {
		raw, err := dapp.engine.Request(ctx, RequestParams{
			Topic: topic, ChainID: "eip155:1", Method: "personal_sign", Params: []string{"0x68656c6c6f", account},
		})
		assert.NoError(t, err)
		answer <- raw
	}()
	first := recv(t, received)
	wallet.close()

	restarted := buildPeer(t, core.Options{RelayURL: url, Storage: store}, "wallet")
	replayed := make(chan model.PendingRequest, 1)
	restarted.engine.SessionRequest.Once(func(r model.PendingRequest) { replayed <- r })
	restarted.start(t)

	assert.Equal(t, first.ID, recv(t, replayed).ID)
	assert.True(t, restarted.engine.Sessions.Has(topic))
	require.Len(t, restarted.engine.PendingRequests(topic), 1)

	require.NoError(t, restarted.engine.Respond(ctx, topic, first.ID, "0xsigned", nil))
	assert.JSONEq(t, `"0xsigned"`, string(recv(t, answer)))
	assert.Empty(t, restarted.engine.PendingRequests(topic))
}
