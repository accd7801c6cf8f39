package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"wc_sign/internal/events"
	"wc_sign/internal/metrics"
	"wc_sign/internal/model"
	"wc_sign/internal/utils/log"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type (
	// URLBuilder returns the relay URL to dial, auth parameters included.
	URLBuilder func(ctx context.Context) (string, error)

	Provider struct {
		PayloadReceived events.Emitter[model.JsonRpcPayload]
		Connected       events.Emitter[struct{}]
		Disconnected    events.Emitter[error]
		ErrorReceived   events.Emitter[error]

		newConn  func() Connection
		buildURL URLBuilder
		logger   *zap.Logger
		metrics  *metrics.Metrics
		backoff  backoff.Backoff

		mu            sync.Mutex
		conn          Connection
		state         State
		explicitClose bool
		lifeCtx       context.Context
		lifeCancel    context.CancelFunc
		reconnecting  bool

		pendingMu sync.Mutex
		pending   map[int64]chan model.JsonRpcResponse
	}

	ProviderOption func(*Provider)
)

func WithConnectionFactory(f func() Connection) ProviderOption {
	return func(p *Provider) { p.newConn = f }
}

func WithLogger(l *zap.Logger) ProviderOption {
	return func(p *Provider) { p.logger = log.OrNop(l).Named("provider") }
}

func WithMetrics(m *metrics.Metrics) ProviderOption {
	return func(p *Provider) { p.metrics = m }
}

// WithReconnectBackoff bounds the delay between reconnection attempts.
func WithReconnectBackoff(min, max time.Duration) ProviderOption {
	return func(p *Provider) {
		p.backoff = backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
	}
}

func NewProvider(buildURL URLBuilder, opts ...ProviderOption) *Provider {
	p := &Provider{
		newConn:  func() Connection { return NewWebsocketConnection(nil) },
		buildURL: buildURL,
		logger:   zap.NewNop(),
		backoff:  backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true},
		pending:  make(map[int64]chan model.JsonRpcResponse),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StaticURL is a URLBuilder for a fixed relay URL with query parameters.
func StaticURL(relayURL string, query url.Values) URLBuilder {
	return func(context.Context) (string, error) {
		u, err := url.Parse(relayURL)
		if err != nil {
			return "", err
		}
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connect opens the transport. Once connected, a dropped transport is
// reopened automatically until Disconnect is called.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Disconnected {
		p.mu.Unlock()
		return nil
	}
	p.explicitClose = false
	p.state = Connecting
	if p.lifeCancel == nil {
		p.lifeCtx, p.lifeCancel = context.WithCancel(context.Background())
	}
	p.mu.Unlock()

	if err := p.open(ctx); err != nil {
		p.mu.Lock()
		p.state = Disconnected
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Provider) open(ctx context.Context) error {
	u, err := p.buildURL(ctx)
	if err != nil {
		return fmt.Errorf("network: build url: %w", err)
	}
	conn := p.newConn()
	err = conn.Open(ctx, u, ConnectionHandler{
		OnMessage: p.onMessage,
		OnClose:   func(err error) { p.onClose(conn, err) },
		OnError:   func(err error) { p.ErrorReceived.Emit(err) },
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.explicitClose {
		p.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	p.conn = conn
	p.state = Connected
	p.mu.Unlock()

	p.logger.Info("connected")
	p.Connected.Emit(struct{}{})
	return nil
}

// Disconnect closes the transport and stops reconnecting.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	p.explicitClose = true
	conn := p.conn
	p.conn = nil
	p.state = Disconnected
	if p.lifeCancel != nil {
		p.lifeCancel()
		p.lifeCancel = nil
	}
	p.mu.Unlock()

	p.failPending()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *Provider) onClose(conn Connection, err error) {
	p.mu.Lock()
	if p.conn != conn {
		// stale connection, already replaced or closed
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.state = Disconnected
	explicit := p.explicitClose
	p.mu.Unlock()

	p.failPending()
	p.logger.Info("disconnected", zap.Error(err), zap.Bool("explicit", explicit))
	p.Disconnected.Emit(err)
	if !explicit {
		go p.reconnect()
	}
}

func (p *Provider) reconnect() {
	p.mu.Lock()
	if p.reconnecting || p.explicitClose || p.lifeCtx == nil {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	ctx := p.lifeCtx
	bo := p.backoff
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		if p.explicitClose || p.state != Disconnected {
			p.mu.Unlock()
			return
		}
		p.state = Connecting
		p.mu.Unlock()

		err := p.open(ctx)
		if err == nil {
			p.metrics.Reconnected()
			return
		}

		p.mu.Lock()
		if p.state == Connecting {
			p.state = Disconnected
		}
		p.mu.Unlock()

		d := bo.Duration()
		p.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", d))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func (p *Provider) onMessage(data []byte) {
	payload, err := model.DecodePayload(data)
	if err != nil {
		p.logger.Warn("drop malformed payload", zap.Error(err))
		p.ErrorReceived.Emit(fmt.Errorf("network: malformed payload: %w", err))
		return
	}

	if payload.IsResponse() {
		p.pendingMu.Lock()
		ch, ok := p.pending[payload.ID]
		if ok {
			delete(p.pending, payload.ID)
		}
		p.pendingMu.Unlock()
		if ok {
			ch <- payload.Response()
			return
		}
	}
	p.PayloadReceived.Emit(payload)
}

// Request sends a JSON-RPC request and waits for the response with the same
// id.
func (p *Provider) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := model.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan model.JsonRpcResponse, 1)
	p.pendingMu.Lock()
	p.pending[req.ID] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, req.ID)
		p.pendingMu.Unlock()
	}()

	if err := p.send(ctx, data); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Respond answers a request initiated by the relay.
func (p *Provider) Respond(ctx context.Context, resp model.JsonRpcResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return p.send(ctx, data)
}

func (p *Provider) send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.Send(ctx, data)
}

// failPending releases every waiter; the channel is closed without a value.
func (p *Provider) failPending() {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[int64]chan model.JsonRpcResponse)
	p.pendingMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}
