package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/core/expirer"
	"wc_sign/internal/core/history"
	"wc_sign/internal/events"
	"wc_sign/internal/metrics"
	"wc_sign/internal/model"
	"wc_sign/internal/protocol/keystore"
	"wc_sign/internal/relayer"
	"wc_sign/internal/utils/log"
)

type (
	// RequestHandler handles an inbound request of one method.
	RequestHandler func(ctx context.Context, topic string, req model.JsonRpcRequest)

	// ResponseHandler handles the response to a request this client sent.
	ResponseHandler func(ctx context.Context, topic string, resp model.JsonRpcResponse, rec model.JsonRpcRecord)

	// DecodeOptionsFunc picks the options used to open messages of topic.
	DecodeOptionsFunc func(topic string) *keystore.DecodeOptions

	SendOption func(*sendOptions)

	sendOptions struct {
		envelope *keystore.EncodeOptions
		expiry   int64
	}

	// MessageFailure reports an inbound message that could not be handled.
	MessageFailure struct {
		Topic string
		Err   error
	}

	// MessageHandler turns topic messages into JSON-RPC traffic: it seals and
	// publishes outbound payloads, opens inbound ones and routes them by
	// method, keeping the RPC history current on both paths.
	MessageHandler struct {
		Failed events.Emitter[MessageFailure]
		// RequestExpired fires for a sent request left unanswered past its
		// expiry, after its handler saw the timeout response.
		RequestExpired events.Emitter[model.JsonRpcRecord]

		crypto  *keystore.KeyStore
		relayer *relayer.Relayer
		history *history.Factory
		expirer *expirer.Expirer
		now     func() time.Time
		logger  *zap.Logger
		metrics *metrics.Metrics

		mu         sync.RWMutex
		requests   map[string]RequestHandler
		responses  map[string]ResponseHandler
		decodeOpts DecodeOptionsFunc

		waitMu  sync.Mutex
		waiters map[int64]chan model.JsonRpcResponse
	}
)

// WithEnvelope seals the payload with explicit envelope options, for type 1
// messages.
func WithEnvelope(opts *keystore.EncodeOptions) SendOption {
	return func(o *sendOptions) { o.envelope = opts }
}

// WithExpiry replaces the request TTL of the method with an absolute unix
// expiry.
func WithExpiry(expiry int64) SendOption {
	return func(o *sendOptions) { o.expiry = expiry }
}

func NewMessageHandler(crypto *keystore.KeyStore, r *relayer.Relayer, h *history.Factory, exp *expirer.Expirer, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *MessageHandler {
	if now == nil {
		now = time.Now
	}
	return &MessageHandler{
		crypto:    crypto,
		relayer:   r,
		history:   h,
		expirer:   exp,
		now:       now,
		logger:    log.OrNop(logger).Named("messages"),
		metrics:   m,
		requests:  make(map[string]RequestHandler),
		responses: make(map[string]ResponseHandler),
		waiters:   make(map[int64]chan model.JsonRpcResponse),
	}
}

func (m *MessageHandler) HandleRequest(method string, h RequestHandler) {
	m.mu.Lock()
	m.requests[method] = h
	m.mu.Unlock()
}

func (m *MessageHandler) HandleResponse(method string, h ResponseHandler) {
	m.mu.Lock()
	m.responses[method] = h
	m.mu.Unlock()
}

func (m *MessageHandler) SetDecodeOptions(f DecodeOptionsFunc) {
	m.mu.Lock()
	m.decodeOpts = f
	m.mu.Unlock()
}

// SendRequest seals and publishes a request on topic and returns its id.
func (m *MessageHandler) SendRequest(ctx context.Context, topic string, method model.Method, params any, opts ...SendOption) (int64, error) {
	req, err := model.NewRequest(method.Name, params)
	if err != nil {
		return 0, err
	}
	if err := m.Send(ctx, topic, method, req, opts...); err != nil {
		return 0, err
	}
	return req.ID, nil
}

// Call sends a request and waits for its response. A request that expires
// unanswered yields a JsonRpcRequestTimeout error response.
func (m *MessageHandler) Call(ctx context.Context, topic string, method model.Method, params any, opts ...SendOption) (model.JsonRpcResponse, error) {
	req, err := model.NewRequest(method.Name, params)
	if err != nil {
		return model.JsonRpcResponse{}, err
	}
	ch := m.await(req.ID)
	defer m.forget(req.ID)

	if err := m.Send(ctx, topic, method, req, opts...); err != nil {
		return model.JsonRpcResponse{}, err
	}
	select {
	case <-ctx.Done():
		return model.JsonRpcResponse{}, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// Request sends a request on topic and decodes the result of its response
// into R. An error response is returned as a *model.Error.
func Request[R any](ctx context.Context, m *MessageHandler, topic string, method model.Method, params any, opts ...SendOption) (R, error) {
	var out R
	resp, err := m.Call(ctx, topic, method, params, opts...)
	if err != nil {
		return out, err
	}
	if err := resp.DecodeResult(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Send seals and publishes a request built by the caller, for callers that
// must record state under the request id before it leaves.
func (m *MessageHandler) Send(ctx context.Context, topic string, method model.Method, req model.JsonRpcRequest, opts ...SendOption) error {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	message, err := m.seal(topic, req, o.envelope)
	if err != nil {
		return err
	}
	h, err := m.history.OfType(ctx, method.Name)
	if err != nil {
		return err
	}
	if err := h.SetSent(ctx, topic, req, model.ChainIDOf(req)); err != nil {
		return err
	}
	expiry := o.expiry
	if expiry == 0 {
		expiry = m.now().Add(method.Request.TTL).Unix()
	}
	if err := m.expirer.Set(ctx, model.IDTarget(req.ID), expiry); err != nil {
		return err
	}
	if err := m.relayer.Publish(ctx, topic, message, method.Request); err != nil {
		return err
	}
	m.logger.Debug("request sent", zap.String("method", method.Name), zap.Int64("id", req.ID), zap.String("topic", topic))
	return nil
}

func (m *MessageHandler) SendResult(ctx context.Context, id int64, topic string, method model.Method, result any, opts ...SendOption) error {
	resp, err := model.NewResult(id, result)
	if err != nil {
		return err
	}
	return m.sendResponse(ctx, topic, method, resp, opts)
}

func (m *MessageHandler) SendError(ctx context.Context, id int64, topic string, method model.Method, e *model.Error, opts ...SendOption) error {
	return m.sendResponse(ctx, topic, method, model.NewErrorResponse(id, e), opts)
}

func (m *MessageHandler) sendResponse(ctx context.Context, topic string, method model.Method, resp model.JsonRpcResponse, opts []SendOption) error {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	message, err := m.seal(topic, resp, o.envelope)
	if err != nil {
		return err
	}
	if err := m.relayer.Publish(ctx, topic, message, method.ResponseOptions(resp.IsError())); err != nil {
		return err
	}
	if h, _, ok := m.history.Find(resp.ID); ok {
		if _, err := h.Resolve(ctx, resp); err != nil {
			m.logger.Warn("resolve history", zap.Int64("id", resp.ID), zap.Error(err))
		}
	}
	m.logger.Debug("response sent", zap.String("method", method.Name), zap.Int64("id", resp.ID), zap.Bool("error", resp.IsError()))
	return nil
}

func (m *MessageHandler) seal(topic string, v any, env *keystore.EncodeOptions) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return m.crypto.Encode(topic, payload, env)
}

// OnMessage opens and routes one relay message. It is called in topic order
// by the relayer.
func (m *MessageHandler) OnMessage(ctx context.Context, ev model.MessageEvent) {
	m.mu.RLock()
	optsFor := m.decodeOpts
	m.mu.RUnlock()

	var opts *keystore.DecodeOptions
	if optsFor != nil {
		opts = optsFor(ev.Topic)
	}
	plain, err := m.crypto.Decode(ev.Topic, ev.Message, opts)
	if err != nil {
		m.fail(ev.Topic, fmt.Errorf("decode message: %w", err))
		return
	}
	payload, err := model.DecodePayload(plain)
	if err != nil {
		m.fail(ev.Topic, fmt.Errorf("decode payload: %w", err))
		return
	}

	switch {
	case payload.IsRequest():
		m.metrics.MessageReceived("request")
		m.onRequest(ctx, ev.Topic, payload.Request())
	case payload.IsResponse():
		m.metrics.MessageReceived("response")
		m.onResponse(ctx, ev.Topic, payload.Response())
	default:
		m.fail(ev.Topic, fmt.Errorf("payload %d is neither request nor response", payload.ID))
	}
}

func (m *MessageHandler) onRequest(ctx context.Context, topic string, req model.JsonRpcRequest) {
	h, err := m.history.OfType(ctx, req.Method)
	if err == nil {
		err = h.Set(ctx, topic, req, model.ChainIDOf(req))
	}
	if err != nil {
		m.fail(topic, fmt.Errorf("record request %d: %w", req.ID, err))
		return
	}

	m.mu.RLock()
	handler, ok := m.requests[req.Method]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("no handler for request", zap.String("method", req.Method), zap.String("topic", topic))
		return
	}
	handler(ctx, topic, req)
}

func (m *MessageHandler) onResponse(ctx context.Context, topic string, resp model.JsonRpcResponse) {
	h, rec, ok := m.history.Find(resp.ID)
	if !ok {
		m.logger.Debug("response to unknown request", zap.Int64("id", resp.ID), zap.String("topic", topic))
		return
	}
	changed, err := h.Resolve(ctx, resp)
	if err != nil {
		m.fail(topic, fmt.Errorf("resolve %d: %w", resp.ID, err))
		return
	}
	if !changed {
		return
	}
	if err := m.expirer.Del(ctx, model.IDTarget(resp.ID)); err != nil {
		m.logger.Warn("drop request expiry", zap.Int64("id", resp.ID), zap.Error(err))
	}
	rec.Response, rec.Resolved = &resp, true
	m.deliver(ctx, topic, resp, rec)
}

// OnExpired answers a sent request that outlived its expiry with a timeout
// error, as if the peer had sent it.
func (m *MessageHandler) OnExpired(ctx context.Context, x model.Expiration) {
	target, err := model.ParseTarget(x.Target)
	if err != nil || target.ID == nil {
		return
	}
	h, rec, ok := m.history.Find(*target.ID)
	if !ok || !rec.Sent || rec.Resolved {
		return
	}
	resp := model.NewErrorResponse(rec.ID, model.Errorf(model.JsonRpcRequestTimeout, "%s %d", rec.Request.Method, rec.ID))
	changed, err := h.Resolve(ctx, resp)
	if err != nil {
		m.fail(rec.Topic, fmt.Errorf("resolve expired %d: %w", rec.ID, err))
		return
	}
	if !changed {
		return
	}
	m.logger.Debug("request expired", zap.String("method", rec.Request.Method), zap.Int64("id", rec.ID))
	rec.Response, rec.Resolved = &resp, true
	m.deliver(ctx, rec.Topic, resp, rec)
	m.RequestExpired.Emit(rec)
}

// deliver hands a response to the caller waiting on it and to the handler of
// its method.
func (m *MessageHandler) deliver(ctx context.Context, topic string, resp model.JsonRpcResponse, rec model.JsonRpcRecord) {
	m.waitMu.Lock()
	ch, waiting := m.waiters[resp.ID]
	m.waitMu.Unlock()
	if waiting {
		ch <- resp
	}

	m.mu.RLock()
	handler, ok := m.responses[rec.Request.Method]
	m.mu.RUnlock()
	if ok {
		handler(ctx, topic, resp, rec)
	}
}

func (m *MessageHandler) await(id int64) chan model.JsonRpcResponse {
	ch := make(chan model.JsonRpcResponse, 1)
	m.waitMu.Lock()
	m.waiters[id] = ch
	m.waitMu.Unlock()
	return ch
}

func (m *MessageHandler) forget(id int64) {
	m.waitMu.Lock()
	delete(m.waiters, id)
	m.waitMu.Unlock()
}

func (m *MessageHandler) fail(topic string, err error) {
	m.logger.Warn("inbound message failed", zap.String("topic", topic), zap.Error(err))
	m.Failed.Emit(MessageFailure{Topic: topic, Err: err})
}
