// Package server is a small store-and-forward relay speaking the irn_*
// JSON-RPC methods. It is meant for local development and tests.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wc_sign/internal/model"
	"wc_sign/internal/protocol/keystore"
	"wc_sign/internal/utils/log"
)

const writeWait = 10 * time.Second

type (
	HttpServer struct {
		addr        string
		mailbox     Mailbox
		requireAuth bool
		registry    *prometheus.Registry
		metrics     relayMetrics

		mu      sync.Mutex
		clients map[*client]struct{}
		// topic -> subscriber -> subscription id
		topics map[string]map[*client]string
	}

	client struct {
		id      string
		conn    *websocket.Conn
		writeMu sync.Mutex
	}

	relayMetrics struct {
		published   prometheus.Counter
		delivered   prometheus.Counter
		stored      prometheus.Counter
		connections prometheus.Gauge
	}

	Option func(*HttpServer)
)

// WithAuth makes the relay reject connections without a valid auth JWT.
func WithAuth() Option {
	return func(s *HttpServer) { s.requireAuth = true }
}

func NewHttpServer(addr string, mailbox Mailbox, opts ...Option) *HttpServer {
	if mailbox == nil {
		mailbox = NewMemoryMailbox()
	}
	s := &HttpServer{
		addr:     addr,
		mailbox:  mailbox,
		registry: prometheus.NewRegistry(),
		clients:  make(map[*client]struct{}),
		topics:   make(map[string]map[*client]string),
	}
	s.metrics = relayMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wc", Subsystem: "relay", Name: "published_total",
			Help: "Number of irn_publish calls accepted",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wc", Subsystem: "relay", Name: "delivered_total",
			Help: "Number of messages pushed to subscribers",
		}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wc", Subsystem: "relay", Name: "stored_total",
			Help: "Number of messages kept for later subscribers",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wc", Subsystem: "relay", Name: "connections",
			Help: "Number of open client connections",
		}),
	}
	s.registry.MustRegister(s.metrics.published, s.metrics.delivered, s.metrics.stored, s.metrics.connections)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("relay listening", zap.String("addr", s.addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		clientID := "anonymous"
		if token := r.URL.Query().Get("auth"); token != "" || s.requireAuth {
			iss, err := verifyAuth(token)
			if err != nil {
				log.Warn("reject connection", zap.Error(err))
				http.Error(w, "invalid auth", http.StatusUnauthorized)
				return
			}
			clientID = iss
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		c := &client{id: clientID, conn: conn}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		s.metrics.connections.Inc()

		go s.processWSMessage(c)
	}
}

// verifyAuth checks an EdDSA relay JWT whose issuer is the did:key of the
// signing key, and returns the issuer.
func verifyAuth(token string) (string, error) {
	var iss string
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errors.New("unexpected claims")
		}
		iss, _ = claims["iss"].(string)
		pub, err := keystore.DecodeDIDKey(iss)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(pub), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	return iss, nil
}

func (s *HttpServer) processWSMessage(c *client) {
	defer s.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("client socket closed", zap.String("client", c.id), zap.Error(err))
			return
		}

		payload, err := model.DecodePayload(data)
		if err != nil {
			log.Error("unmarshal payload failed", zap.Error(err))
			continue
		}
		if !payload.IsRequest() {
			// acks of irn_subscription
			continue
		}
		resp := s.handle(context.Background(), c, payload.Request())
		if err := c.writeJSON(resp); err != nil {
			log.Debug("write response failed", zap.Error(err))
			return
		}
		if payload.Method == model.RelaySubscribe || payload.Method == model.RelayBatchSubscribe {
			s.flush(context.Background(), c, payload)
		}
	}
}

func (s *HttpServer) handle(ctx context.Context, c *client, req model.JsonRpcRequest) model.JsonRpcResponse {
	var (
		result any
		err    error
	)
	switch req.Method {
	case model.RelayPublish:
		var p model.RelayPublishParams
		if err = json.Unmarshal(req.Params, &p); err == nil {
			err = s.publish(ctx, c, p)
			result = true
		}
	case model.RelaySubscribe:
		var p model.RelaySubscribeParams
		if err = json.Unmarshal(req.Params, &p); err == nil {
			result = s.subscribe(c, p.Topic)
		}
	case model.RelayBatchSubscribe:
		var p model.RelayBatchSubscribeParams
		if err = json.Unmarshal(req.Params, &p); err == nil {
			ids := make([]string, len(p.Topics))
			for i, t := range p.Topics {
				ids[i] = s.subscribe(c, t)
			}
			result = ids
		}
	case model.RelayUnsubscribe:
		var p model.RelayUnsubscribeParams
		if err = json.Unmarshal(req.Params, &p); err == nil {
			s.unsubscribe(c, p.Topic)
			result = true
		}
	default:
		return model.NewErrorResponse(req.ID, &model.Error{Code: -32601, Message: "method not found: " + req.Method})
	}
	if err != nil {
		return model.NewErrorResponse(req.ID, &model.Error{Code: -32602, Message: err.Error()})
	}
	resp, err := model.NewResult(req.ID, result)
	if err != nil {
		return model.NewErrorResponse(req.ID, &model.Error{Code: -32603, Message: err.Error()})
	}
	return resp
}

// publish pushes the message to every other subscriber of the topic, or
// keeps it for the next one when nobody else listens.
func (s *HttpServer) publish(ctx context.Context, from *client, p model.RelayPublishParams) error {
	if p.Topic == "" || p.Message == "" {
		return fmt.Errorf("topic and message are required")
	}
	s.metrics.published.Inc()
	data := model.RelaySubscriptionData{
		Topic:       p.Topic,
		Message:     p.Message,
		PublishedAt: time.Now().UnixMilli(),
		Tag:         p.Tag,
	}

	s.mu.Lock()
	targets := make(map[*client]string)
	for c, id := range s.topics[p.Topic] {
		if c != from {
			targets[c] = id
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		ttl := time.Duration(p.TTL) * time.Second
		if err := s.mailbox.Put(ctx, p.Topic, data, ttl); err != nil {
			log.Error("store message failed", zap.String("topic", p.Topic), zap.Error(err))
			return err
		}
		s.metrics.stored.Inc()
		return nil
	}
	for c, id := range targets {
		s.push(c, id, data)
	}
	return nil
}

func (s *HttpServer) subscribe(c *client, topic string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[*client]string)
		s.topics[topic] = subs
	}
	if id, ok := subs[c]; ok {
		return id
	}
	id := uuid.NewString()
	subs[c] = id
	return id
}

func (s *HttpServer) unsubscribe(c *client, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics[topic], c)
	if len(s.topics[topic]) == 0 {
		delete(s.topics, topic)
	}
}

// flush forwards stored messages of the topics just subscribed.
func (s *HttpServer) flush(ctx context.Context, c *client, payload model.JsonRpcPayload) {
	var topics []string
	if payload.Method == model.RelaySubscribe {
		var p model.RelaySubscribeParams
		_ = json.Unmarshal(payload.Params, &p)
		topics = []string{p.Topic}
	} else {
		var p model.RelayBatchSubscribeParams
		_ = json.Unmarshal(payload.Params, &p)
		topics = p.Topics
	}

	for _, topic := range topics {
		messages, err := s.mailbox.Take(ctx, topic)
		if err != nil {
			log.Error("forward stored messages failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		s.mu.Lock()
		id := s.topics[topic][c]
		s.mu.Unlock()
		for _, m := range messages {
			s.push(c, id, m)
		}
	}
}

func (s *HttpServer) push(c *client, subscriptionID string, data model.RelaySubscriptionData) {
	req, err := model.NewRequest(model.RelaySubscription, model.RelaySubscriptionParams{ID: subscriptionID, Data: data})
	if err != nil {
		log.Error("build subscription payload", zap.Error(err))
		return
	}
	if err := c.writeJSON(req); err != nil {
		log.Debug("push failed", zap.String("client", c.id), zap.Error(err))
		return
	}
	s.metrics.delivered.Inc()
}

func (s *HttpServer) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	for topic, subs := range s.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
	s.mu.Unlock()
	s.metrics.connections.Dec()
	_ = c.conn.Close()
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}
