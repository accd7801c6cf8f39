package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/events"
	"wc_sign/internal/metrics"
	"wc_sign/internal/model"
	"wc_sign/internal/network"
	"wc_sign/internal/storage"
	"wc_sign/internal/utils/log"
)

var ErrSubscribeExhausted = errors.New("relayer: subscription retries exhausted")

const subscribeAttempts = 5

type (
	// Relayer owns the relay transport: it publishes, keeps subscriptions
	// alive across reconnects and delivers inbound messages in order per
	// topic, each at most once.
	Relayer struct {
		Message events.Emitter[model.MessageEvent]

		Provider   *network.Provider
		Publisher  *Publisher
		Subscriber *Subscriber
		Tracker    *MessageTracker

		logger     *zap.Logger
		metrics    *metrics.Metrics
		retryDelay time.Duration

		ctx    context.Context
		cancel context.CancelFunc
		detach []func()

		qmu    sync.Mutex
		queues map[string][]model.RelaySubscriptionParams
		wg     sync.WaitGroup
	}

	Option func(*Relayer)
)

func WithLogger(l *zap.Logger) Option {
	return func(r *Relayer) { r.logger = log.OrNop(l).Named("relayer") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relayer) { r.metrics = m }
}

// WithSubscribeRetryDelay sets the base pause between subscription attempts.
func WithSubscribeRetryDelay(d time.Duration) Option {
	return func(r *Relayer) { r.retryDelay = d }
}

func New(p *network.Provider, s storage.Storage, opts ...Option) *Relayer {
	r := &Relayer{
		Provider:   p,
		logger:     zap.NewNop(),
		retryDelay: 200 * time.Millisecond,
		queues:     make(map[string][]model.RelaySubscriptionParams),
	}
	for _, o := range opts {
		o(r)
	}
	r.Publisher = NewPublisher(p, r.logger, r.metrics)
	r.Subscriber = NewSubscriber(p, s, r.logger, r.metrics)
	r.Tracker = NewMessageTracker(s)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

func (r *Relayer) Init(ctx context.Context) error {
	if err := r.Subscriber.Init(ctx); err != nil {
		return err
	}
	if err := r.Tracker.Init(ctx); err != nil {
		return err
	}

	r.detach = append(r.detach,
		r.Provider.PayloadReceived.Subscribe(r.onPayload),
		r.Provider.Disconnected.Subscribe(func(error) { r.Subscriber.OnDisconnected() }),
		r.Provider.Connected.Subscribe(func(struct{}) {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				if err := r.Subscriber.OnConnected(r.ctx); err != nil {
					r.logger.Error("resubscribe failed", zap.Error(err))
				}
			}()
		}),
	)
	return nil
}

func (r *Relayer) Connect(ctx context.Context) error {
	return r.Provider.Connect(ctx)
}

// Close disconnects the transport and waits for in-flight deliveries.
func (r *Relayer) Close() error {
	for _, d := range r.detach {
		d()
	}
	r.detach = nil
	err := r.Provider.Disconnect()
	r.cancel()
	r.wg.Wait()
	return err
}

func (r *Relayer) Publish(ctx context.Context, topic, message string, opts model.PublishOptions) error {
	return r.Publisher.Publish(ctx, topic, message, opts)
}

func (r *Relayer) Subscribe(ctx context.Context, topic string) (string, error) {
	return r.Subscriber.Subscribe(ctx, topic, model.ProtocolOptions{Protocol: model.RelayProtocol})
}

// SubscribeWithRetry subscribes to topic, retrying a bounded number of times
// before giving up with ErrSubscribeExhausted.
func (r *Relayer) SubscribeWithRetry(ctx context.Context, topic string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= subscribeAttempts; attempt++ {
		id, err := r.Subscribe(ctx, topic)
		if err == nil {
			return id, nil
		}
		lastErr = err
		r.logger.Warn("subscribe attempt failed",
			zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == subscribeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.retryDelay * time.Duration(attempt)):
		}
	}
	return "", fmt.Errorf("%w: topic %s: %v", ErrSubscribeExhausted, topic, lastErr)
}

func (r *Relayer) Unsubscribe(ctx context.Context, topic string) error {
	if err := r.Subscriber.Unsubscribe(ctx, topic, nil); err != nil {
		return err
	}
	return r.Tracker.Delete(ctx, topic)
}

func (r *Relayer) IsSubscribed(topic string) bool { return r.Subscriber.IsSubscribed(topic) }

// onPayload runs on the transport read loop; it only enqueues.
func (r *Relayer) onPayload(p model.JsonRpcPayload) {
	if p.Method != model.RelaySubscription {
		if p.IsRequest() {
			r.logger.Debug("ignore relay request", zap.String("method", p.Method))
		}
		return
	}
	var params model.RelaySubscriptionParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		r.logger.Warn("malformed subscription payload", zap.Error(err))
		return
	}
	r.enqueue(p.ID, params)
}

func (r *Relayer) enqueue(rpcID int64, params model.RelaySubscriptionParams) {
	topic := params.Data.Topic
	r.qmu.Lock()
	q, running := r.queues[topic]
	r.queues[topic] = append(q, params)
	r.qmu.Unlock()

	// ack now so the relay stops retransmitting even if handling is slow
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ack(rpcID)
	}()

	if running {
		return
	}
	r.wg.Add(1)
	go r.drain(topic)
}

// drain delivers the queue of one topic in arrival order. A topic with a
// map entry has exactly one drain running.
func (r *Relayer) drain(topic string) {
	defer r.wg.Done()
	for {
		r.qmu.Lock()
		q := r.queues[topic]
		if len(q) == 0 {
			delete(r.queues, topic)
			r.qmu.Unlock()
			return
		}
		next := q[0]
		r.queues[topic] = q[1:]
		r.qmu.Unlock()

		r.deliver(next)
	}
}

func (r *Relayer) deliver(p model.RelaySubscriptionParams) {
	fresh, err := r.Tracker.Record(r.ctx, p.Data.Topic, p.Data.Message)
	if err != nil {
		r.logger.Error("record message", zap.String("topic", p.Data.Topic), zap.Error(err))
		return
	}
	if !fresh {
		r.metrics.DuplicateDropped()
		r.logger.Debug("drop duplicate", zap.String("topic", p.Data.Topic))
		return
	}
	r.Message.Emit(model.MessageEvent{
		Topic:       p.Data.Topic,
		Message:     p.Data.Message,
		PublishedAt: p.Data.PublishedAt,
		Tag:         p.Data.Tag,
	})
}

func (r *Relayer) ack(id int64) {
	resp, err := model.NewResult(id, true)
	if err != nil {
		return
	}
	if err := r.Provider.Respond(r.ctx, resp); err != nil {
		r.logger.Warn("ack failed", zap.Int64("id", id), zap.Error(err))
	}
}
