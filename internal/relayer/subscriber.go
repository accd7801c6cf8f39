package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"wc_sign/internal/events"
	"wc_sign/internal/metrics"
	"wc_sign/internal/model"
	"wc_sign/internal/storage"
	"wc_sign/internal/utils/log"
)

const (
	SubscriptionStorageKey = "wc@2:core:0.3//subscription"

	batchSubscribeLimit = 500
)

// Subscriber tracks the topics the client listens to and re-establishes all
// of them whenever the transport comes back.
type Subscriber struct {
	Created      events.Emitter[model.ActiveSubscription]
	Deleted      events.Emitter[model.DeletedSubscription]
	Resubscribed events.Emitter[[]model.ActiveSubscription]

	requester Requester
	storage   storage.Storage
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	active  map[string]model.ActiveSubscription
	pending map[string]model.PendingSubscription
	// set by Init and by a disconnect; cleared by a successful resubscribe
	stale bool
}

func NewSubscriber(r Requester, s storage.Storage, logger *zap.Logger, m *metrics.Metrics) *Subscriber {
	return &Subscriber{
		requester: r,
		storage:   s,
		logger:    log.OrNop(logger).Named("subscriber"),
		metrics:   m,
		active:    make(map[string]model.ActiveSubscription),
		pending:   make(map[string]model.PendingSubscription),
	}
}

// Init restores the subscriptions of the previous run. They are
// re-established on the next OnConnected.
func (s *Subscriber) Init(ctx context.Context) error {
	list, err := storage.GetOr(ctx, s.storage, SubscriptionStorageKey, []model.ActiveSubscription{})
	if err != nil {
		return fmt.Errorf("subscriber: restore: %w", err)
	}
	s.mu.Lock()
	for _, sub := range list {
		s.active[sub.Topic] = sub
	}
	s.stale = len(list) > 0
	n := len(s.active)
	s.mu.Unlock()
	s.metrics.SetSubscriptions(n)
	s.logger.Debug("restored", zap.Int("subscriptions", n))
	return nil
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string, relay model.ProtocolOptions) (string, error) {
	if relay.Protocol == "" {
		relay.Protocol = model.RelayProtocol
	}
	s.mu.Lock()
	if sub, ok := s.active[topic]; ok && !s.stale {
		s.mu.Unlock()
		return sub.ID, nil
	}
	s.pending[topic] = model.PendingSubscription{Topic: topic, Relay: relay}
	s.mu.Unlock()

	res, err := s.requester.Request(ctx, model.RelaySubscribe, model.RelaySubscribeParams{Topic: topic})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, topic)
		s.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", topic, err)
	}
	var id string
	if err := json.Unmarshal(res, &id); err != nil {
		s.mu.Lock()
		delete(s.pending, topic)
		s.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: bad subscription id: %w", topic, err)
	}

	sub := model.ActiveSubscription{ID: id, Topic: topic, Relay: relay}
	if err := s.activate(ctx, []model.ActiveSubscription{sub}); err != nil {
		return "", err
	}
	s.Created.Emit(sub)
	return id, nil
}

func (s *Subscriber) Unsubscribe(ctx context.Context, topic string, reason *model.Error) error {
	s.mu.Lock()
	sub, ok := s.active[topic]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := s.requester.Request(ctx, model.RelayUnsubscribe, model.RelayUnsubscribeParams{Topic: topic, ID: sub.ID}); err != nil {
		// the relay forgets subscriptions of closed sockets; drop ours anyway
		s.logger.Warn("unsubscribe request failed", zap.String("topic", topic), zap.Error(err))
	}

	s.mu.Lock()
	next := s.snapshot()
	delete(next, topic)
	err := s.persist(ctx, next)
	if err == nil {
		s.active = next
	}
	n := len(s.active)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.metrics.SetSubscriptions(n)
	s.Deleted.Emit(model.DeletedSubscription{ActiveSubscription: sub, Reason: reason})
	return nil
}

func (s *Subscriber) IsSubscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[topic]
	return ok && !s.stale
}

// Topics lists every known topic, including those waiting to be
// re-established.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	topics := make([]string, 0, len(s.active))
	for t := range s.active {
		topics = append(topics, t)
	}
	s.mu.Unlock()
	sort.Strings(topics)
	return topics
}

// OnDisconnected marks every subscription as needing re-establishment.
func (s *Subscriber) OnDisconnected() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// OnConnected re-establishes every known subscription when needed.
func (s *Subscriber) OnConnected(ctx context.Context) error {
	s.mu.Lock()
	stale := s.stale
	s.mu.Unlock()
	if !stale {
		return nil
	}
	return s.Resubscribe(ctx)
}

// Resubscribe batch-subscribes every known topic and replaces the stored
// subscription ids.
func (s *Subscriber) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	subs := make([]model.ActiveSubscription, 0, len(s.active))
	for _, sub := range s.active {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })

	renewed := make([]model.ActiveSubscription, 0, len(subs))
	for start := 0; start < len(subs); start += batchSubscribeLimit {
		end := min(start+batchSubscribeLimit, len(subs))
		batch := subs[start:end]

		topics := make([]string, len(batch))
		for i, sub := range batch {
			topics[i] = sub.Topic
		}
		res, err := s.requester.Request(ctx, model.RelayBatchSubscribe, model.RelayBatchSubscribeParams{Topics: topics})
		if err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
		var ids []string
		if err := json.Unmarshal(res, &ids); err != nil || len(ids) != len(batch) {
			return fmt.Errorf("resubscribe: relay returned %d ids for %d topics", len(ids), len(batch))
		}
		for i, sub := range batch {
			sub.ID = ids[i]
			renewed = append(renewed, sub)
		}
	}

	renewed, err := s.renew(ctx, renewed)
	if err != nil {
		return err
	}

	s.logger.Info("resubscribed", zap.Int("topics", len(renewed)))
	s.Resubscribed.Emit(renewed)
	return nil
}

// renew stores the new ids of the topics still known; a topic unsubscribed
// while the batch was in flight stays gone.
func (s *Subscriber) renew(ctx context.Context, subs []model.ActiveSubscription) ([]model.ActiveSubscription, error) {
	s.mu.Lock()
	next := s.snapshot()
	kept := make([]model.ActiveSubscription, 0, len(subs))
	for _, sub := range subs {
		if _, ok := next[sub.Topic]; ok {
			next[sub.Topic] = sub
			kept = append(kept, sub)
		}
	}
	err := s.persist(ctx, next)
	if err == nil {
		s.active = next
		s.stale = false
	}
	n := len(s.active)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.metrics.SetSubscriptions(n)
	return kept, nil
}

func (s *Subscriber) activate(ctx context.Context, subs []model.ActiveSubscription) error {
	s.mu.Lock()
	next := s.snapshot()
	for _, sub := range subs {
		next[sub.Topic] = sub
	}
	err := s.persist(ctx, next)
	if err == nil {
		s.active = next
		for _, sub := range subs {
			delete(s.pending, sub.Topic)
		}
	}
	n := len(s.active)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.metrics.SetSubscriptions(n)
	return nil
}

// caller holds mu
func (s *Subscriber) snapshot() map[string]model.ActiveSubscription {
	next := make(map[string]model.ActiveSubscription, len(s.active)+1)
	for k, v := range s.active {
		next[k] = v
	}
	return next
}

// caller holds mu
func (s *Subscriber) persist(ctx context.Context, subs map[string]model.ActiveSubscription) error {
	list := make([]model.ActiveSubscription, 0, len(subs))
	for _, sub := range subs {
		list = append(list, sub)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Topic < list[j].Topic })
	if err := storage.Set(ctx, s.storage, SubscriptionStorageKey, list); err != nil {
		return fmt.Errorf("subscriber: persist: %w", err)
	}
	return nil
}
