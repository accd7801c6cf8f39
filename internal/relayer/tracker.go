package relayer

import (
	"context"
	"fmt"
	"sync"

	"wc_sign/internal/protocol/keystore"
	"wc_sign/internal/storage"
)

const MessagesStorageKey = "wc@2:core:0.3//messages"

// MessageTracker remembers the hash of every message handled per topic so
// relay retransmissions are dropped.
type MessageTracker struct {
	storage storage.Storage

	mu       sync.Mutex
	messages map[string]map[string]struct{}
}

func NewMessageTracker(s storage.Storage) *MessageTracker {
	return &MessageTracker{
		storage:  s,
		messages: make(map[string]map[string]struct{}),
	}
}

func (t *MessageTracker) Init(ctx context.Context) error {
	stored, err := storage.GetOr(ctx, t.storage, MessagesStorageKey, map[string][]string{})
	if err != nil {
		return fmt.Errorf("messages: restore: %w", err)
	}
	t.mu.Lock()
	for topic, hashes := range stored {
		set := make(map[string]struct{}, len(hashes))
		for _, h := range hashes {
			set[h] = struct{}{}
		}
		t.messages[topic] = set
	}
	t.mu.Unlock()
	return nil
}

// Record remembers message on topic and reports whether it was new.
func (t *MessageTracker) Record(ctx context.Context, topic, message string) (bool, error) {
	hash := keystore.HashMessage(message)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.messages[topic][hash]; seen {
		return false, nil
	}
	next := t.clone()
	set := make(map[string]struct{}, len(t.messages[topic])+1)
	for h := range t.messages[topic] {
		set[h] = struct{}{}
	}
	set[hash] = struct{}{}
	next[topic] = set
	if err := t.persist(ctx, next); err != nil {
		return false, err
	}
	t.messages = next
	return true, nil
}

func (t *MessageTracker) Has(topic, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.messages[topic][keystore.HashMessage(message)]
	return ok
}

func (t *MessageTracker) Delete(ctx context.Context, topic string) error {
	_, err := t.Prune(ctx, func(tp string) bool { return tp != topic })
	return err
}

// Prune forgets every topic keep rejects and reports how many were dropped.
func (t *MessageTracker) Prune(ctx context.Context, keep func(topic string) bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.clone()
	n := 0
	for topic := range next {
		if !keep(topic) {
			delete(next, topic)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := t.persist(ctx, next); err != nil {
		return 0, err
	}
	t.messages = next
	return n, nil
}

func (t *MessageTracker) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.messages))
	for topic := range t.messages {
		out = append(out, topic)
	}
	return out
}

// clone copies the topic table only; the per-topic sets are never mutated
// once published, so they are shared. Caller holds mu.
func (t *MessageTracker) clone() map[string]map[string]struct{} {
	next := make(map[string]map[string]struct{}, len(t.messages)+1)
	for topic, set := range t.messages {
		next[topic] = set
	}
	return next
}

// caller holds mu
func (t *MessageTracker) persist(ctx context.Context, m map[string]map[string]struct{}) error {
	out := make(map[string][]string, len(m))
	for topic, set := range m {
		hashes := make([]string, 0, len(set))
		for h := range set {
			hashes = append(hashes, h)
		}
		out[topic] = hashes
	}
	if err := storage.Set(ctx, t.storage, MessagesStorageKey, out); err != nil {
		return fmt.Errorf("messages: persist: %w", err)
	}
	return nil
}
