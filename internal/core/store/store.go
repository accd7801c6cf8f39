// Package store is the typed, write-through record store shared by the
// pairing, proposal, session and auth lifecycles.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"wc_sign/internal/core/expirer"
	"wc_sign/internal/events"
	"wc_sign/internal/model"
	"wc_sign/internal/storage"
	"wc_sign/internal/utils/log"
)

type (
	// Expiring values get an expirer entry for their key.
	Expiring interface {
		ExpiresAt() (int64, bool)
	}

	Change[K cmp.Ordered, V any] struct {
		Key    K
		Value  V
		Reason *model.Error
	}

	Store[K cmp.Ordered, V any] struct {
		Created events.Emitter[Change[K, V]]
		Updated events.Emitter[Change[K, V]]
		Deleted events.Emitter[Change[K, V]]

		name    string
		key     string
		storage storage.Storage
		expirer *expirer.Expirer
		keyOf   func(V) K
		logger  *zap.Logger

		mu    sync.RWMutex
		items map[K]V
	}
)

// New creates a store persisted under storageKey. exp may be nil for records
// that never expire.
func New[K cmp.Ordered, V any](name, storageKey string, s storage.Storage, exp *expirer.Expirer, keyOf func(V) K, logger *zap.Logger) *Store[K, V] {
	return &Store[K, V]{
		name:    name,
		key:     storageKey,
		storage: s,
		expirer: exp,
		keyOf:   keyOf,
		logger:  log.OrNop(logger).Named(name),
		items:   make(map[K]V),
	}
}

func (s *Store[K, V]) Name() string { return s.name }

func (s *Store[K, V]) Init(ctx context.Context) error {
	list, err := storage.GetOr(ctx, s.storage, s.key, []V{})
	if err != nil {
		return fmt.Errorf("%s: restore: %w", s.name, err)
	}
	s.mu.Lock()
	for _, v := range list {
		s.items[s.keyOf(v)] = v
	}
	s.mu.Unlock()
	s.logger.Debug("restored", zap.Int("records", len(list)))
	return nil
}

func (s *Store[K, V]) Get(key K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		var zero V
		return zero, model.Errorf(model.NoMatchingKey, "%s: %v", s.name, key)
	}
	return v, nil
}

func (s *Store[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store[K, V]) Keys() []K {
	s.mu.RLock()
	keys := make([]K, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

func (s *Store[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedValues(s.items)
}

// Set creates or replaces the record of key.
func (s *Store[K, V]) Set(ctx context.Context, key K, value V) error {
	s.mu.Lock()
	_, existed := s.items[key]
	err := s.commit(ctx, func(next map[K]V) { next[key] = value })
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.syncExpiry(ctx, key, value); err != nil {
		return err
	}

	c := Change[K, V]{Key: key, Value: value}
	if existed {
		s.Updated.Emit(c)
	} else {
		s.Created.Emit(c)
	}
	return nil
}

// Update applies change to the stored record of key and persists the result.
// Records are mutated under the store lock, so concurrent updates of one key
// never interleave.
func (s *Store[K, V]) Update(ctx context.Context, key K, change func(*V) error) (V, error) {
	s.mu.Lock()
	v, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		var zero V
		return zero, model.Errorf(model.NoMatchingKey, "%s: %v", s.name, key)
	}
	if err := change(&v); err != nil {
		s.mu.Unlock()
		var zero V
		return zero, err
	}
	err := s.commit(ctx, func(next map[K]V) { next[key] = v })
	s.mu.Unlock()
	if err != nil {
		var zero V
		return zero, err
	}
	if err := s.syncExpiry(ctx, key, v); err != nil {
		return v, err
	}
	s.Updated.Emit(Change[K, V]{Key: key, Value: v})
	return v, nil
}

// Delete removes the record of key with reason. Deleting a missing key is a
// no-op.
func (s *Store[K, V]) Delete(ctx context.Context, key K, reason *model.Error) error {
	s.mu.Lock()
	v, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	err := s.commit(ctx, func(next map[K]V) { delete(next, key) })
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.expirer != nil {
		if err := s.expirer.Del(ctx, model.TargetOf(any(key))); err != nil {
			return err
		}
	}
	s.logger.Debug("deleted", zap.Any("key", key), zap.Any("reason", reason))
	s.Deleted.Emit(Change[K, V]{Key: key, Value: v, Reason: reason})
	return nil
}

func (s *Store[K, V]) syncExpiry(ctx context.Context, key K, value V) error {
	if s.expirer == nil {
		return nil
	}
	e, ok := any(value).(Expiring)
	if !ok {
		return nil
	}
	target := model.TargetOf(any(key))
	if exp, has := e.ExpiresAt(); has {
		return s.expirer.Set(ctx, target, exp)
	}
	return s.expirer.Del(ctx, target)
}

// commit writes the changed records, then adopts them. Caller holds mu.
func (s *Store[K, V]) commit(ctx context.Context, change func(map[K]V)) error {
	next := make(map[K]V, len(s.items)+1)
	for k, v := range s.items {
		next[k] = v
	}
	change(next)
	if err := storage.Set(ctx, s.storage, s.key, s.sortedValues(next)); err != nil {
		return fmt.Errorf("%s: persist: %w", s.name, err)
	}
	s.items = next
	return nil
}

func (s *Store[K, V]) sortedValues(items map[K]V) []V {
	keys := make([]K, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, items[k])
	}
	return out
}
