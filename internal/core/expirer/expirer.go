// Package expirer keeps the table of target expiries and fires Expired once
// per target when a heartbeat scan finds it due.
package expirer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/core/heartbeat"
	"wc_sign/internal/events"
	"wc_sign/internal/metrics"
	"wc_sign/internal/model"
	"wc_sign/internal/storage"
	"wc_sign/internal/utils/log"
)

const StorageKey = "wc@2:core:0.3//expirer"

type (
	Expirer struct {
		Created events.Emitter[model.Expiration]
		Deleted events.Emitter[model.Expiration]
		Expired events.Emitter[model.Expiration]

		storage storage.Storage
		logger  *zap.Logger
		metrics *metrics.Metrics
		now     func() time.Time

		mu      sync.Mutex
		entries map[string]int64
	}

	Option func(*Expirer)
)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Expirer) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Expirer) { e.metrics = m }
}

func New(s storage.Storage, logger *zap.Logger, opts ...Option) *Expirer {
	e := &Expirer{
		storage: s,
		logger:  log.OrNop(logger).Named("expirer"),
		now:     time.Now,
		entries: make(map[string]int64),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Expirer) Init(ctx context.Context) error {
	list, err := storage.GetOr(ctx, e.storage, StorageKey, []model.Expiration{})
	if err != nil {
		return fmt.Errorf("expirer: restore: %w", err)
	}
	e.mu.Lock()
	for _, x := range list {
		e.entries[x.Target] = x.Expiry
	}
	e.mu.Unlock()
	e.logger.Debug("restored", zap.Int("entries", len(list)))
	return nil
}

// Attach runs Check on every pulse of h.
func (e *Expirer) Attach(ctx context.Context, h *heartbeat.Heartbeat) (detach func()) {
	return h.Pulse.Subscribe(func(time.Time) { e.Check(ctx) })
}

func (e *Expirer) Has(target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[target]
	return ok
}

func (e *Expirer) Get(target string) (model.Expiration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.entries[target]
	return model.Expiration{Target: target, Expiry: exp}, ok
}

func (e *Expirer) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.entries))
	for k := range e.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set records that target expires at expiry (unix seconds).
func (e *Expirer) Set(ctx context.Context, target string, expiry int64) error {
	if _, err := model.ParseTarget(target); err != nil {
		return err
	}
	e.mu.Lock()
	err := e.commit(ctx, func(next map[string]int64) { next[target] = expiry })
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.Created.Emit(model.Expiration{Target: target, Expiry: expiry})
	return nil
}

func (e *Expirer) Del(ctx context.Context, target string) error {
	e.mu.Lock()
	exp, ok := e.entries[target]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	err := e.commit(ctx, func(next map[string]int64) { delete(next, target) })
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.Deleted.Emit(model.Expiration{Target: target, Expiry: exp})
	return nil
}

// Check removes every entry whose expiry is not in the future and emits
// Expired for each of them. Entries are removed before anything is emitted,
// so concurrent checks never fire the same target twice.
func (e *Expirer) Check(ctx context.Context) {
	now := e.now().Unix()

	e.mu.Lock()
	var due []model.Expiration
	for target, exp := range e.entries {
		if exp <= now {
			due = append(due, model.Expiration{Target: target, Expiry: exp})
		}
	}
	if len(due) == 0 {
		e.mu.Unlock()
		return
	}
	err := e.commit(ctx, func(next map[string]int64) {
		for _, x := range due {
			delete(next, x.Target)
		}
	})
	e.mu.Unlock()
	if err != nil {
		// entries stay; the next scan tries again
		e.logger.Error("persist expired entries", zap.Error(err))
		return
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Expiry < due[j].Expiry })
	for _, x := range due {
		e.logger.Debug("expired", zap.String("target", x.Target))
		e.metrics.Expired()
		e.Expired.Emit(x)
	}
}

// commit persists the changed table, then adopts it. Caller holds mu.
func (e *Expirer) commit(ctx context.Context, change func(map[string]int64)) error {
	next := make(map[string]int64, len(e.entries)+1)
	for k, v := range e.entries {
		next[k] = v
	}
	change(next)

	list := make([]model.Expiration, 0, len(next))
	for k, v := range next {
		list = append(list, model.Expiration{Target: k, Expiry: v})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Target < list[j].Target })
	if err := storage.Set(ctx, e.storage, StorageKey, list); err != nil {
		return fmt.Errorf("expirer: persist: %w", err)
	}
	e.entries = next
	return nil
}
