package history

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"wc_sign/internal/model"
	"wc_sign/internal/storage"
	"wc_sign/internal/utils/log"
)

// Factory hands out the history of each method, restoring it from storage
// the first time it is asked for.
type Factory struct {
	storage storage.Storage
	logger  *zap.Logger

	mu        sync.Mutex
	histories map[string]*History
}

func NewFactory(s storage.Storage, logger *zap.Logger) *Factory {
	return &Factory{
		storage:   s,
		logger:    log.OrNop(logger).Named("history"),
		histories: make(map[string]*History),
	}
}

// Init restores every history already present in storage.
func (f *Factory) Init(ctx context.Context) error {
	keys, err := f.storage.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if method, ok := strings.CutPrefix(k, StoragePrefix); ok {
			if _, err := f.OfType(ctx, method); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Factory) OfType(ctx context.Context, method string) (*History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.histories[method]; ok {
		return h, nil
	}
	h := newHistory(method, f.storage, f.logger)
	if err := h.init(ctx); err != nil {
		return nil, err
	}
	f.histories[method] = h
	return h, nil
}

func (f *Factory) All() []*History {
	f.mu.Lock()
	out := make([]*History, 0, len(f.histories))
	for _, h := range f.histories {
		out = append(out, h)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].method < out[j].method })
	return out
}

// Find locates the record of id in any history.
func (f *Factory) Find(id int64) (*History, model.JsonRpcRecord, bool) {
	for _, h := range f.All() {
		if rec, ok := h.record(id); ok {
			return h, rec, true
		}
	}
	return nil, model.JsonRpcRecord{}, false
}

// Pending lists unresolved records of every method.
func (f *Factory) Pending() []model.JsonRpcRecord {
	var out []model.JsonRpcRecord
	for _, h := range f.All() {
		out = append(out, h.Pending()...)
	}
	return out
}

// Cleanup drops resolved records from every history.
func (f *Factory) Cleanup(ctx context.Context) (int, error) {
	total := 0
	for _, h := range f.All() {
		n, err := h.Cleanup(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	f.logger.Debug("cleanup", zap.Int("removed", total))
	return total, nil
}

// Delete drops every record of topic.
func (f *Factory) Delete(ctx context.Context, topic string) error {
	for _, h := range f.All() {
		if err := h.Delete(ctx, topic, nil); err != nil {
			return err
		}
	}
	return nil
}
