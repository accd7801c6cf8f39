// Package history is the durable log of JSON-RPC requests, one log per
// method, used to correlate responses and to recover pending requests after
// a restart.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"wc_sign/internal/events"
	"wc_sign/internal/model"
	"wc_sign/internal/storage"
)

const StoragePrefix = "wc@2:core:0.3//history-of-type-"

type History struct {
	Created events.Emitter[model.JsonRpcRecord]
	Updated events.Emitter[model.JsonRpcRecord]
	Deleted events.Emitter[model.JsonRpcRecord]

	method  string
	key     string
	storage storage.Storage
	logger  *zap.Logger

	mu      sync.RWMutex
	records map[int64]model.JsonRpcRecord
}

func newHistory(method string, s storage.Storage, logger *zap.Logger) *History {
	return &History{
		method:  method,
		key:     StoragePrefix + method,
		storage: s,
		logger:  logger.With(zap.String("method", method)),
		records: make(map[int64]model.JsonRpcRecord),
	}
}

func (h *History) Method() string { return h.method }

func (h *History) init(ctx context.Context) error {
	list, err := storage.GetOr(ctx, h.storage, h.key, []model.JsonRpcRecord{})
	if err != nil {
		return fmt.Errorf("history %s: restore: %w", h.method, err)
	}
	h.mu.Lock()
	for _, r := range list {
		// records written before the resolved flag existed
		if r.Response != nil {
			r.Resolved = true
		}
		h.records[r.ID] = r
	}
	h.mu.Unlock()
	return nil
}

// Set records an inbound request. A second Set for the same id changes
// nothing.
func (h *History) Set(ctx context.Context, topic string, req model.JsonRpcRequest, chainID string) error {
	return h.set(ctx, model.JsonRpcRecord{ID: req.ID, Topic: topic, Request: req, ChainID: chainID})
}

// SetSent records a request this client is about to publish.
func (h *History) SetSent(ctx context.Context, topic string, req model.JsonRpcRequest, chainID string) error {
	return h.set(ctx, model.JsonRpcRecord{ID: req.ID, Topic: topic, Request: req, ChainID: chainID, Sent: true})
}

func (h *History) set(ctx context.Context, rec model.JsonRpcRecord) error {
	h.mu.Lock()
	if _, ok := h.records[rec.ID]; ok {
		h.mu.Unlock()
		return nil
	}
	err := h.commit(ctx, func(next map[int64]model.JsonRpcRecord) { next[rec.ID] = rec })
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.Created.Emit(rec)
	return nil
}

// Resolve attaches resp to its request. Records are resolved once; later
// responses for the same id are ignored. It reports whether the record was
// changed.
func (h *History) Resolve(ctx context.Context, resp model.JsonRpcResponse) (bool, error) {
	h.mu.Lock()
	rec, ok := h.records[resp.ID]
	if !ok || rec.Resolved {
		h.mu.Unlock()
		return false, nil
	}
	r := resp
	rec.Response = &r
	rec.Resolved = true
	err := h.commit(ctx, func(next map[int64]model.JsonRpcRecord) { next[rec.ID] = rec })
	h.mu.Unlock()
	if err != nil {
		return false, err
	}
	h.Updated.Emit(rec)
	return true, nil
}

// Get returns the record id, which must belong to topic.
func (h *History) Get(topic string, id int64) (model.JsonRpcRecord, error) {
	h.mu.RLock()
	rec, ok := h.records[id]
	h.mu.RUnlock()
	if !ok {
		return model.JsonRpcRecord{}, model.Errorf(model.NoMatchingKey, "%s: %d", h.method, id)
	}
	if rec.Topic != topic {
		return model.JsonRpcRecord{}, model.Errorf(model.MismatchedTopic, "%s: %d", h.method, id)
	}
	return rec, nil
}

func (h *History) Exists(topic string, id int64) bool {
	_, err := h.Get(topic, id)
	return err == nil
}

func (h *History) record(id int64) (model.JsonRpcRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[id]
	return rec, ok
}

// Pending lists unresolved records ordered by id.
func (h *History) Pending() []model.JsonRpcRecord {
	return h.filter(func(r model.JsonRpcRecord) bool { return !r.Resolved })
}

func (h *History) Values() []model.JsonRpcRecord {
	return h.filter(func(model.JsonRpcRecord) bool { return true })
}

func (h *History) filter(keep func(model.JsonRpcRecord) bool) []model.JsonRpcRecord {
	h.mu.RLock()
	out := make([]model.JsonRpcRecord, 0, len(h.records))
	for _, r := range h.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes every record of topic, or only id when given.
func (h *History) Delete(ctx context.Context, topic string, id *int64) error {
	return h.remove(ctx, func(r model.JsonRpcRecord) bool {
		return r.Topic == topic && (id == nil || r.ID == *id)
	})
}

// Cleanup drops resolved records and reports how many were removed.
func (h *History) Cleanup(ctx context.Context) (int, error) {
	var n int
	err := h.remove(ctx, func(r model.JsonRpcRecord) bool {
		if r.Resolved {
			n++
			return true
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (h *History) remove(ctx context.Context, match func(model.JsonRpcRecord) bool) error {
	h.mu.Lock()
	var gone []model.JsonRpcRecord
	for _, r := range h.records {
		if match(r) {
			gone = append(gone, r)
		}
	}
	if len(gone) == 0 {
		h.mu.Unlock()
		return nil
	}
	err := h.commit(ctx, func(next map[int64]model.JsonRpcRecord) {
		for _, r := range gone {
			delete(next, r.ID)
		}
	})
	h.mu.Unlock()
	if err != nil {
		return err
	}
	for _, r := range gone {
		h.Deleted.Emit(r)
	}
	return nil
}

// commit writes the changed log, then adopts it. Caller holds mu.
func (h *History) commit(ctx context.Context, change func(map[int64]model.JsonRpcRecord)) error {
	next := make(map[int64]model.JsonRpcRecord, len(h.records)+1)
	for k, v := range h.records {
		next[k] = v
	}
	change(next)

	list := make([]model.JsonRpcRecord, 0, len(next))
	for _, r := range next {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if err := storage.Set(ctx, h.storage, h.key, list); err != nil {
		return fmt.Errorf("history %s: persist: %w", h.method, err)
	}
	h.records = next
	return nil
}
