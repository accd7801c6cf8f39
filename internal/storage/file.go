package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"wc_sign/internal/utils/log"
)

const (
	fileWriteAttempts = 5
	fileWriteDelay    = 100 * time.Millisecond
)

// FileStorage keeps every item in one JSON document on disk. The document is
// rewritten through a temp file and a rename, so a failed write leaves the
// previous document in place.
type FileStorage struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	items map[string]json.RawMessage

	// overridable in tests
	writeFile func(path string, b []byte, mode os.FileMode) error
}

func NewFileStorage(path string, logger *zap.Logger) *FileStorage {
	return &FileStorage{
		path:      path,
		logger:    log.OrNop(logger).Named("storage"),
		items:     make(map[string]json.RawMessage),
		writeFile: writeFile,
	}
}

func (f *FileStorage) Path() string { return f.path }

func (f *FileStorage) Init(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("storage: create dir: %w", err)
	}
	items := make(map[string]json.RawMessage)
	if err := readJSON(f.path, &items); err != nil {
		return fmt.Errorf("storage: load %s: %w", f.path, err)
	}
	f.items = items
	f.logger.Debug("loaded", zap.String("path", f.path), zap.Int("items", len(items)))
	return nil
}

func (f *FileStorage) Keys(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStorage) GetItem(_ context.Context, key string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (f *FileStorage) SetItem(ctx context.Context, key string, value json.RawMessage) error {
	return f.mutate(ctx, func(next map[string]json.RawMessage) {
		next[key] = clone(value)
	})
}

func (f *FileStorage) RemoveItem(ctx context.Context, key string) error {
	return f.mutate(ctx, func(next map[string]json.RawMessage) {
		delete(next, key)
	})
}

func (f *FileStorage) Clear(ctx context.Context) error {
	return f.mutate(ctx, func(next map[string]json.RawMessage) {
		for k := range next {
			delete(next, k)
		}
	})
}

func (f *FileStorage) Close() error { return nil }

// mutate applies change to a copy of the document, saves it, and only then
// swaps it in.
func (f *FileStorage) mutate(ctx context.Context, change func(map[string]json.RawMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]json.RawMessage, len(f.items)+1)
	for k, v := range f.items {
		next[k] = v
	}
	change(next)

	if err := f.save(ctx, next); err != nil {
		return err
	}
	f.items = next
	return nil
}

func (f *FileStorage) save(ctx context.Context, items map[string]json.RawMessage) error {
	b, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("storage: encode document: %w", err)
	}

	bo := &backoff.Backoff{Min: fileWriteDelay, Max: fileWriteDelay, Factor: 1}
	for attempt := 1; ; attempt++ {
		err = f.writeFile(f.path, b, 0o600)
		if err == nil {
			return nil
		}
		if attempt == fileWriteAttempts {
			break
		}
		f.logger.Warn("write failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(bo.Duration()):
		}
	}
	return fmt.Errorf("storage: write %s after %d attempts: %w", f.path, fileWriteAttempts, err)
}
