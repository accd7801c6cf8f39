// Package storage is the key/value contract every stateful module persists
// through, plus the in-process backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("storage: key not found")

// Storage holds JSON values under string keys. Implementations give
// read-your-writes consistency, serialize writers within the process, and
// never lose previously committed data on a failed write.
type Storage interface {
	Init(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	GetItem(ctx context.Context, key string) (json.RawMessage, error)
	SetItem(ctx context.Context, key string, value json.RawMessage) error
	RemoveItem(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Get decodes the value under key into a T.
func Get[T any](ctx context.Context, s Storage, key string) (T, error) {
	var out T
	raw, err := s.GetItem(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return out, nil
}

// GetOr is Get with def returned for a missing key.
func GetOr[T any](ctx context.Context, s Storage, key string, def T) (T, error) {
	v, err := Get[T](ctx, s, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

func Set[T any](ctx context.Context, s Storage, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.SetItem(ctx, key, raw)
}

func Has(ctx context.Context, s Storage, key string) (bool, error) {
	_, err := s.GetItem(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func clone(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
