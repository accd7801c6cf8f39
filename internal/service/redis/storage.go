package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"wc_sign/internal/storage"
)

// Storage implements storage.Storage on top of redis, every key living
// under prefix.
type Storage struct {
	svc    *RedisService
	prefix string
}

func NewStorage(svc *RedisService, prefix string) *Storage {
	return &Storage{svc: svc, prefix: prefix}
}

func (s *Storage) Init(ctx context.Context) error {
	return s.svc.Ping(ctx)
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	raw, err := s.svc.Scan(ctx, s.prefix+"*")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	return keys, nil
}

func (s *Storage) GetItem(ctx context.Context, key string) (json.RawMessage, error) {
	v, err := s.svc.Get(ctx, s.prefix+key)
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

func (s *Storage) SetItem(ctx context.Context, key string, value json.RawMessage) error {
	return s.svc.Set(ctx, s.prefix+key, []byte(value), 0)
}

func (s *Storage) RemoveItem(ctx context.Context, key string) error {
	return s.svc.Del(ctx, s.prefix+key)
}

func (s *Storage) Clear(ctx context.Context) error {
	keys, err := s.svc.Scan(ctx, s.prefix+"*")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.svc.Del(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.svc.Close()
}
