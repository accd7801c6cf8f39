package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wc_sign/internal/model"
	"wc_sign/internal/service/redis"
)

// RedisMailbox keeps stored messages in one redis list per topic, so they
// survive relay restarts.
type RedisMailbox struct {
	redisService *redis.RedisService
}

func NewRedisMailbox(svc *redis.RedisService) *RedisMailbox {
	return &RedisMailbox{redisService: svc}
}

func mailboxKey(topic string) string {
	return fmt.Sprintf("mailbox:%s", topic)
}

type redisEntry struct {
	Data    model.RelaySubscriptionData `json:"data"`
	Expires int64                       `json:"expires"`
}

func (m *RedisMailbox) Put(ctx context.Context, topic string, data model.RelaySubscriptionData, ttl time.Duration) error {
	raw, err := json.Marshal(redisEntry{Data: data, Expires: time.Now().Add(ttl).Unix()})
	if err != nil {
		return err
	}
	key := mailboxKey(topic)
	if err := m.redisService.RPush(ctx, key, raw); err != nil {
		return err
	}
	// the list lives as long as its newest message
	return m.redisService.Expire(ctx, key, ttl)
}

func (m *RedisMailbox) Take(ctx context.Context, topic string) ([]model.RelaySubscriptionData, error) {
	vals, err := m.redisService.Drain(ctx, mailboxKey(topic))
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	res := make([]model.RelaySubscriptionData, 0, len(vals))
	for _, v := range vals {
		var e redisEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}
		if e.Expires > now {
			res = append(res, e.Data)
		}
	}
	return res, nil
}
