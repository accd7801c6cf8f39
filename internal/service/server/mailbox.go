package server

import (
	"context"
	"sync"
	"time"

	"wc_sign/internal/model"
)

// Mailbox keeps messages published to topics nobody listens to yet.
type Mailbox interface {
	Put(ctx context.Context, topic string, data model.RelaySubscriptionData, ttl time.Duration) error
	// Take returns the live messages of topic in publish order and forgets them.
	Take(ctx context.Context, topic string) ([]model.RelaySubscriptionData, error)
}

type (
	MemoryMailbox struct {
		now func() time.Time

		mu    sync.Mutex
		boxes map[string][]stored
	}

	stored struct {
		data    model.RelaySubscriptionData
		expires time.Time
	}
)

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{now: time.Now, boxes: make(map[string][]stored)}
}

func (m *MemoryMailbox) Put(_ context.Context, topic string, data model.RelaySubscriptionData, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[topic] = append(m.boxes[topic], stored{data: data, expires: m.now().Add(ttl)})
	return nil
}

func (m *MemoryMailbox) Take(_ context.Context, topic string) ([]model.RelaySubscriptionData, error) {
	m.mu.Lock()
	box := m.boxes[topic]
	delete(m.boxes, topic)
	m.mu.Unlock()

	now := m.now()
	out := make([]model.RelaySubscriptionData, 0, len(box))
	for _, s := range box {
		if now.Before(s.expires) {
			out = append(out, s.data)
		}
	}
	return out, nil
}
