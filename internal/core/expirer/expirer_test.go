package expirer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/model"
	"wc_sign/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExpiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	e := New(storage.NewMemoryStorage(), nil, WithClock(clk.Now))
	require.NoError(t, e.Init(ctx))

	var fired []string
	e.Expired.Subscribe(func(x model.Expiration) { fired = append(fired, x.Target) })

	target := model.TopicTarget("abc")
	require.NoError(t, e.Set(ctx, target, clk.Now().Add(10*time.Second).Unix()))

	for i := 0; i < 5; i++ {
		e.Check(ctx)
		clk.Advance(time.Second)
	}
	assert.Empty(t, fired)

	clk.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		e.Check(ctx)
	}
	assert.Equal(t, []string{target}, fired)
	assert.False(t, e.Has(target))
}

func TestConcurrentChecksFireOnce(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	e := New(storage.NewMemoryStorage(), nil, WithClock(clk.Now))
	require.NoError(t, e.Init(ctx))

	var n atomic.Int32
	e.Expired.Subscribe(func(model.Expiration) { n.Add(1) })
	require.NoError(t, e.Set(ctx, model.IDTarget(7), clk.Now().Unix()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Check(ctx)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, n.Load())
}

func TestPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	e := New(s, nil)
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Set(ctx, model.IDTarget(1), 100))
	require.NoError(t, e.Set(ctx, model.TopicTarget("t"), 200))
	require.NoError(t, e.Del(ctx, model.IDTarget(1)))

	restored := New(s, nil)
	require.NoError(t, restored.Init(ctx))
	assert.Equal(t, []string{"topic:t"}, restored.Keys())
	x, ok := restored.Get("topic:t")
	require.True(t, ok)
	assert.EqualValues(t, 200, x.Expiry)
}

func TestSetRejectsBadTarget(t *testing.T) {
	e := New(storage.NewMemoryStorage(), nil)
	require.NoError(t, e.Init(context.Background()))
	assert.Error(t, e.Set(context.Background(), "garbage", 1))
}
