package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatPulses(t *testing.T) {
	h := New(10*time.Millisecond, nil)
	var n atomic.Int32
	h.Pulse.Subscribe(func(time.Time) { n.Add(1) })

	h.Start(context.Background())
	h.Start(context.Background())
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)

	h.Stop()
	stopped := n.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
	h.Stop()
}
