package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/model"
)

func TestValidateRequiredNamespaces(t *testing.T) {
	assert.NoError(t, validateRequiredNamespaces(required(), "required"))
	assert.NoError(t, validateRequiredNamespaces(model.RequiredNamespaces{
		"eip155:1": {Methods: []string{"personal_sign"}},
	}, "required"))

	for name, ns := range map[string]model.RequiredNamespaces{
		"no chains":       {"eip155": {Methods: []string{"personal_sign"}}},
		"foreign chain":   {"eip155": {Chains: []string{"cosmos:hub"}}},
		"bad chain key":   {"eip155:": {}},
		"other chain":     {"eip155:1": {Chains: []string{"eip155:2"}}},
		"malformed chain": {"eip155": {Chains: []string{"eip155"}}},
	} {
		assert.Error(t, validateRequiredNamespaces(ns, "required"), name)
	}
}

func TestValidateConforming(t *testing.T) {
	assert.NoError(t, validateConforming(required(), granted()))

	cases := map[model.ErrorType]model.Namespaces{
		model.NonConformingNamespaces: {
			"cosmos": {Accounts: []string{"cosmos:hub:addr"}, Methods: []string{}, Events: []string{}},
		},
		model.UnsupportedAccounts: {
			"eip155": {Accounts: []string{"cosmos:hub:addr"}, Methods: []string{"personal_sign"}, Events: []string{"chainChanged"}},
		},
		model.UnsupportedChains: {
			"eip155": {Accounts: []string{"eip155:5:0xabc"}, Methods: []string{"personal_sign"}, Events: []string{"chainChanged"}},
		},
		model.UnsupportedEvents: {
			"eip155": {Accounts: []string{account}, Methods: []string{"personal_sign"}, Events: []string{}},
		},
	}
	for want, ns := range cases {
		err := validateConforming(required(), ns)
		require.Error(t, err)
		assert.Equal(t, want, model.AsError(err).Type())
	}

	err := validateConforming(required(), model.Namespaces{})
	assert.Equal(t, model.NonConformingNamespaces, model.AsError(err).Type())
}

func TestValidateRequestAndEvent(t *testing.T) {
	s := model.Session{Namespaces: granted()}
	assert.NoError(t, validateRequest(s, "eip155:1", "personal_sign"))
	assert.Equal(t, model.UnauthorizedChain, model.AsError(validateRequest(s, "eip155:5", "personal_sign")).Type())
	assert.Equal(t, model.UnauthorizedMethod, model.AsError(validateRequest(s, "eip155:1", "eth_sign")).Type())
	assert.NoError(t, validateEvent(s, "eip155:1", "chainChanged"))
	assert.Equal(t, model.UnauthorizedEvent, model.AsError(validateEvent(s, "eip155:1", "accountsChanged")).Type())
}

func TestPendingResolvesOnce(t *testing.T) {
	w := newWaitlist[int]()
	p := w.add(7)
	w.resolve(7, 1, nil)
	w.resolve(7, 2, nil)
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	q := w.add(8)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = q.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyMutexSerializes(t *testing.T) {
	k := newKeyMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("topic")
			defer unlock()
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, k.locks)
}
