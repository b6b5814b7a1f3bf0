package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing() (interface{}, error) { return nil, errors.New("boom") }

func TestCircuitBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour

	var (
		mu          sync.Mutex
		transitions []State
	)
	cb, err := New(cfg, nil, WithStateListener(func(_ string, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), failing)
		require.Error(t, err)
		assert.False(t, IsOpenError(err))
	}

	assert.True(t, cb.IsOpen())
	_, err = cb.Execute(context.Background(), func() (interface{}, error) { return "unreachable", nil })
	assert.True(t, IsOpenError(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cfg := DefaultConfig("cancel")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = cb.Execute(context.Background(), func() (interface{}, error) { return nil, context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, cb.IsClosed())
}

func TestManager_HealthStatus(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("llm", DefaultConfig("ignored"))
	require.NoError(t, err)
	again, err := m.GetOrCreate("llm", DefaultConfig("ignored"))
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = a.Execute(context.Background(), func() (interface{}, error) { return 1, nil })
	require.NoError(t, err)

	got, ok := m.Get("llm")
	require.True(t, ok)
	assert.Same(t, a, got)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, "llm", statuses[0].Name)
	assert.Equal(t, StateClosed, statuses[0].State)
	assert.Equal(t, uint32(1), statuses[0].Requests)
	assert.True(t, statuses[0].Healthy)
}

func TestManager_ListenerReachesEveryBreaker(t *testing.T) {
	var (
		mu    sync.Mutex
		moved = map[string]State{}
	)
	m := NewManager(nil, WithStateListener(func(name string, to State) {
		mu.Lock()
		moved[name] = to
		mu.Unlock()
	}))

	cfg := DefaultConfig("ignored")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	for _, name := range []string{"judgment", "audit"} {
		cb, err := m.GetOrCreate(name, cfg)
		require.NoError(t, err)
		_, err = cb.Execute(context.Background(), failing)
		require.Error(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]State{"judgment": StateOpen, "audit": StateOpen}, moved)

	// a bare breaker has no listener to call
	bare, err := New(cfg, nil)
	require.NoError(t, err)
	_, _ = bare.Execute(context.Background(), failing)
	assert.True(t, bare.IsOpen())
	assert.Len(t, moved, 2)
}
