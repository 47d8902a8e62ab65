package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	N int `json:"n"`
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDelayedJobFiresOnceAfterDelay(t *testing.T) {
	s := New(NewMemoryBackend())
	got := make(chan ping, 4)
	s.Handle("ping", func(_ context.Context, rec Record) error {
		var p ping
		require.NoError(t, json.Unmarshal(rec.Payload, &p))
		got <- p
		return nil
	})

	// enqueued before Run: held until the backend starts
	require.NoError(t, s.Delay(context.Background(), "ping", ping{N: 1}, 20*time.Millisecond))
	start(t, s)
	begin := time.Now()
	require.NoError(t, s.Delay(context.Background(), "ping", ping{N: 2}, 40*time.Millisecond))

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-got:
			seen[p.N] = true
		case <-time.After(time.Second):
			t.Fatal("job did not fire")
		}
	}
	assert.True(t, seen[1] && seen[2])
	assert.GreaterOrEqual(t, time.Since(begin), 35*time.Millisecond)

	select {
	case p := <-got:
		t.Fatalf("unexpected extra delivery %v", p)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRecurringJobKeepsFiring(t *testing.T) {
	s := New(NewMemoryBackend())
	var n atomic.Int32
	s.Handle("sweep", func(context.Context, Record) error {
		n.Add(1)
		return nil
	})
	start(t, s)
	require.NoError(t, s.Every(context.Background(), "expiry-sweep", "sweep", struct{}{}, 10*time.Millisecond))
	// registering again keeps a single schedule
	require.NoError(t, s.Every(context.Background(), "expiry-sweep", "sweep", struct{}{}, 10*time.Millisecond))

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestEveryRejectsZeroInterval(t *testing.T) {
	s := New(NewMemoryBackend())
	assert.Error(t, s.Every(context.Background(), "x", "sweep", nil, 0))
}

func TestUnknownQueueAndHandlerErrorsDoNotStopTheBackend(t *testing.T) {
	s := New(NewMemoryBackend())
	var mu sync.Mutex
	var calls []int
	s.Handle("flaky", func(_ context.Context, rec Record) error {
		var p ping
		_ = json.Unmarshal(rec.Payload, &p)
		mu.Lock()
		calls = append(calls, p.N)
		mu.Unlock()
		if p.N == 1 {
			return errors.New("boom")
		}
		return nil
	})
	start(t, s)
	ctx := context.Background()
	require.NoError(t, s.Delay(ctx, "nobody-listens", ping{}, 0))
	require.NoError(t, s.Delay(ctx, "flaky", ping{N: 1}, 0))
	require.NoError(t, s.Delay(ctx, "flaky", ping{N: 2}, 10*time.Millisecond))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopDropsPendingJobs(t *testing.T) {
	b := NewMemoryBackend()
	s := New(b)
	var fired atomic.Bool
	s.Handle("later", func(context.Context, Record) error {
		fired.Store(true)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	require.NoError(t, s.Delay(context.Background(), "later", nil, time.Hour))
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, b.Pending())
	assert.False(t, fired.Load())
}

func TestEnqueueDuringShutdownIsRefused(t *testing.T) {
	b := NewMemoryBackend()
	s := New(b)
	running := make(chan struct{})
	requeued := make(chan error, 1)
	var fired atomic.Int32
	s.Handle("chain", func(ctx context.Context, _ Record) error {
		if fired.Add(1) > 1 {
			return nil
		}
		close(running)
		<-ctx.Done()
		// a handler scheduling a follow-up while the backend stops
		requeued <- s.Delay(context.Background(), "chain", nil, 0)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	require.NoError(t, s.Delay(context.Background(), "chain", nil, 0))
	<-running

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	<-requeued

	assert.ErrorIs(t, s.Delay(context.Background(), "chain", nil, 0), ErrClosed)
	assert.Zero(t, b.Pending())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestSelectFallsBackWithinTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	begin := time.Now()
	b := Select(context.Background(), slow, 50*time.Millisecond, func() Backend {
		t.Fatal("durable backend must not be built")
		return nil
	})
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, "memory", b.Name())
	assert.False(t, b.Durable())

	ok := func(context.Context) error { return nil }
	want := NewMemoryBackend()
	assert.Same(t, want, Select(context.Background(), ok, time.Second, func() Backend { return want }))
}
