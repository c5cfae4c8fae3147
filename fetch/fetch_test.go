package fetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/pkg/retry"
)

// fakeSource is a scriptable connection source.
type fakeSource struct {
	mu        sync.Mutex
	connected bool
	listeners map[int]func(bool)
	nextID    int
}

func newFakeSource(connected bool) *fakeSource {
	return &fakeSource{connected: connected, listeners: make(map[int]func(bool))}
}

func (s *fakeSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSource) OnConnectionChange(fn func(bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *fakeSource) setConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 4, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2.0}
}

func waitForState[T any](t *testing.T, c *Controller[T], want State) Snapshot[T] {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, currently %s", want, c.Snapshot().State)
	return Snapshot[T]{}
}

func TestMountConnectedFetchesImmediately(t *testing.T) {
	source := newFakeSource(true)
	c := NewController(source, func(context.Context) ([]string, error) {
		return []string{"gain"}, nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	snap := waitForState(t, c, StateReady)
	assert.Equal(t, []string{"gain"}, snap.Data)
	assert.False(t, snap.Loading)
	assert.NoError(t, snap.Err)
}

func TestMountDisconnectedWaitsForConnect(t *testing.T) {
	source := newFakeSource(false)
	var calls atomic.Int64
	c := NewController(source, func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	assert.Equal(t, StateWaiting, c.Snapshot().State)
	assert.True(t, c.Snapshot().Loading)
	assert.Equal(t, int64(0), calls.Load())

	source.setConnected(true)
	snap := waitForState(t, c, StateReady)
	assert.Equal(t, 42, snap.Data)
}

func TestConnectTimeout(t *testing.T) {
	source := newFakeSource(false)
	c := NewController(source, func(context.Context) (int, error) {
		return 0, nil
	}, WithRetry(fastRetry()), WithConnectTimeout(30*time.Millisecond))
	defer c.Close()

	snap := waitForState(t, c, StateError)
	require.Error(t, snap.Err)
	assert.True(t, errors.Is(snap.Err, errors.ErrConnectionTimeout))
	assert.Contains(t, snap.Err.Error(), "could not connect within")
}

func TestFetchRetriesThenErrors(t *testing.T) {
	source := newFakeSource(true)
	var calls atomic.Int64
	c := NewController(source, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, fmt.Errorf("backend exploded")
	}, WithRetry(fastRetry()))
	defer c.Close()

	snap := waitForState(t, c, StateError)
	assert.Equal(t, int64(4), calls.Load())
	require.Error(t, snap.Err)
	assert.Equal(t, "fetch failed after 4 attempts: backend exploded", snap.Err.Error())
}

func TestFetchRecoversWithinBudget(t *testing.T) {
	source := newFakeSource(true)
	var calls atomic.Int64
	c := NewController(source, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", fmt.Errorf("transient")
		}
		return "ok", nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	snap := waitForState(t, c, StateReady)
	assert.Equal(t, "ok", snap.Data)
	assert.Equal(t, int64(3), calls.Load())
}

func TestDisconnectMidFetchStaysPending(t *testing.T) {
	source := newFakeSource(true)
	var calls atomic.Int64
	release := make(chan struct{})
	c := NewController(source, func(context.Context) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			<-release
			return 0, errors.ErrDisconnected
		}
		return 7, nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	// Drop the connection while the first fetch is in flight, then let
	// it fail with a disconnect classification.
	source.setConnected(false)
	close(release)

	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, StateFetching, snap.State)
	assert.NoError(t, snap.Err)
	assert.Equal(t, int64(1), calls.Load())

	// Reconnect restarts the sequence.
	source.setConnected(true)
	snap = waitForState(t, c, StateReady)
	assert.Equal(t, 7, snap.Data)
}

func TestReconnectDuringInFlightFetchRestarts(t *testing.T) {
	source := newFakeSource(true)
	var calls atomic.Int64
	release := make(chan struct{})
	c := NewController(source, func(context.Context) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			<-release
			return 0, errors.ErrDisconnected
		}
		return 11, nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	// The connection bounces while the first fetch is still in flight,
	// so the connect event's restart is absorbed by the in-flight guard.
	// When the doomed fetch then fails, the controller must notice the
	// connection is back and start over rather than wait forever.
	source.setConnected(false)
	source.setConnected(true)
	close(release)

	snap := waitForState(t, c, StateReady)
	assert.Equal(t, 11, snap.Data)
	assert.Equal(t, int64(2), calls.Load())
}

func TestConnectTimeoutSubSecondMessage(t *testing.T) {
	source := newFakeSource(false)
	c := NewController(source, func(context.Context) (int, error) {
		return 0, nil
	}, WithRetry(fastRetry()), WithConnectTimeout(50*time.Millisecond))
	defer c.Close()

	snap := waitForState(t, c, StateError)
	require.Error(t, snap.Err)
	assert.Contains(t, snap.Err.Error(), "could not connect within 50ms")
}

func TestTimeoutText(t *testing.T) {
	assert.Equal(t, "15 seconds", timeoutText(15*time.Second))
	assert.Equal(t, "500ms", timeoutText(500*time.Millisecond))
	assert.Equal(t, "1.5s", timeoutText(1500*time.Millisecond))
}

func TestDisconnectWhileReadyKeepsStaleData(t *testing.T) {
	source := newFakeSource(true)
	c := NewController(source, func(context.Context) (string, error) {
		return "fresh", nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	waitForState(t, c, StateReady)

	source.setConnected(false)
	snap := c.Snapshot()
	assert.Equal(t, StateFetching, snap.State)
	assert.True(t, snap.Loading)
	assert.Equal(t, "fresh", snap.Data, "stale data stays visible")
}

func TestSingleFetchInFlight(t *testing.T) {
	source := newFakeSource(true)
	var active, maxActive atomic.Int64
	c := NewController(source, func(context.Context) (int, error) {
		now := active.Add(1)
		for {
			prev := maxActive.Load()
			if now <= prev || maxActive.CompareAndSwap(prev, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return 1, nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	// Rapid toggling and reloads must not start concurrent fetches.
	for i := 0; i < 5; i++ {
		c.Reload()
		source.setConnected(false)
		source.setConnected(true)
	}

	waitForState(t, c, StateReady)
	assert.Equal(t, int64(1), maxActive.Load())
}

func TestCloseIgnoresInFlightResult(t *testing.T) {
	source := newFakeSource(true)
	release := make(chan struct{})
	c := NewController(source, func(context.Context) (int, error) {
		<-release
		return 99, nil
	}, WithRetry(fastRetry()))

	var notified atomic.Int64
	c.Subscribe(func(Snapshot[int]) { notified.Add(1) })

	require.NoError(t, c.Close())
	before := notified.Load()
	close(release)

	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	assert.NotEqual(t, 99, snap.Data, "result after teardown must be discarded")
	assert.Equal(t, before, notified.Load())
}

func TestReloadFromError(t *testing.T) {
	source := newFakeSource(true)
	var fail atomic.Bool
	fail.Store(true)
	c := NewController(source, func(context.Context) (int, error) {
		if fail.Load() {
			return 0, fmt.Errorf("down")
		}
		return 5, nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	waitForState(t, c, StateError)

	fail.Store(false)
	c.Reload()
	snap := waitForState(t, c, StateReady)
	assert.Equal(t, 5, snap.Data)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	source := newFakeSource(true)
	c := NewController(source, func(context.Context) (int, error) {
		return 1, nil
	}, WithRetry(fastRetry()))
	defer c.Close()

	waitForState(t, c, StateReady)

	states := make(chan State, 8)
	unsub := c.Subscribe(func(s Snapshot[int]) { states <- s.State })
	defer unsub()

	c.Reload()

	seen := map[State]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case s := <-states:
			seen[s] = true
		case <-timeout:
			t.Fatalf("transitions not observed, saw %v", seen)
		}
	}
	assert.True(t, seen[StateFetching])
	assert.True(t, seen[StateReady])
}
