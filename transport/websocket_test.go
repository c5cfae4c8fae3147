package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/pkg/retry"
)

// fastBackoff keeps reconnect tests quick.
func fastBackoff(maxAttempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })
	return srv
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestNetworkedRoundTrip(t *testing.T) {
	srv := startTestServer(t)

	// Echo every inbound message back to its session.
	srv.OnMessage(func(sessionID string, data []byte) {
		require.NoError(t, srv.SendTo(sessionID, data))
	})

	client := NewNetworked("ws://"+srv.Addr()+"/ws", WithBackoff(fastBackoff(3)))
	defer client.Close()

	received := make(chan []byte, 1)
	client.OnMessage(func(data []byte) { received <- data })

	require.NoError(t, client.Connect(context.Background()))
	waitFor(t, 2*time.Second, client.IsConnected)

	require.NoError(t, client.Send([]byte(`{"id":1,"method":"ping"}`)))

	select {
	case data := <-received:
		assert.Equal(t, []byte(`{"id":1,"method":"ping"}`), data)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestNetworkedSendWhileDisconnected(t *testing.T) {
	client := NewNetworked("ws://127.0.0.1:1/ws", WithBackoff(fastBackoff(2)))
	defer client.Close()

	err := client.Send([]byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestNetworkedGivesUpAfterAttemptCap(t *testing.T) {
	// Nothing listens on this port.
	client := NewNetworked("ws://127.0.0.1:1/ws", WithBackoff(fastBackoff(2)))
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	waitFor(t, 2*time.Second, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return !client.loopActive
	})
	assert.False(t, client.notifier.get())

	// A fresh Connect restarts the loop with a reset budget.
	require.NoError(t, client.Connect(context.Background()))
}

func TestNetworkedLazyConnectOnIsConnected(t *testing.T) {
	srv := startTestServer(t)

	client := NewNetworked("ws://"+srv.Addr()+"/ws", WithBackoff(fastBackoff(3)))
	defer client.Close()

	// No explicit Connect: the first IsConnected arms the lazy dial.
	assert.False(t, client.IsConnected())
	waitFor(t, 2*time.Second, client.IsConnected)
}

func TestNetworkedConnectionChangeOnServerDrop(t *testing.T) {
	srv := startTestServer(t)

	client := NewNetworked("ws://"+srv.Addr()+"/ws", WithBackoff(fastBackoff(5)))
	defer client.Close()

	transitions := make(chan bool, 8)
	client.OnConnectionChange(func(connected bool) { transitions <- connected })

	require.NoError(t, client.Connect(context.Background()))

	select {
	case connected := <-transitions:
		assert.True(t, connected)
	case <-time.After(2 * time.Second):
		t.Fatal("no connect transition")
	}

	require.NoError(t, srv.Stop(time.Second))

	select {
	case connected := <-transitions:
		assert.False(t, connected)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect transition")
	}
}

func TestServerBroadcastAndSessionHooks(t *testing.T) {
	joined := make(chan string, 2)
	left := make(chan string, 2)
	srv := NewServer("127.0.0.1:0", WithSessionHooks(
		func(id string) { joined <- id },
		func(id string) { left <- id },
	))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(2 * time.Second)

	c1 := NewNetworked("ws://"+srv.Addr()+"/ws", WithBackoff(fastBackoff(3)))
	c2 := NewNetworked("ws://"+srv.Addr()+"/ws", WithBackoff(fastBackoff(3)))
	defer c1.Close()
	defer c2.Close()

	got1 := make(chan []byte, 1)
	got2 := make(chan []byte, 1)
	c1.OnMessage(func(data []byte) { got1 <- data })
	c2.OnMessage(func(data []byte) { got2 <- data })

	require.NoError(t, c1.Connect(context.Background()))
	require.NoError(t, c2.Connect(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 2 })

	<-joined
	<-joined

	srv.Broadcast([]byte(`{"event":"meterFrame"}`))

	for _, ch := range []chan []byte{got1, got2} {
		select {
		case data := <-ch:
			assert.Equal(t, []byte(`{"event":"meterFrame"}`), data)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}

	require.NoError(t, c1.Close())
	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("no leave hook")
	}
}

func TestServerStopReturnsPromptlyWithLiveSession(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start(context.Background()))

	client := NewNetworked("ws://"+srv.Addr()+"/ws", WithBackoff(fastBackoff(3)))
	defer client.Close()
	require.NoError(t, client.Connect(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 })

	// The ping loop must not hold shutdown hostage for its 30s interval.
	start := time.Now()
	require.NoError(t, srv.Stop(time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServerSendToUnknownSession(t *testing.T) {
	srv := startTestServer(t)

	err := srv.SendTo("no-such-session", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}
