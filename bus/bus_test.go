package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/protocol"
	"github.com/RonHouben/wavecraft-sub004/transport"
)

// echoResponder wires an embedded peer that answers every request with
// the given handler.
func echoResponder(t *testing.T, peer transport.Transport, handle func(protocol.Request) protocol.Response) {
	t.Helper()
	peer.OnMessage(func(data []byte) {
		msg, err := protocol.Classify(data)
		require.NoError(t, err)
		require.Equal(t, protocol.KindRequest, msg.Kind)

		out, err := protocol.Encode(handle(msg.Request))
		require.NoError(t, err)
		require.NoError(t, peer.Send(out))
	})
}

func TestInvokeRoundTrip(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	echoResponder(t, peer, func(req protocol.Request) protocol.Response {
		assert.Equal(t, "getParameter", req.Method)
		resp, err := protocol.NewResult(req.ID, map[string]float64{"value": 0.5})
		require.NoError(t, err)
		return resp
	})

	b := New(local)
	defer b.Close()

	result, err := b.Invoke(context.Background(), "getParameter", map[string]string{"id": "gain"})
	require.NoError(t, err)

	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, 0.5, decoded["value"])
}

func TestInvokeCorrelationIDsMonotonic(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	var mu sync.Mutex
	var ids []uint64
	echoResponder(t, peer, func(req protocol.Request) protocol.Response {
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		resp, _ := protocol.NewResult(req.ID, true)
		return resp
	})

	b := New(local)
	defer b.Close()

	for i := 0; i < 3; i++ {
		_, err := b.Invoke(context.Background(), "ping", nil)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestInvokeApplicationError(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	echoResponder(t, peer, func(req protocol.Request) protocol.Response {
		return protocol.NewError(req.ID, protocol.CodeParameterNotFound, "parameter not found: bogus")
	})

	b := New(local)
	defer b.Close()

	_, err := b.Invoke(context.Background(), "getParameter", map[string]string{"id": "bogus"})
	require.Error(t, err)

	var wireErr *protocol.ErrorObject
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, protocol.CodeParameterNotFound, wireErr.Code)
}

func TestInvokeTimeout(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	// Peer swallows requests.
	peer.OnMessage(func([]byte) {})

	b := New(local, WithRequestTimeout(30*time.Millisecond))
	defer b.Close()

	_, err := b.Invoke(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRequestTimeout))
}

func TestInvokeRespectsCallerDeadline(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	peer.OnMessage(func([]byte) {})

	b := New(local)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Invoke(ctx, "ping", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvokeRejectedWhenDisconnected(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer peer.Close()
	require.NoError(t, local.Close())

	b := New(local)
	defer b.Close()

	_, err := b.Invoke(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestPendingRejectedOnDisconnect(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer peer.Close()

	peer.OnMessage(func([]byte) {})

	b := New(local)
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Invoke(context.Background(), "ping", nil)
		errCh <- err
	}()

	// Let the request land in the pending map, then drop the transport.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, local.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrDisconnected))
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected")
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	b := New(local, WithRequestTimeout(20*time.Millisecond))
	defer b.Close()

	peer.OnMessage(func([]byte) {})
	_, err := b.Invoke(context.Background(), "ping", nil)
	require.Error(t, err)

	// A response to the timed-out id must be dropped, not crash.
	resp := protocol.NewError(1, protocol.CodeInternalError, "late")
	out, encErr := protocol.Encode(resp)
	require.NoError(t, encErr)
	require.NoError(t, peer.Send(out))
}

func TestEventFanOutAndUnsubscribe(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	b := New(local)
	defer b.Close()

	var mu sync.Mutex
	countA, countB := 0, 0
	unsubA := b.On("parameterChanged", func(json.RawMessage) {
		mu.Lock()
		countA++
		mu.Unlock()
	})
	b.On("parameterChanged", func(json.RawMessage) {
		mu.Lock()
		countB++
		mu.Unlock()
	})

	send := func() {
		ev, err := protocol.NewEvent("parameterChanged", map[string]string{"id": "gain"})
		require.NoError(t, err)
		out, err := protocol.Encode(ev)
		require.NoError(t, err)
		require.NoError(t, peer.Send(out))
	}

	send()
	unsubA()
	unsubA() // idempotent
	send()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, countA)
	assert.Equal(t, 2, countB)
}

func TestPanickingListenerIsolated(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	b := New(local)
	defer b.Close()

	survived := false
	b.On("meterFrame", func(json.RawMessage) { panic("boom") })
	b.On("meterFrame", func(json.RawMessage) { survived = true })

	ev, err := protocol.NewEvent("meterFrame", nil)
	require.NoError(t, err)
	out, err := protocol.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, peer.Send(out))

	assert.True(t, survived)
}

func TestMalformedMessageDiscarded(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	b := New(local)
	defer b.Close()

	// None of these may crash the dispatcher.
	require.NoError(t, peer.Send([]byte("not json")))
	require.NoError(t, peer.Send([]byte(`{"id":9}`)))
	require.NoError(t, peer.Send([]byte(`{"unrelated":true}`)))
}

func TestCloseRejectsPending(t *testing.T) {
	local, peer := transport.NewEmbeddedPair()
	defer local.Close()
	defer peer.Close()

	peer.OnMessage(func([]byte) {})

	b := New(local)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Invoke(context.Background(), "ping", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTornDown))
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected on close")
	}
}
