package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RonHouben/wavecraft-sub004/errors"
)

func TestEmbeddedPairDelivery(t *testing.T) {
	a, b := NewEmbeddedPair()
	defer a.Close()
	defer b.Close()

	var got []byte
	b.OnMessage(func(data []byte) { got = data })

	require.NoError(t, a.Send([]byte(`{"event":"ping"}`)))
	assert.Equal(t, []byte(`{"event":"ping"}`), got)
}

func TestEmbeddedBidirectional(t *testing.T) {
	a, b := NewEmbeddedPair()
	defer a.Close()
	defer b.Close()

	var fromA, fromB []byte
	a.OnMessage(func(data []byte) { fromB = data })
	b.OnMessage(func(data []byte) { fromA = data })

	require.NoError(t, a.Send([]byte("to-b")))
	require.NoError(t, b.Send([]byte("to-a")))

	assert.Equal(t, []byte("to-b"), fromA)
	assert.Equal(t, []byte("to-a"), fromB)
}

func TestEmbeddedDropsWithoutHandler(t *testing.T) {
	a, b := NewEmbeddedPair()
	defer a.Close()
	defer b.Close()

	// No handler mounted on b; the channel drops instead of buffering.
	assert.NoError(t, a.Send([]byte("lost")))
}

func TestEmbeddedAlwaysConnected(t *testing.T) {
	a, b := NewEmbeddedPair()
	defer b.Close()

	assert.True(t, a.IsConnected())
	assert.Equal(t, KindEmbedded, a.Kind())

	require.NoError(t, a.Close())
	assert.False(t, a.IsConnected())

	err := a.Send([]byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestEmbeddedCloseNotifiesOnce(t *testing.T) {
	a, _ := NewEmbeddedPair()

	var calls []bool
	a.OnConnectionChange(func(connected bool) { calls = append(calls, connected) })

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Equal(t, []bool{false}, calls)
}

func TestConnNotifierOncePerTransition(t *testing.T) {
	n := newConnNotifier(false)

	var mu sync.Mutex
	var calls []bool
	n.subscribe(func(connected bool) {
		mu.Lock()
		calls = append(calls, connected)
		mu.Unlock()
	})

	n.set(true)
	n.set(true)
	n.set(false)
	n.set(false)
	n.set(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, calls)
}

func TestConnNotifierUnsubscribeIdempotent(t *testing.T) {
	n := newConnNotifier(false)

	count := 0
	unsub := n.subscribe(func(bool) { count++ })
	other := 0
	n.subscribe(func(bool) { other++ })

	n.set(true)
	unsub()
	unsub() // second call must not disturb other listeners
	n.set(false)

	assert.Equal(t, 1, count)
	assert.Equal(t, 2, other)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "embedded", KindEmbedded.String())
	assert.Equal(t, "networked", KindNetworked.String())
	assert.Equal(t, "none", KindNone.String())
}

func TestStatusOf(t *testing.T) {
	a, b := NewEmbeddedPair()
	defer b.Close()

	assert.Equal(t, Status{Connected: true, Kind: KindEmbedded}, StatusOf(a))

	require.NoError(t, a.Close())
	assert.Equal(t, Status{Connected: false, Kind: KindEmbedded}, StatusOf(a))
}
