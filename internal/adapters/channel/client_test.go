package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer replies to every frame with the same frame and records
// what it received.
type echoServer struct {
	*httptest.Server
	mu    sync.Mutex
	got   []core.Envelope
	conns []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, ws)
		es.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env core.Envelope
			_ = json.Unmarshal(data, &env)
			es.mu.Lock()
			es.got = append(es.got, env)
			es.mu.Unlock()
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(es.URL, "http")
}

func (es *echoServer) dropAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		_ = c.Close()
	}
}

func TestConnect_UnreachableIsChannelUnavailable(t *testing.T) {
	c := NewClient(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Connect(ctx, "ws://127.0.0.1:1/ws")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrChannelUnavailable))
	assert.Equal(t, StateNever, c.State())
}

func TestConnect_IsIdempotent(t *testing.T) {
	es := newEchoServer(t)
	c := NewClient(Options{})
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	assert.Equal(t, StateConnected, c.State())

	es.mu.Lock()
	n := len(es.conns)
	es.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestPublish_NotConnected(t *testing.T) {
	c := NewClient(Options{})
	err := c.Publish(core.EventJoinRoom, core.JoinRoom{SenderID: "a", ReceiverID: "b"})
	assert.ErrorIs(t, err, core.ErrNotConnected)
}

func TestPublishSubscribe_RoundTripInRegistrationOrder(t *testing.T) {
	es := newEchoServer(t)
	c := NewClient(Options{})
	defer c.Disconnect()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	c.Subscribe(core.EventJoinRoom, func(data json.RawMessage) {
		var p core.JoinRoom
		assert.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, "a", string(p.SenderID))
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	c.Subscribe(core.EventJoinRoom, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	})

	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	require.NoError(t, c.Publish(core.EventJoinRoom, core.JoinRoom{SenderID: "a", ReceiverID: "b"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("echo not delivered")
	}
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	es.mu.Lock()
	require.Len(t, es.got, 1)
	assert.Equal(t, core.EventJoinRoom, es.got[0].Type)
	es.mu.Unlock()
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	es := newEchoServer(t)
	c := NewClient(Options{})
	defer c.Disconnect()

	var mu sync.Mutex
	stale := 0
	sub := c.Subscribe(core.EventReceiveMessage, func(json.RawMessage) {
		mu.Lock()
		stale++
		mu.Unlock()
	})
	c.Unsubscribe(sub)
	c.Unsubscribe(sub)

	fresh := make(chan struct{}, 1)
	c.Subscribe(core.EventReceiveMessage, func(json.RawMessage) { fresh <- struct{}{} })

	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	require.NoError(t, c.Publish(core.EventReceiveMessage, map[string]string{"_id": "1"}))

	select {
	case <-fresh:
	case <-time.After(2 * time.Second):
		t.Fatal("echo not delivered")
	}
	mu.Lock()
	assert.Zero(t, stale)
	mu.Unlock()
}

func TestServerDrop_ReportsDisconnected(t *testing.T) {
	es := newEchoServer(t)
	c := NewClient(Options{})

	gone := make(chan struct{}, 1)
	c.Subscribe(core.EventDisconnect, func(json.RawMessage) { gone <- struct{}{} })

	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	es.dropAll()

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Publish(core.EventHangUp, nil), core.ErrNotConnected)

	// reconnect keeps handlers
	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	assert.Equal(t, StateConnected, c.State())
	c.Disconnect()
}

func TestDisconnectThenConnect_DialsAgain(t *testing.T) {
	es := newEchoServer(t)
	c := NewClient(Options{})
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Publish(core.EventJoinRoom, nil), core.ErrNotConnected)

	echoed := make(chan struct{}, 1)
	c.Subscribe(core.EventJoinRoom, func(json.RawMessage) { echoed <- struct{}{} })

	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	assert.Equal(t, StateConnected, c.State())
	require.NoError(t, c.Publish(core.EventJoinRoom, core.JoinRoom{SenderID: "a", ReceiverID: "b"}))

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("publish after reconnect not delivered")
	}
	es.mu.Lock()
	assert.Len(t, es.conns, 2)
	es.mu.Unlock()
}

func TestConnectEvent_SharesDispatchWithFrames(t *testing.T) {
	es := newEchoServer(t)
	c := NewClient(Options{})
	defer c.Disconnect()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	c.Subscribe(core.EventConnect, func(json.RawMessage) {
		<-release
		mu.Lock()
		order = append(order, "connect")
		mu.Unlock()
	})
	echoed := make(chan struct{})
	c.Subscribe(core.EventJoinRoom, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "echo")
		mu.Unlock()
		close(echoed)
	})

	// Connect must not wait for its own event handlers.
	require.NoError(t, c.Connect(context.Background(), es.wsURL()))
	require.NoError(t, c.Publish(core.EventJoinRoom, core.JoinRoom{SenderID: "a", ReceiverID: "b"}))

	select {
	case <-echoed:
		t.Fatal("frame dispatched while the connect handler was running")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("echo not delivered")
	}
	mu.Lock()
	assert.Equal(t, []string{"connect", "echo"}, order)
	mu.Unlock()
}
