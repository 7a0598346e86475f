package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State distinguishes a client that never connected from one that lost
// its connection, so callers can pick a reconnection policy.
type State int32

const (
	StateNever State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "never"
	}
}

type Options struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
	SendBuffer int
	Header     http.Header
	Dialer     *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type handlerEntry struct {
	id uint64
	h  core.Handler
}

// Client owns the single websocket connection to the signaling server.
// Lifecycle events and received frames are dispatched from the read
// goroutine, one at a time, to the handlers of their event in
// registration order.
type Client struct {
	opts Options

	mu       sync.Mutex
	state    State
	link     *link
	endpoint string

	// dmu serializes dispatch across successive links
	dmu      sync.Mutex
	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   atomic.Uint64
}

var _ core.Channel = (*Client)(nil)

func NewClient(opts Options) *Client {
	return &Client{
		opts:     opts.withDefaults(),
		handlers: make(map[string][]handlerEntry),
	}
}

// link is one physical connection and its pumps.
type link struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (l *link) TrySend(f core.Frame) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return core.ErrNotConnected
	}
	select {
	case l.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (l *link) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	_ = l.conn.Close()
	l.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// liveLocked reports whether the current link can still carry frames.
func (c *Client) liveLocked() bool {
	return c.state == StateConnected && c.link != nil && !c.link.isClosed()
}

// Connect dials endpoint. It is a no-op while a connection is up.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.liveLocked() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Str("endpoint", endpoint).Msg("dial failed")
		return fmt.Errorf("%w: %v", core.ErrChannelUnavailable, err)
	}

	l := &link{
		conn: ws,
		send: make(chan core.Frame, c.opts.SendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.liveLocked() {
		// lost a race with a concurrent Connect
		c.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	c.link = l
	c.state = StateConnected
	c.endpoint = endpoint
	c.mu.Unlock()

	log.Info().Str("module", "channel").Str("endpoint", endpoint).Msg("connected")

	go c.writePump(l)
	go c.readPump(l)
	return nil
}

// Disconnect closes the connection. The client reports disconnected as
// soon as it returns. Handlers stay registered so a later Connect resumes
// delivery.
func (c *Client) Disconnect() {
	c.mu.Lock()
	l := c.link
	c.link = nil
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if l == nil {
		return
	}
	l.Close()
}

func (c *Client) Publish(event string, payload any) error {
	frame, err := core.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	l, state := c.link, c.state
	c.mu.Unlock()
	if l == nil || state != StateConnected {
		return core.ErrNotConnected
	}
	if err := l.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "channel").Str("event", event).Msg("publish dropped")
		return err
	}
	log.Debug().Str("module", "channel").Str("event", event).Msg("publish")
	return nil
}

func (c *Client) Subscribe(event string, h core.Handler) core.Subscription {
	id := c.nextID.Add(1)
	c.hmu.Lock()
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, h: h})
	c.hmu.Unlock()
	return core.Subscription{Event: event, ID: id}
}

// Unsubscribe removes exactly the handler registered under sub. Unknown
// subscriptions are ignored.
func (c *Client) Unsubscribe(sub core.Subscription) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	list := c.handlers[sub.Event]
	for i, e := range list {
		if e.id != sub.ID {
			continue
		}
		next := make([]handlerEntry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(c.handlers, sub.Event)
		} else {
			c.handlers[sub.Event] = next
		}
		return
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.hmu.RLock()
	list := c.handlers[event]
	c.hmu.RUnlock()
	if len(list) == 0 {
		log.Debug().Str("module", "channel").Str("event", event).Msg("no handlers")
		return
	}
	for _, e := range list {
		e.h(data)
	}
}

func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		l.Close()
	}()

	for {
		select {
		case <-l.done:
			_ = l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-l.send:
			if err := l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("writePump set deadline")
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "channel").Msg("ping failed")
				return
			}
		}
	}
}

func (c *Client) readPump(l *link) {
	defer func() {
		l.Close()
		c.mu.Lock()
		if c.link == l {
			c.link = nil
			c.state = StateDisconnected
		}
		// a newer link has already taken over
		replaced := c.link != nil
		endpoint := c.endpoint
		c.mu.Unlock()
		log.Info().Str("module", "channel").Str("endpoint", endpoint).Msg("disconnected")
		if !replaced {
			c.dispatch(core.EventDisconnect, nil)
		}
	}()

	if !l.isClosed() {
		c.dispatch(core.EventConnect, nil)
	}

	l.conn.SetReadLimit(c.opts.ReadLimit)
	_ = l.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				log.Warn().Err(err).Str("module", "channel").Msg("readPump read error")
			}
			return
		}
		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			log.Warn().Str("module", "channel").Msg("bad frame")
			continue
		}
		log.Debug().Str("module", "channel").Str("event", env.Type).Msg("received")
		c.dispatch(env.Type, env.Data)
	}
}
