package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/stretchr/testify/require"
)

type published struct {
	Event string
	Data  json.RawMessage
}

// fakeChannel records publishes and lets tests deliver inbound events
// synchronously, as the read loop of the real client would.
type fakeChannel struct {
	mu         sync.Mutex
	nextID     uint64
	handlers   map[string][]handlerRec
	out        []published
	publishErr error
	relay      *fakeRelay
	owner      domain.UserID
}

type handlerRec struct {
	id uint64
	h  core.Handler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]handlerRec)}
}

func (c *fakeChannel) Publish(event string, payload any) error {
	c.mu.Lock()
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.out = append(c.out, published{Event: event, Data: b})
	relay, owner := c.relay, c.owner
	c.mu.Unlock()
	if relay != nil {
		relay.enqueue(owner, event, b)
	}
	return nil
}

func (c *fakeChannel) Subscribe(event string, h core.Handler) core.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], handlerRec{id: c.nextID, h: h})
	return core.Subscription{Event: event, ID: c.nextID}
}

func (c *fakeChannel) Unsubscribe(sub core.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.handlers[sub.Event]
	for i, r := range list {
		if r.id == sub.ID {
			c.handlers[sub.Event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (c *fakeChannel) handlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

func (c *fakeChannel) deliverRaw(event string, data json.RawMessage) {
	c.mu.Lock()
	list := append([]handlerRec(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, r := range list {
		r.h(data)
	}
}

func (c *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	c.deliverRaw(event, b)
}

func (c *fakeChannel) sent(event string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, p := range c.out {
		if p.Event == event {
			out = append(out, p.Data)
		}
	}
	return out
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
}

// fakeRelay routes frames between fake channels the way the relay server
// does. Frames are queued and delivered on flush so no handler runs
// inside another party's publish.
type fakeRelay struct {
	mu    sync.Mutex
	chans map[domain.UserID]*fakeChannel
	queue []relayFrame
}

type relayFrame struct {
	from  domain.UserID
	event string
	data  json.RawMessage
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{chans: make(map[domain.UserID]*fakeChannel)}
}

func (r *fakeRelay) attach(id domain.UserID, c *fakeChannel) {
	c.relay, c.owner = r, id
	r.chans[id] = c
}

func (r *fakeRelay) enqueue(from domain.UserID, event string, data json.RawMessage) {
	r.mu.Lock()
	r.queue = append(r.queue, relayFrame{from: from, event: event, data: data})
	r.mu.Unlock()
}

func (r *fakeRelay) flush(t *testing.T) {
	t.Helper()
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		f := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.route(t, f)
	}
}

func (r *fakeRelay) route(t *testing.T, f relayFrame) {
	switch f.event {
	case core.EventCallUser:
		var p core.CallUser
		require.NoError(t, json.Unmarshal(f.data, &p))
		r.to(p.ReceiverID).deliver(t, core.EventIncomingCall, core.IncomingCall{From: p.CallerID, SignalData: p.SignalData})
	case core.EventAcceptCall:
		var p core.AcceptCall
		require.NoError(t, json.Unmarshal(f.data, &p))
		r.to(p.CallerID).deliver(t, core.EventCallAccepted, core.CallAccepted{From: f.from, SignalData: p.SignalData})
	case core.EventDeclineCall:
		var p core.DeclineCall
		require.NoError(t, json.Unmarshal(f.data, &p))
		r.to(p.CallerID).deliver(t, core.EventCallEnded, core.CallEnded{From: f.from, Reason: core.ReasonDeclined})
	case core.EventHangUp:
		var p core.HangUp
		require.NoError(t, json.Unmarshal(f.data, &p))
		r.to(p.ReceiverID).deliver(t, core.EventCallEnded, core.CallEnded{From: p.CallerID})
	}
}

func (r *fakeRelay) to(id domain.UserID) *fakeChannel {
	if c, ok := r.chans[id]; ok {
		return c
	}
	return newFakeChannel()
}

type fakeChat struct {
	mu      sync.Mutex
	history map[domain.RoomKey][]domain.Message
	histErr error
	sendErr error
	gate    chan struct{}
	entered chan struct{}
	nextID  int
	sends   int
}

func newFakeChat() *fakeChat {
	return &fakeChat{history: make(map[domain.RoomKey][]domain.Message)}
}

func (f *fakeChat) set(a, b domain.UserID, msgs ...domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[domain.NewRoom(a, b).Key()] = msgs
}

func (f *fakeChat) History(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	return append([]domain.Message(nil), f.history[domain.NewRoom(a, b).Key()]...), nil
}

func (f *fakeChat) SendMessage(ctx context.Context, sender, receiver domain.UserID, body string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return domain.Message{}, f.sendErr
	}
	f.nextID++
	return domain.Message{
		ID:         domain.MessageID("sent-" + string(rune('0'+f.nextID))),
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
	}, nil
}

type fakeContacts []domain.User

func (f fakeContacts) Users(context.Context) ([]domain.User, error) { return f, nil }

type fakeStream struct {
	id     string
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	streams []*fakeStream
}

func (m *fakeMedia) GetStream(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{id: "local"}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) last() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type fakeNegotiator struct {
	cfg core.NegotiatorConfig

	mu        sync.Mutex
	signals   []core.SignalPayload
	destroyed int
	// answer is emitted synchronously when an answering negotiator
	// receives the offer.
	answer core.SignalPayload
	// signalErr is returned from Signal.
	signalErr error
}

func (n *fakeNegotiator) Signal(p core.SignalPayload) error {
	n.mu.Lock()
	n.signals = append(n.signals, p)
	answer, err := n.answer, n.signalErr
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if !n.cfg.Initiator && answer != nil {
		n.cfg.OnSignal(answer)
	}
	return nil
}

func (n *fakeNegotiator) Destroy() {
	n.mu.Lock()
	n.destroyed++
	n.mu.Unlock()
}

func (n *fakeNegotiator) received() []core.SignalPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.SignalPayload(nil), n.signals...)
}

func (n *fakeNegotiator) destroys() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed
}

func (n *fakeNegotiator) emitSignal(p string) { n.cfg.OnSignal(core.SignalPayload(p)) }
func (n *fakeNegotiator) emitStream(id string) { n.cfg.OnStream(fakeRemote(id)) }
func (n *fakeNegotiator) emitError(err error)  { n.cfg.OnError(err) }

type fakeNegotiators struct {
	mu      sync.Mutex
	created []*fakeNegotiator
	// offer, when set, is emitted synchronously by initiators on creation.
	offer  core.SignalPayload
	answer core.SignalPayload
	err    error
}

func (f *fakeNegotiators) NewNegotiator(cfg core.NegotiatorConfig) (core.Negotiator, error) {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	n := &fakeNegotiator{cfg: cfg, answer: f.answer}
	f.created = append(f.created, n)
	offer := f.offer
	f.mu.Unlock()
	if cfg.Initiator && offer != nil {
		cfg.OnSignal(offer)
	}
	return n, nil
}

func (f *fakeNegotiators) last() *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *fakeNegotiators) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeRemote string

func (r fakeRemote) ID() string { return string(r) }

type fakeSink struct {
	mu      sync.Mutex
	bound   []string
	unbinds int
}

func (s *fakeSink) Bind(rs core.RemoteStream) {
	s.mu.Lock()
	s.bound = append(s.bound, rs.ID())
	s.mu.Unlock()
}

func (s *fakeSink) Unbind() {
	s.mu.Lock()
	s.unbinds++
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bound...), s.unbinds
}

// drain returns every status queued on ch without blocking.
func drain(ch <-chan CallStatus) []CallStatus {
	var out []CallStatus
	for {
		select {
		case st := <-ch:
			out = append(out, st)
		default:
			return out
		}
	}
}

func states(sts []CallStatus) []CallState {
	out := make([]CallState, len(sts))
	for i, st := range sts {
		out[i] = st.State
	}
	return out
}

func countState(sts []CallStatus, s CallState) int {
	n := 0
	for _, st := range sts {
		if st.State == s {
			n++
		}
	}
	return n
}

func msg(id string, from, to domain.UserID, body string) domain.Message {
	return domain.Message{ID: domain.MessageID(id), SenderID: from, ReceiverID: to, Body: body}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.ID)
	}
	return out
}
