package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

type CallState int

const (
	StateIdle CallState = iota
	StateOutgoingPending
	StateOutgoingRinging
	StateIncomingRinging
	StateConnected
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingPending:
		return "outgoing-pending"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingRinging:
		return "incoming-ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// CallStatus is what the UI sees of the call. Peer is the remote party,
// the caller while ringing. Reason is set on the transition that ended a
// call and stays on the idle status that follows until the next call.
type CallStatus struct {
	State  CallState
	Peer   domain.UserID
	Reason error
}

type CallOptions struct {
	RingTimeout time.Duration
	Constraints core.MediaConstraints
}

func (o CallOptions) withDefaults() CallOptions {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 30 * time.Second
	}
	if !o.Constraints.Audio && !o.Constraints.Video {
		o.Constraints = core.MediaConstraints{Audio: true, Video: true}
	}
	return o
}

type CallDeps struct {
	Channel     core.Channel
	Media       core.MediaSource
	Negotiators core.NegotiatorFactory
	Sink        core.MediaSink
}

// CallSession is the one-call-at-a-time signaling state machine. The
// caller creates the offering negotiator; the callee only ever answers.
//
// Every call attempt gets a number. Callbacks from the negotiator, the ring
// timer and media acquisition carry the number they were started under and
// are dropped once the attempt has moved on, which is how a cancelled call
// suppresses an offer that is still being produced.
type CallSession struct {
	local domain.UserID
	deps  CallDeps
	opts  CallOptions

	mu        sync.Mutex
	state     CallState
	peer      domain.UserID
	reason    error
	attempt   uint64
	initiator bool
	accepting bool
	answered  bool
	offer     core.SignalPayload
	answer    core.SignalPayload
	stream    *ownedStream
	neg       *ownedNegotiator
	bound     bool
	timer     *time.Timer

	subs      []core.Subscription
	listeners map[uint64]chan CallStatus
	nextID    uint64
}

func NewCallSession(local domain.UserID, deps CallDeps, opts CallOptions) *CallSession {
	s := &CallSession{
		local:     local,
		deps:      deps,
		opts:      opts.withDefaults(),
		listeners: make(map[uint64]chan CallStatus),
	}
	s.subs = []core.Subscription{
		deps.Channel.Subscribe(core.EventIncomingCall, s.onIncomingCall),
		deps.Channel.Subscribe(core.EventCallAccepted, s.onCallAccepted),
		deps.Channel.Subscribe(core.EventCallEnded, s.onCallEnded),
	}
	return s
}

// ownedStream releases the media handle at most once.
type ownedStream struct {
	core.MediaStream
	once sync.Once
}

func (o *ownedStream) release() {
	o.once.Do(func() {
		if err := o.MediaStream.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("media release")
		}
	})
}

type ownedNegotiator struct {
	core.Negotiator
	once sync.Once
}

func (o *ownedNegotiator) destroy() {
	o.once.Do(o.Negotiator.Destroy)
}

// effects collects work that must run after the lock is released.
type effects struct {
	cleanup []func()
}

func (fx *effects) run() {
	for _, f := range fx.cleanup {
		f()
	}
}

func (s *CallSession) Status() CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CallStatus{State: s.state, Peer: s.peer, Reason: s.reason}
}

// Subscribe returns a channel of status transitions in the order they
// happen. A reader that falls behind the buffer misses transitions;
// Status stays authoritative.
func (s *CallSession) Subscribe(buffer int) (<-chan CallStatus, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan CallStatus, buffer)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *CallSession) setStateLocked(state CallState) {
	prev := s.state
	s.state = state
	st := CallStatus{State: state, Peer: s.peer, Reason: s.reason}
	log.Info().Str("module", "call").Str("from", prev.String()).Str("to", state.String()).Str("peer", string(s.peer)).Msg("call state")
	for _, ch := range s.listeners {
		select {
		case ch <- st:
		default:
			log.Warn().Str("module", "call").Str("state", state.String()).Msg("status listener full")
		}
	}
}

// endLocked moves an active call through ended to idle. Negotiator,
// media and sink are detached under the lock and torn down by fx.
func (s *CallSession) endLocked(reason error, notifyRemote bool, fx *effects) {
	if s.state == StateIdle {
		return
	}
	peer := s.peer
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if notifyRemote && peer != "" {
		if err := s.deps.Channel.Publish(core.EventHangUp, core.HangUp{CallerID: s.local, ReceiverID: peer}); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("hang_up not published")
		}
	}

	neg, stream, bound := s.neg, s.stream, s.bound
	s.neg, s.stream, s.bound = nil, nil, false
	s.offer, s.answer = nil, nil
	s.accepting, s.answered, s.initiator = false, false, false
	s.attempt++

	if neg != nil {
		fx.cleanup = append(fx.cleanup, neg.destroy)
	}
	if bound && s.deps.Sink != nil {
		fx.cleanup = append(fx.cleanup, s.deps.Sink.Unbind)
	}
	if stream != nil {
		fx.cleanup = append(fx.cleanup, stream.release)
	}

	s.reason = reason
	s.setStateLocked(StateEnded)
	s.peer = ""
	s.setStateLocked(StateIdle)
}

// resetRingingLocked drops an incoming call that never got media.
func (s *CallSession) resetRingingLocked(reason error) {
	s.offer = nil
	s.accepting = false
	s.attempt++
	s.reason = reason
	s.setStateLocked(StateIdle)
	s.peer = ""
}

// PlaceCall calls peer. It returns once local media is acquired and the
// offering negotiator is running; the call then rings until accepted,
// declined, cancelled or timed out.
func (s *CallSession) PlaceCall(ctx context.Context, peer domain.UserID) error {
	if !peer.Valid() || peer == s.local {
		return core.ErrNoCounterpart
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return core.ErrCallBusy
	}
	s.attempt++
	attempt := s.attempt
	s.peer = peer
	s.reason = nil
	s.initiator = true
	s.setStateLocked(StateOutgoingPending)
	s.mu.Unlock()

	stream, err := s.deps.Media.GetStream(ctx, s.opts.Constraints)

	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return core.ErrCallCancelled
	}
	if err != nil {
		var fx effects
		err = wrapMedia(err)
		s.endLocked(err, false, &fx)
		s.mu.Unlock()
		fx.run()
		return err
	}
	owned := &ownedStream{MediaStream: stream}
	s.stream = owned
	s.mu.Unlock()

	neg, err := s.deps.Negotiators.NewNegotiator(s.negotiatorConfig(attempt, true, stream))
	return s.attachNegotiator(attempt, neg, err)
}

// attachNegotiator stores a freshly created negotiator unless the attempt
// ended while it was being built.
func (s *CallSession) attachNegotiator(attempt uint64, neg core.Negotiator, err error) error {
	var fx effects
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		if neg != nil {
			neg.Destroy()
		}
		return core.ErrCallCancelled
	}
	if err != nil {
		err = wrapNegotiation(err)
		s.endLocked(err, s.state != StateOutgoingPending, &fx)
		s.mu.Unlock()
		fx.run()
		return err
	}
	s.neg = &ownedNegotiator{Negotiator: neg}
	pending := s.answer
	s.answer = nil
	s.mu.Unlock()

	if pending != nil {
		s.feedRemote(attempt, pending)
	}
	return nil
}

func (s *CallSession) negotiatorConfig(attempt uint64, initiator bool, stream core.MediaStream) core.NegotiatorConfig {
	return core.NegotiatorConfig{
		Initiator: initiator,
		Stream:    stream,
		OnSignal:  func(p core.SignalPayload) { s.onLocalSignal(attempt, p) },
		OnStream:  func(rs core.RemoteStream) { s.onRemoteStream(attempt, rs) },
		OnError:   func(err error) { s.onNegotiationError(attempt, err) },
	}
}

// feedRemote hands the single remote payload to the negotiator.
func (s *CallSession) feedRemote(attempt uint64, payload core.SignalPayload) {
	s.mu.Lock()
	if s.attempt != attempt || s.neg == nil {
		s.mu.Unlock()
		return
	}
	neg := s.neg
	s.mu.Unlock()

	if err := neg.Signal(payload); err != nil {
		s.onNegotiationError(attempt, err)
	}
}

func (s *CallSession) onLocalSignal(attempt uint64, payload core.SignalPayload) {
	var fx effects
	defer fx.run()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt {
		log.Debug().Str("module", "call").Msg("stale local signal dropped")
		return
	}

	switch {
	case s.initiator && s.state == StateOutgoingPending:
		err := s.deps.Channel.Publish(core.EventCallUser, core.CallUser{
			CallerID:   s.local,
			ReceiverID: s.peer,
			SignalData: payload,
		})
		if err != nil {
			s.endLocked(fmt.Errorf("call_user: %w", err), false, &fx)
			return
		}
		s.setStateLocked(StateOutgoingRinging)
		s.timer = time.AfterFunc(s.opts.RingTimeout, func() { s.onRingTimeout(attempt) })

	case !s.initiator && s.state == StateConnected && !s.answered:
		s.answered = true
		err := s.deps.Channel.Publish(core.EventAcceptCall, core.AcceptCall{
			CallerID:   s.peer,
			SignalData: payload,
		})
		if err != nil {
			s.endLocked(fmt.Errorf("accept_call: %w", err), false, &fx)
		}

	default:
		log.Debug().Str("module", "call").Str("state", s.state.String()).Msg("unexpected local signal ignored")
	}
}

func (s *CallSession) onRemoteStream(attempt uint64, rs core.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt || s.state != StateConnected || s.bound {
		return
	}
	if s.deps.Sink != nil {
		s.deps.Sink.Bind(rs)
		s.bound = true
	}
	log.Info().Str("module", "call").Str("peer", string(s.peer)).Str("stream", rs.ID()).Msg("remote media bound")
}

func (s *CallSession) onNegotiationError(attempt uint64, err error) {
	var fx effects
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	notify := s.state == StateOutgoingRinging || s.state == StateConnected
	s.endLocked(wrapNegotiation(err), notify, &fx)
	s.mu.Unlock()
	fx.run()
}

func (s *CallSession) onRingTimeout(attempt uint64) {
	var fx effects
	s.mu.Lock()
	if s.attempt != attempt || s.state != StateOutgoingRinging {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.endLocked(core.ErrCallTimeout, true, &fx)
	s.mu.Unlock()
	fx.run()
}

func (s *CallSession) onIncomingCall(data json.RawMessage) {
	var p core.IncomingCall
	if err := json.Unmarshal(data, &p); err != nil || !p.From.Valid() {
		log.Warn().Str("module", "call").Msg("bad incoming_call payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		if p.From == s.peer && s.state == StateIncomingRinging {
			log.Debug().Str("module", "call").Str("peer", string(p.From)).Msg("repeated offer ignored")
			return
		}
		log.Info().Str("module", "call").Str("caller", string(p.From)).Str("state", s.state.String()).Msg("busy, declining incoming call")
		if err := s.deps.Channel.Publish(core.EventDeclineCall, core.DeclineCall{CallerID: p.From}); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("decline_call not published")
		}
		return
	}

	s.attempt++
	s.peer = p.From
	s.offer = p.SignalData
	s.reason = nil
	s.initiator = false
	s.setStateLocked(StateIncomingRinging)
}

func (s *CallSession) onCallAccepted(data json.RawMessage) {
	var p core.CallAccepted
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Str("module", "call").Msg("bad call_accepted payload")
		return
	}

	s.mu.Lock()
	if s.state != StateOutgoingRinging || (p.From != "" && p.From != s.peer) {
		log.Debug().Str("module", "call").Str("state", s.state.String()).Str("from", string(p.From)).Msg("call_accepted ignored")
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	attempt := s.attempt
	s.setStateLocked(StateConnected)
	if s.neg == nil {
		// offer emitted before the negotiator was stored
		s.answer = p.SignalData
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.feedRemote(attempt, p.SignalData)
}

func (s *CallSession) onCallEnded(data json.RawMessage) {
	var p core.CallEnded
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Str("module", "call").Msg("bad call_ended payload")
			return
		}
	}

	var fx effects
	s.mu.Lock()
	if s.state == StateIdle || (p.From != "" && p.From != s.peer) {
		s.mu.Unlock()
		return
	}
	reason := core.ErrRemoteHangup
	if p.Reason == core.ReasonDeclined {
		reason = core.ErrCallDeclined
	}
	if s.state == StateIncomingRinging {
		s.resetRingingLocked(core.ErrCallCancelled)
	} else {
		s.endLocked(reason, false, &fx)
	}
	s.mu.Unlock()
	fx.run()
}

// Accept answers the ringing call. Local media is acquired first; the
// accept event goes out once the answer payload is ready.
func (s *CallSession) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIncomingRinging || s.accepting {
		s.mu.Unlock()
		return core.ErrNoActiveCall
	}
	s.accepting = true
	attempt, offer := s.attempt, s.offer
	s.mu.Unlock()

	stream, err := s.deps.Media.GetStream(ctx, s.opts.Constraints)

	var fx effects
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return core.ErrCallCancelled
	}
	if err != nil {
		err = wrapMedia(err)
		if perr := s.deps.Channel.Publish(core.EventDeclineCall, core.DeclineCall{CallerID: s.peer}); perr != nil {
			log.Warn().Err(perr).Str("module", "call").Msg("decline_call not published")
		}
		s.endLocked(err, false, &fx)
		s.mu.Unlock()
		fx.run()
		return err
	}
	s.stream = &ownedStream{MediaStream: stream}
	s.offer = nil
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	neg, err := s.deps.Negotiators.NewNegotiator(s.negotiatorConfig(attempt, false, stream))
	if err := s.attachNegotiator(attempt, neg, err); err != nil {
		return err
	}
	s.feedRemote(attempt, offer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt {
		return s.reason
	}
	return nil
}

// Decline rejects the ringing call and returns to idle.
func (s *CallSession) Decline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIncomingRinging {
		return core.ErrNoActiveCall
	}
	if err := s.deps.Channel.Publish(core.EventDeclineCall, core.DeclineCall{CallerID: s.peer}); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("decline_call not published")
	}
	s.resetRingingLocked(core.ErrCallDeclined)
	return nil
}

// Hangup ends whatever call is active: it cancels an outgoing call,
// declines a ringing one and ends a connected one.
func (s *CallSession) Hangup() error {
	var fx effects
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateEnded:
		s.mu.Unlock()
		return core.ErrNoActiveCall
	case StateIncomingRinging:
		s.mu.Unlock()
		return s.Decline()
	case StateOutgoingPending:
		// nothing reached the remote side yet
		s.endLocked(core.ErrCallCancelled, false, &fx)
	case StateOutgoingRinging:
		s.endLocked(core.ErrCallCancelled, true, &fx)
	case StateConnected:
		s.endLocked(nil, true, &fx)
	}
	s.mu.Unlock()
	fx.run()
	return nil
}

// Close ends any active call and stops listening on the channel.
func (s *CallSession) Close() {
	_ = s.Hangup()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		s.deps.Channel.Unsubscribe(sub)
	}
}

func wrapMedia(err error) error {
	if errors.Is(err, core.ErrMediaUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
}

func wrapNegotiation(err error) error {
	if errors.Is(err, core.ErrNegotiationFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
}
