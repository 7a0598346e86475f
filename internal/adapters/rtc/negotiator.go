package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/duet/internal/core"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errAlreadySignalled = errors.New("remote description already applied")

func WebRTCConfig(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// Factory builds pion-backed negotiators sharing one media engine.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.NegotiatorFactory = (*Factory)(nil)

func NewFactory(cfg webrtc.Configuration) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	)
	return &Factory{api: api, cfg: cfg}, nil
}

// trackProvider is implemented by local streams that carry pion tracks.
type trackProvider interface {
	Tracks() []webrtc.TrackLocal
}

// Negotiator runs one non-trickle offer/answer exchange: the full local
// description, candidates included, is emitted once gathering completes.
type Negotiator struct {
	id        string
	pc        *webrtc.PeerConnection
	initiator bool
	cfg       core.NegotiatorConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	signalled  bool
	remote     *RemoteStream
	streamOnce sync.Once
	failOnce   sync.Once
	closeOnce  sync.Once
}

func (f *Factory) NewNegotiator(cfg core.NegotiatorConfig) (core.Negotiator, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		id:        uuid.NewString(),
		pc:        pc,
		initiator: cfg.Initiator,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := n.attachLocal(cfg.Stream); err != nil {
		n.Destroy()
		return nil, fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
	}
	n.bindEvents()

	if n.initiator {
		go n.offer()
	}
	log.Info().Str("module", "rtc").Str("negotiator", n.id).Bool("initiator", n.initiator).Msg("negotiator created")
	return n, nil
}

func (n *Negotiator) attachLocal(stream core.MediaStream) error {
	var tracks []webrtc.TrackLocal
	if tp, ok := stream.(trackProvider); ok {
		tracks = tp.Tracks()
	}
	if len(tracks) == 0 {
		// receive-only so the SDP still has audio and video m-lines
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := n.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range tracks {
		sender, err := n.pc.AddTrack(t)
		if err != nil {
			return err
		}
		go drainRTCP(n.ctx, sender)
	}
	return nil
}

// drainRTCP keeps interceptors fed; pion requires RTCP to be read.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (n *Negotiator) bindEvents() {
	n.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("negotiator", n.id).Str("ice_state", s.String()).Msg("ICE state")
	})

	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("negotiator", n.id).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			n.fail(errors.New("peer connection failed"))
		}
	})

	n.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("negotiator", n.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")

		n.mu.Lock()
		if n.remote == nil {
			n.remote = newRemoteStream(track.StreamID())
		}
		rs := n.remote
		n.mu.Unlock()

		rs.push(track)
		n.streamOnce.Do(func() {
			if n.ctx.Err() == nil && n.cfg.OnStream != nil {
				n.cfg.OnStream(rs)
			}
		})
	})
}

func (n *Negotiator) offer() {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.fail(err)
		return
	}
	n.setLocalAndEmit(offer)
}

func (n *Negotiator) setLocalAndEmit(desc webrtc.SessionDescription) {
	gatherComplete := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(desc); err != nil {
		n.fail(err)
		return
	}
	select {
	case <-gatherComplete:
	case <-n.ctx.Done():
		return
	}

	local := n.pc.LocalDescription()
	if local == nil {
		n.fail(errors.New("no local description"))
		return
	}
	payload, err := json.Marshal(local)
	if err != nil {
		n.fail(err)
		return
	}
	if n.ctx.Err() != nil {
		return
	}
	log.Debug().Str("module", "rtc").Str("negotiator", n.id).Str("sdp_type", local.Type.String()).Msg("local description ready")
	if n.cfg.OnSignal != nil {
		n.cfg.OnSignal(payload)
	}
}

// Signal applies the single remote description. The initiator expects an
// answer; the answering side expects an offer and replies via OnSignal.
func (n *Negotiator) Signal(payload core.SignalPayload) error {
	if n.ctx.Err() != nil {
		return fmt.Errorf("%w: negotiator destroyed", core.ErrNegotiationFailed)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("%w: bad payload: %v", core.ErrNegotiationFailed, err)
	}

	n.mu.Lock()
	if n.signalled {
		n.mu.Unlock()
		return fmt.Errorf("%w: %v", core.ErrNegotiationFailed, errAlreadySignalled)
	}
	n.signalled = true
	n.mu.Unlock()

	want := webrtc.SDPTypeOffer
	if n.initiator {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", core.ErrNegotiationFailed, want, desc.Type)
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
	}
	if n.initiator {
		return nil
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
	}
	go n.setLocalAndEmit(answer)
	return nil
}

func (n *Negotiator) fail(err error) {
	if n.ctx.Err() != nil {
		return
	}
	n.failOnce.Do(func() {
		log.Error().Err(err).Str("module", "rtc").Str("negotiator", n.id).Msg("negotiation failed")
		if n.cfg.OnError != nil {
			n.cfg.OnError(fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err))
		}
	})
}

// Destroy closes the peer connection. Callbacks stop firing afterwards.
func (n *Negotiator) Destroy() {
	n.closeOnce.Do(func() {
		n.cancel()
		if err := n.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("negotiator", n.id).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("negotiator", n.id).Msg("closed")
		}
	})
}

// RemoteStream groups the remote tracks of one call.
type RemoteStream struct {
	id     string
	tracks chan *webrtc.TrackRemote
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id, tracks: make(chan *webrtc.TrackRemote, 4)}
}

func (s *RemoteStream) ID() string { return s.id }

// Tracks yields remote tracks as they arrive.
func (s *RemoteStream) Tracks() <-chan *webrtc.TrackRemote { return s.tracks }

func (s *RemoteStream) push(t *webrtc.TrackRemote) {
	select {
	case s.tracks <- t:
	default:
		log.Warn().Str("module", "rtc").Str("stream", s.id).Msg("remote track dropped")
	}
}
