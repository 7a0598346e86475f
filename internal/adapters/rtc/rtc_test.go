package rtc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSignal(t *testing.T, ch <-chan core.SignalPayload) webrtc.SessionDescription {
	t.Helper()
	select {
	case p := <-ch:
		var desc webrtc.SessionDescription
		require.NoError(t, json.Unmarshal(p, &desc))
		return desc
	case <-time.After(10 * time.Second):
		t.Fatal("no local description emitted")
	}
	return webrtc.SessionDescription{}
}

func TestNegotiator_OfferAnswerExchange(t *testing.T) {
	f, err := NewFactory(WebRTCConfig(nil))
	require.NoError(t, err)

	src := &TrackSource{}
	callerStream, err := src.GetStream(context.Background(), core.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer callerStream.Close()

	offers := make(chan core.SignalPayload, 1)
	caller, err := f.NewNegotiator(core.NegotiatorConfig{
		Initiator: true,
		Stream:    callerStream,
		OnSignal:  func(p core.SignalPayload) { offers <- p },
	})
	require.NoError(t, err)
	defer caller.Destroy()

	offer := waitSignal(t, offers)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")

	answers := make(chan core.SignalPayload, 1)
	callee, err := f.NewNegotiator(core.NegotiatorConfig{
		OnSignal: func(p core.SignalPayload) { answers <- p },
	})
	require.NoError(t, err)
	defer callee.Destroy()

	raw, err := json.Marshal(offer)
	require.NoError(t, err)
	require.NoError(t, callee.Signal(raw))

	answer := waitSignal(t, answers)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	raw, err = json.Marshal(answer)
	require.NoError(t, err)
	require.NoError(t, caller.Signal(raw))

	// exactly one remote payload per negotiator
	assert.ErrorIs(t, caller.Signal(raw), core.ErrNegotiationFailed)
}

func TestNegotiator_RejectsWrongDescriptionType(t *testing.T) {
	f, err := NewFactory(WebRTCConfig(nil))
	require.NoError(t, err)

	n, err := f.NewNegotiator(core.NegotiatorConfig{Initiator: true})
	require.NoError(t, err)
	defer n.Destroy()

	raw, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	assert.ErrorIs(t, n.Signal(raw), core.ErrNegotiationFailed)
	assert.ErrorIs(t, n.Signal([]byte("{")), core.ErrNegotiationFailed)
}

func TestNegotiator_DestroyIsIdempotentAndSilences(t *testing.T) {
	f, err := NewFactory(WebRTCConfig(nil))
	require.NoError(t, err)

	n, err := f.NewNegotiator(core.NegotiatorConfig{Initiator: true})
	require.NoError(t, err)
	n.Destroy()
	n.Destroy()

	raw, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.ErrorIs(t, n.Signal(raw), core.ErrNegotiationFailed)
}

func TestTrackSource(t *testing.T) {
	src := &TrackSource{}

	_, err := src.GetStream(context.Background(), core.MediaConstraints{})
	assert.ErrorIs(t, err, core.ErrMediaUnavailable)

	_, err = (&TrackSource{VideoFile: "/nonexistent.ivf"}).GetStream(context.Background(), core.MediaConstraints{Video: true})
	assert.ErrorIs(t, err, core.ErrMediaUnavailable)

	s, err := src.GetStream(context.Background(), core.MediaConstraints{Audio: true})
	require.NoError(t, err)
	ls := s.(*LocalStream)
	require.Len(t, ls.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, ls.Tracks()[0].Kind())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestRecorderSink_IgnoresForeignStreams(t *testing.T) {
	s := &RecorderSink{}
	s.Bind(fakeRemote("x"))
	s.Unbind()
	s.Unbind()
	assert.Zero(t, s.Packets())
}

type fakeRemote string

func (f fakeRemote) ID() string { return string(f) }
