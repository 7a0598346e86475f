//go:build capture && linux

package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/duet/internal/core"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceSource captures the local camera and microphone.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func CaptureSource() (core.MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	for _, d := range mediadevices.EnumerateDevices() {
		log.Info().Str("module", "rtc").Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}
	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

type deviceStream struct {
	id   string
	ms   mediadevices.MediaStream
	once sync.Once
}

func (s *deviceStream) ID() string { return s.id }

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range s.ms.GetTracks() {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Close() error {
	s.once.Do(func() {
		for _, t := range s.ms.GetTracks() {
			_ = t.Close()
		}
		log.Info().Str("module", "rtc").Str("stream", s.id).Msg("capture released")
	})
	return nil
}

func (d *DeviceSource) GetStream(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("GetUserMedia failed")
		return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
	}
	return &deviceStream{id: uuid.NewString(), ms: ms}, nil
}
