package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

// TrackSource hands out local VP8/Opus tracks. With VideoFile (IVF) or
// AudioFile (Ogg/Opus) set, the tracks are fed from those files in a loop;
// otherwise they stay silent and only take part in negotiation.
type TrackSource struct {
	VideoFile string
	AudioFile string
}

var _ core.MediaSource = (*TrackSource)(nil)

type LocalStream struct {
	id     string
	tracks []webrtc.TrackLocal
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *LocalStream) ID() string                   { return s.id }
func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *LocalStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		log.Info().Str("module", "rtc").Str("stream", s.id).Msg("local stream released")
	})
	return nil
}

func (src *TrackSource) GetStream(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no tracks requested", core.ErrMediaUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &LocalStream{id: uuid.NewString(), stop: make(chan struct{})}

	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
		}
		s.tracks = append(s.tracks, t)
		if src.AudioFile != "" {
			f, err := os.Open(src.AudioFile)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer f.Close()
				playOgg(f, t, s.stop)
			}()
		}
	}

	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.id)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
		}
		s.tracks = append(s.tracks, t)
		if src.VideoFile != "" {
			f, err := os.Open(src.VideoFile)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer f.Close()
				playIVF(f, t, s.stop)
			}()
		}
	}

	log.Info().Str("module", "rtc").Str("stream", s.id).Bool("audio", c.Audio).Bool("video", c.Video).Msg("local stream acquired")
	return s, nil
}

func playIVF(r io.ReadSeeker, t *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	for {
		reader, header, err := ivfreader.NewWith(r)
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("ivf open")
			return
		}
		interval := time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
		if interval <= 0 {
			interval = 33 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		for {
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ticker.Stop()
				log.Error().Err(err).Str("module", "rtc").Msg("ivf frame")
				return
			}
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
			}
			if err := t.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
				ticker.Stop()
				return
			}
		}
		ticker.Stop()
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return
		}
	}
}

const oggPageDuration = 20 * time.Millisecond

func playOgg(r io.ReadSeeker, t *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	for {
		reader, _, err := oggreader.NewWith(r)
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("ogg open")
			return
		}
		ticker := time.NewTicker(oggPageDuration)
		var lastGranule uint64
		for {
			page, header, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ticker.Stop()
				log.Error().Err(err).Str("module", "rtc").Msg("ogg page")
				return
			}
			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
			}
			d := time.Duration(float64(samples)/48000*1000) * time.Millisecond
			if err := t.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
				ticker.Stop()
				return
			}
		}
		ticker.Stop()
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return
		}
	}
}
