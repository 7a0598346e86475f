package rtc

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/duet/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// RecorderSink consumes the remote tracks of a call. VP8 goes to an IVF
// file and Opus to an Ogg file under Dir; with Dir empty packets are
// only counted.
type RecorderSink struct {
	Dir string

	mu      sync.Mutex
	stop    chan struct{}
	packets atomic.Uint64
}

var _ core.MediaSink = (*RecorderSink)(nil)

func (s *RecorderSink) Packets() uint64 { return s.packets.Load() }

func (s *RecorderSink) Bind(rs core.RemoteStream) {
	remote, ok := rs.(*RemoteStream)
	if !ok {
		log.Warn().Str("module", "rtc").Str("stream", rs.ID()).Msg("sink: unsupported stream")
		return
	}
	s.Unbind()

	stop := make(chan struct{})
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	log.Info().Str("module", "rtc").Str("stream", remote.ID()).Str("dir", s.Dir).Msg("sink bound")
	go func() {
		for {
			select {
			case <-stop:
				return
			case t := <-remote.Tracks():
				go s.record(remote.ID(), t, stop)
			}
		}
	}()
}

// Unbind stops recording. Readers exit on their next packet or when the
// peer connection closes.
func (s *RecorderSink) Unbind() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	log.Info().Str("module", "rtc").Uint64("packets", s.Packets()).Msg("sink unbound")
}

func (s *RecorderSink) writerFor(streamID string, t *webrtc.TrackRemote) (rtpWriter, error) {
	if s.Dir == "" {
		return nil, nil
	}
	mime := strings.ToLower(t.Codec().MimeType)
	switch mime {
	case strings.ToLower(webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(filepath.Join(s.Dir, streamID+".ivf"))
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.ToLower(webrtc.MimeTypeOpus):
		w, err := oggwriter.New(filepath.Join(s.Dir, streamID+".ogg"), 48000, 2)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", mime)
	}
}

func (s *RecorderSink) record(streamID string, t *webrtc.TrackRemote, stop <-chan struct{}) {
	w, err := s.writerFor(streamID, t)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("track_id", t.ID()).Msg("sink: not recording")
	}
	if w != nil {
		defer func() {
			if err := w.Close(); err != nil {
				log.Error().Err(err).Str("module", "rtc").Msg("sink close")
			}
		}()
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		pkt, _, err := t.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "rtc").Str("track_id", t.ID()).Msg("sink read")
			}
			return
		}
		s.packets.Add(1)
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				log.Warn().Err(err).Str("module", "rtc").Msg("sink write")
				return
			}
		}
	}
}
