package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const sampleInterval = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// syntheticDriver produces tracks without capture hardware. Audio carries Opus
// silence; video is negotiated but carries no frames.
type syntheticDriver struct{}

func (syntheticDriver) name() string { return "synthetic" }

func (syntheticDriver) registerCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (syntheticDriver) open(_ context.Context, wantVideo bool) ([]core.LocalTrack, error) {
	streamID := "call-" + uuid.NewString()[:8]
	audio, err := newSyntheticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, classify(err)
	}
	tracks := []core.LocalTrack{audio}
	if wantVideo {
		video, err := newSyntheticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
		if err != nil {
			audio.Stop()
			return nil, classify(err)
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

type syntheticTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func newSyntheticTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*syntheticTrack, error) {
	ts, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &syntheticTrack{TrackLocalStaticSample: ts, done: make(chan struct{})}
	t.enabled.Store(true)
	if ts.Kind() == webrtc.RTPCodecTypeAudio {
		go t.pumpSilence()
	}
	return t, nil
}

func (t *syntheticTrack) pumpSilence() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: sampleInterval}); err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("synthetic write failed")
			}
		}
	}
}

func (t *syntheticTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *syntheticTrack) Enabled() bool     { return t.enabled.Load() }

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// Stopped reports whether Stop has been called.
func (t *syntheticTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
