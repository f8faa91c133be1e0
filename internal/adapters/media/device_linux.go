//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Call/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errNoDevices = errors.New("no capture devices found")

type deviceDriver struct {
	selector *mediadevices.CodecSelector
}

func newDeviceDriver() (driver, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &deviceDriver{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *deviceDriver) name() string { return "device" }

func (d *deviceDriver) registerCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *deviceDriver) open(_ context.Context, wantVideo bool) ([]core.LocalTrack, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, classify(errNoDevices)
	}
	for _, dev := range devices {
		log.Debug().Str("module", "media").Str("kind", kindName(dev.Kind)).Str("label", dev.Label).Msg("capture device")
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some webcams yield frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	var out []core.LocalTrack
	for _, t := range stream.GetTracks() {
		out = append(out, wrapDeviceTrack(t))
	}
	if len(out) == 0 {
		return nil, classify(errNoDevices)
	}
	return out, nil
}

func kindName(k mediadevices.MediaDeviceType) string {
	switch k {
	case mediadevices.VideoInput:
		return "video"
	case mediadevices.AudioInput:
		return "audio"
	default:
		return "other"
	}
}

// deviceTrack gates a capture track by substituting black frames or silence.
type deviceTrack struct {
	mediadevices.Track

	enabled  atomic.Bool
	stopOnce sync.Once
}

func wrapDeviceTrack(t mediadevices.Track) *deviceTrack {
	dt := &deviceTrack{Track: t}
	dt.enabled.Store(true)

	t.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("capture track ended")
		}
	})

	switch tr := t.(type) {
	case *mediadevices.VideoTrack:
		tr.Transform(func(r video.Reader) video.Reader {
			return video.ReaderFunc(func() (image.Image, func(), error) {
				img, release, err := r.Read()
				if err != nil || dt.enabled.Load() {
					return img, release, err
				}
				return blackFrame(img), release, nil
			})
		})
	case *mediadevices.AudioTrack:
		tr.Transform(func(r audio.Reader) audio.Reader {
			return audio.ReaderFunc(func() (wave.Audio, func(), error) {
				chunk, release, err := r.Read()
				if err != nil || dt.enabled.Load() {
					return chunk, release, err
				}
				return silence(chunk), release, nil
			})
		})
	}
	return dt
}

func (t *deviceTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *deviceTrack) Enabled() bool     { return t.enabled.Load() }

func (t *deviceTrack) Stop() {
	t.stopOnce.Do(func() {
		if err := t.Track.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("close capture track")
		}
	})
}

func blackFrame(img image.Image) image.Image {
	ratio := image.YCbCrSubsampleRatio420
	if y, ok := img.(*image.YCbCr); ok {
		ratio = y.SubsampleRatio
	}
	out := image.NewYCbCr(img.Bounds(), ratio)
	for i := range out.Cb {
		out.Cb[i] = 128
	}
	for i := range out.Cr {
		out.Cr[i] = 128
	}
	return out
}

func silence(chunk wave.Audio) wave.Audio {
	info := chunk.ChunkInfo()
	if _, ok := chunk.(*wave.Float32Interleaved); ok {
		return wave.NewFloat32Interleaved(info)
	}
	return wave.NewInt16Interleaved(info)
}
