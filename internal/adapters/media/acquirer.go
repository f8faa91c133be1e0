// Package media acquires local capture tracks for a call.
package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type driver interface {
	name() string
	open(ctx context.Context, wantVideo bool) ([]core.LocalTrack, error)
	registerCodecs(me *webrtc.MediaEngine) error
}

// Acquirer implements core.MediaAcquirer on top of a capture driver.
type Acquirer struct {
	drv driver
}

// New selects the capture driver by name: "device" or "synthetic".
func New(driverName string) (*Acquirer, error) {
	switch driverName {
	case "synthetic":
		return NewSynthetic(), nil
	case "device":
		drv, err := newDeviceDriver()
		if err != nil {
			return nil, err
		}
		return &Acquirer{drv: drv}, nil
	default:
		return nil, fmt.Errorf("unknown media driver %q", driverName)
	}
}

func NewSynthetic() *Acquirer {
	return &Acquirer{drv: syntheticDriver{}}
}

func (a *Acquirer) Acquire(ctx context.Context, wantVideo bool) (core.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tracks, err := a.drv.open(ctx, wantVideo)
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Str("driver", a.drv.name()).Bool("video", wantVideo).Msg("acquire failed")
		return nil, err
	}
	h := &handle{tracks: tracks}
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			h.video = true
		}
	}
	// The caller may have gone away while devices were opening.
	if err := ctx.Err(); err != nil {
		h.release()
		return nil, err
	}
	log.Info().Str("module", "media").Str("driver", a.drv.name()).Int("tracks", len(tracks)).Bool("video", h.video).Msg("media acquired")
	return h, nil
}

func (a *Acquirer) Release(h core.MediaHandle) {
	if mh, ok := h.(*handle); ok && mh != nil {
		if mh.release() {
			log.Info().Str("module", "media").Msg("media released")
		}
	}
}

func (a *Acquirer) SetAudioEnabled(h core.MediaHandle, enabled bool) {
	setEnabled(h, webrtc.RTPCodecTypeAudio, enabled)
}

func (a *Acquirer) SetVideoEnabled(h core.MediaHandle, enabled bool) {
	setEnabled(h, webrtc.RTPCodecTypeVideo, enabled)
}

func (a *Acquirer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return a.drv.registerCodecs(me)
}

func setEnabled(h core.MediaHandle, kind webrtc.RTPCodecType, enabled bool) {
	if h == nil {
		return
	}
	for _, t := range h.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

type handle struct {
	tracks []core.LocalTrack
	video  bool

	mu       sync.Mutex
	released bool
}

func (h *handle) Tracks() []core.LocalTrack {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	return h.tracks
}

func (h *handle) HasVideo() bool { return h.video }

// release reports whether this call stopped the tracks.
func (h *handle) release() bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	tracks := h.tracks
	h.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	return true
}

// classify maps capture errors onto the acquisition taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not permitted") {
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
}
