package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalTrack is a captured track that can be gated without stopping capture.
type LocalTrack interface {
	webrtc.TrackLocal
	SetEnabled(bool)
	Enabled() bool
	Stop()
}

// MediaHandle owns the tracks of one acquisition.
type MediaHandle interface {
	Tracks() []LocalTrack
	HasVideo() bool
}

type MediaAcquirer interface {
	// Acquire opens the microphone and, when wantVideo is set, the camera.
	// Fails with ErrPermissionDenied or ErrDeviceUnavailable.
	Acquire(ctx context.Context, wantVideo bool) (MediaHandle, error)
	// Release stops every track of h. Safe on nil or already released handles.
	Release(h MediaHandle)
	SetAudioEnabled(h MediaHandle, enabled bool)
	SetVideoEnabled(h MediaHandle, enabled bool)
	// RegisterCodecs registers the codecs the acquired tracks are encoded with.
	RegisterCodecs(me *webrtc.MediaEngine) error
}
