package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	MimeType string
	// Track is nil for tracks that do not come from a live connection.
	Track *webrtc.TrackRemote
}

// RemoteMedia aggregates the tracks received within one negotiation.
// A new negotiation produces a new ID.
type RemoteMedia struct {
	ID     string
	Tracks []RemoteTrack
}

func (m RemoteMedia) HasVideo() bool {
	for _, t := range m.Tracks {
		if t.Kind == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// PeerHooks are invoked from pion goroutines, never while the session lock is held.
type PeerHooks struct {
	OnLocalICECandidate     func(webrtc.ICECandidateInit)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnRemoteMedia           func(RemoteMedia)
}

type PeerSession interface {
	// CreateOffer sets and returns the local offer.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then sets and returns the local answer.
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteAnswer(answer webrtc.SessionDescription) error
	// AddRemoteICECandidate never fails; bad candidates are logged.
	AddRemoteICECandidate(webrtc.ICECandidateInit)
	Close()
}

type PeerFactory interface {
	NewPeerSession(media MediaHandle, cfg webrtc.Configuration, hooks PeerHooks) (PeerSession, error)
}

// Playout consumes remote media for local rendering.
type Playout interface {
	Play(RemoteMedia)
	Stop()
}
