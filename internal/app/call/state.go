// Package call holds the single active call and drives it through signaling,
// media acquisition and peer negotiation.
package call

import (
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusCalling Status = "calling"
	StatusRinging Status = "ringing"
	StatusOngoing Status = "ongoing"
)

const (
	NoticeIncoming          = "incoming-call"
	NoticeRejected          = "rejected"
	NoticeEndedByPeer       = "ended-by-peer"
	NoticeConnectivityLost  = "connectivity-lost"
	NoticeNegotiationFailed = "negotiation-failed"
	NoticeMediaFailed       = "media-failed"
	NoticeBusy              = "busy"
	NoticeNoAnswer          = "no-answer"
	NoticeGatewayLost       = "gateway-lost"
	NoticeGatewayRestored   = "gateway-restored"
)

// Reply texts carried by call-rejected.
const (
	ReasonBusy     = "busy"
	ReasonNoAnswer = "no answer"
)

// Notice is a transient, user-facing message.
type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

type Event struct {
	Snapshot Snapshot `json:"snapshot"`
	Notice   *Notice  `json:"notice,omitempty"`
}

type TrackInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

type RemoteTrackInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type"`
}

type RemoteInfo struct {
	ID     string            `json:"id"`
	Tracks []RemoteTrackInfo `json:"tracks"`
}

// Snapshot is the read-only view of the call handed to the UI.
type Snapshot struct {
	Status          Status           `json:"status"`
	Direction       string           `json:"direction,omitempty"`
	IsVideo         bool             `json:"is_video"`
	Call            *domain.CallData `json:"call,omitempty"`
	Muted           bool             `json:"muted"`
	VideoSuppressed bool             `json:"video_suppressed"`
	Connection      string           `json:"connection,omitempty"`
	LocalTracks     []TrackInfo      `json:"local_tracks,omitempty"`
	Remote          *RemoteInfo      `json:"remote,omitempty"`
}

// session is the one active call. Only the Machine touches it, under Machine.mu.
type session struct {
	token  uint64
	status Status
	data   domain.CallData
	peer   domain.UserID

	local  core.MediaHandle
	remote *core.RemoteMedia
	pc     core.PeerSession
	conn   webrtc.PeerConnectionState

	muted    bool
	videoOff bool

	accepting      bool
	offerSent      bool
	awaitingAnswer bool

	ringTimer *time.Timer
}

func (s *session) snapshot(self domain.UserID) Snapshot {
	data := s.data
	snap := Snapshot{
		Status:          s.status,
		Direction:       "incoming",
		IsVideo:         s.data.IsVideoCall,
		Call:            &data,
		Muted:           s.muted,
		VideoSuppressed: s.videoOff,
	}
	if s.data.Outgoing(self) {
		snap.Direction = "outgoing"
	}
	if s.conn != webrtc.PeerConnectionStateUnknown {
		snap.Connection = s.conn.String()
	}
	if s.local != nil {
		for _, t := range s.local.Tracks() {
			snap.LocalTracks = append(snap.LocalTracks, TrackInfo{ID: t.ID(), Kind: t.Kind().String(), Enabled: t.Enabled()})
		}
	}
	if s.remote != nil {
		ri := &RemoteInfo{ID: s.remote.ID}
		for _, t := range s.remote.Tracks {
			ri.Tracks = append(ri.Tracks, RemoteTrackInfo{ID: t.ID, Kind: t.Kind.String(), MimeType: t.MimeType})
		}
		snap.Remote = ri
	}
	return snap
}

// teardown carries what a detached session still owns.
type teardown struct {
	pc    core.PeerSession
	local core.MediaHandle
	timer *time.Timer
}
