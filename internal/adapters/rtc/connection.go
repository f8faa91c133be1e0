package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxPendingCandidates = 128

// CodecRegistrar registers the codecs local tracks are encoded with.
type CodecRegistrar interface {
	RegisterCodecs(*webrtc.MediaEngine) error
}

// Factory builds one pion PeerConnection per call. A MediaEngine is never shared between connections.
type Factory struct {
	codecs CodecRegistrar

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func NewFactory(codecs CodecRegistrar) *Factory {
	return &Factory{
		codecs:              codecs,
		DisconnectedTimeout: 10 * time.Second,
		FailedTimeout:       30 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

func (f *Factory) api() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if f.codecs != nil {
		if err := f.codecs.RegisterCodecs(me); err != nil {
			return nil, err
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(f.DisconnectedTimeout, f.FailedTimeout, f.KeepAliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *Factory) NewPeerSession(media core.MediaHandle, cfg webrtc.Configuration, hooks core.PeerHooks) (core.PeerSession, error) {
	api, err := f.api()
	if err != nil {
		return nil, fmt.Errorf("%w: media engine: %v", core.ErrNegotiation, err)
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", core.ErrNegotiation, err)
	}

	id := uuid.NewString()[:8]
	c := &Connection{
		pc:    pc,
		hooks: hooks,
		log:   log.With().Str("module", "rtc").Str("pc", id).Logger(),
	}

	if media != nil {
		for _, t := range media.Tracks() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("%w: add %s track: %v", core.ErrNegotiation, t.Kind(), err)
			}
			c.tracks++
			go drainRTCP(sender)
		}
	}

	c.start()
	c.log.Info().Int("local_tracks", c.tracks).Int("ice_servers", len(cfg.ICEServers)).Msg("peer session created")
	return c, nil
}

// Connection is a core.PeerSession over a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	tracks int
	log    zerolog.Logger

	// negMu serializes offer/answer steps.
	negMu sync.Mutex

	mu        sync.Mutex
	hooks     core.PeerHooks
	closed    bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	epoch     uint64
	remote    *core.RemoteMedia
	remoteEp  uint64
}

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn := c.hook().OnConnectionStateChange; fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.log.Debug().Msg("ICE gathering complete")
			return
		}
		if fn := c.hook().OnLocalICECandidate; fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			if err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			}); err != nil {
				c.log.Debug().Err(err).Msg("PLI write failed")
			}
		}

		snapshot, ok := c.addRemote(core.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
			MimeType: track.Codec().MimeType,
			Track:    track,
		})
		if !ok {
			return
		}
		if fn := c.hook().OnRemoteMedia; fn != nil {
			fn(snapshot)
		}
	})
}

func (c *Connection) hook() core.PeerHooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hooks
}

// addRemote accumulates tracks of the current negotiation into one aggregate.
func (c *Connection) addRemote(t core.RemoteTrack) (core.RemoteMedia, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.RemoteMedia{}, false
	}
	if c.remote == nil || c.remoteEp != c.epoch {
		c.remote = &core.RemoteMedia{ID: uuid.NewString()}
		c.remoteEp = c.epoch
	}
	c.remote.Tracks = append(c.remote.Tracks, t)

	out := core.RemoteMedia{ID: c.remote.ID, Tracks: make([]core.RemoteTrack, len(c.remote.Tracks))}
	copy(out.Tracks, c.remote.Tracks)
	return out, true
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.isClosed() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: connection closed", core.ErrNegotiation)
	}
	if c.tracks == 0 {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: no local media attached", core.ErrNegotiation)
	}
	if c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer already outstanding", core.ErrInvalidState)
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", core.ErrNegotiation, err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", core.ErrNegotiation, err)
	}
	c.log.Info().Msg("local offer set")
	return offer, nil
}

func (c *Connection) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.isClosed() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: connection closed", core.ErrNegotiation)
	}
	if offer.SDP == "" || offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: malformed remote offer", core.ErrNegotiation)
	}

	c.beginNegotiation()
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", core.ErrNegotiation, err)
	}
	c.flushPending()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", core.ErrNegotiation, err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", core.ErrNegotiation, err)
	}
	c.log.Info().Msg("remote offer applied, local answer set")
	return answer, nil
}

func (c *Connection) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	if c.isClosed() {
		return fmt.Errorf("%w: connection closed", core.ErrNegotiation)
	}
	if answer.SDP == "" || answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: malformed remote answer", core.ErrNegotiation)
	}
	if st := c.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: no offer outstanding (%s)", core.ErrNegotiation, st)
	}

	c.beginNegotiation()
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", core.ErrNegotiation, err)
	}
	c.flushPending()
	c.log.Info().Msg("remote answer applied")
	return nil
}

func (c *Connection) beginNegotiation() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}

// AddRemoteICECandidate queues candidates that arrive before the remote description.
func (c *Connection) AddRemoteICECandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.remoteSet {
		if len(c.pending) >= maxPendingCandidates {
			c.mu.Unlock()
			c.log.Warn().Msg("pending candidate queue full, dropping")
			return
		}
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		c.log.Debug().Msg("candidate queued until remote description")
		return
	}
	c.mu.Unlock()
	c.addCandidate(cand)
}

func (c *Connection) addCandidate(cand webrtc.ICECandidateInit) {
	if err := c.pc.AddICECandidate(cand); err != nil {
		c.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("add ice candidate")
	}
}

func (c *Connection) flushPending() {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		c.addCandidate(cand)
	}
}

// Close detaches every hook before closing the connection. Safe to call repeatedly.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.hooks = core.PeerHooks{}
	c.pending = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
	} else {
		c.log.Info().Msg("closed")
	}
}

// SignalingState exposes the negotiation state for diagnostics.
func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
