package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	webrtc.TrackLocal // unused methods panic

	id      string
	kind    webrtc.RTPCodecType
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) StreamID() string          { return "fake" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

type fakeHandle struct {
	tracks []core.LocalTrack
	video  bool
}

func (h *fakeHandle) Tracks() []core.LocalTrack { return h.tracks }
func (h *fakeHandle) HasVideo() bool            { return h.video }

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquired []*fakeHandle
	released map[*fakeHandle]int
	wantVid  []bool
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{released: make(map[*fakeHandle]int)}
}

func (f *fakeMedia) Acquire(ctx context.Context, wantVideo bool) (core.MediaHandle, error) {
	f.mu.Lock()
	gate, err := f.gate, f.err
	f.wantVid = append(f.wantVid, wantVideo)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	h := &fakeHandle{video: wantVideo}
	h.tracks = append(h.tracks, &fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio, enabled: true})
	if wantVideo {
		h.tracks = append(h.tracks, &fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo, enabled: true})
	}
	f.mu.Lock()
	f.acquired = append(f.acquired, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeMedia) Release(h core.MediaHandle) {
	fh, ok := h.(*fakeHandle)
	if !ok || fh == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[fh]++
	for _, t := range fh.tracks {
		t.Stop()
	}
}

func (f *fakeMedia) SetAudioEnabled(h core.MediaHandle, v bool) { f.set(h, webrtc.RTPCodecTypeAudio, v) }
func (f *fakeMedia) SetVideoEnabled(h core.MediaHandle, v bool) { f.set(h, webrtc.RTPCodecTypeVideo, v) }

func (f *fakeMedia) set(h core.MediaHandle, kind webrtc.RTPCodecType, v bool) {
	for _, t := range h.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(v)
		}
	}
}

func (f *fakeMedia) RegisterCodecs(*webrtc.MediaEngine) error { return nil }

// leaked reports handles not released exactly once.
func (f *fakeMedia) leaked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for i, h := range f.acquired {
		if n := f.released[h]; n != 1 {
			out = append(out, fmt.Sprintf("handle %d released %d times", i, n))
		}
	}
	return out
}

func (f *fakeMedia) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquired)
}

type fakePeer struct {
	hooks core.PeerHooks

	mu         sync.Mutex
	offers     int
	answers    int
	remoteAns  int
	candidates []webrtc.ICECandidateInit
	closed     int
	offerErr   error
	answerErr  error
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	if p.offers > p.remoteAns {
		return webrtc.SessionDescription{}, core.ErrInvalidState
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", p.offers)}, nil
}

func (p *fakePeer) CreateAnswer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, core.ErrNegotiation
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteAnswer(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answerErr != nil {
		return p.answerErr
	}
	if p.offers <= p.remoteAns {
		return core.ErrNegotiation
	}
	p.remoteAns++
	return nil
}

func (p *fakePeer) AddRemoteICECandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func (p *fakePeer) counts() (offers, answers, remoteAns, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, p.remoteAns, p.closed
}

type fakePeers struct {
	mu    sync.Mutex
	err   error
	peers []*fakePeer
	// offerErr is copied into every new peer.
	offerErr  error
	answerErr error
}

func (f *fakePeers) NewPeerSession(media core.MediaHandle, _ webrtc.Configuration, hooks core.PeerHooks) (core.PeerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if media == nil {
		return nil, core.ErrNegotiation
	}
	p := &fakePeer{hooks: hooks, offerErr: f.offerErr, answerErr: f.answerErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		t.Fatal("no peer session created")
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []protocol.Message
	deliver   func(protocol.Message)
}

func (g *fakeGateway) Send(m protocol.Message) error {
	g.mu.Lock()
	if g.err != nil {
		g.mu.Unlock()
		return g.err
	}
	g.sent = append(g.sent, m)
	deliver := g.deliver
	g.mu.Unlock()
	if deliver != nil {
		deliver(m)
	}
	return nil
}

func (g *fakeGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) messages() []protocol.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.Message(nil), g.sent...)
}

func (g *fakeGateway) byEvent(e protocol.Event) []protocol.Message {
	var out []protocol.Message
	for _, m := range g.messages() {
		if m.Event() == e {
			out = append(out, m)
		}
	}
	return out
}

type fakePlayout struct {
	mu      sync.Mutex
	played  []string
	stopped int
}

func (p *fakePlayout) Play(rm core.RemoteMedia) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, rm.ID)
}

func (p *fakePlayout) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}

type rig struct {
	m       *Machine
	media   *fakeMedia
	peers   *fakePeers
	gw      *fakeGateway
	playout *fakePlayout
}

func newRig(t *testing.T, self domain.UserID, ring time.Duration) *rig {
	t.Helper()
	r := &rig{
		media:   newFakeMedia(),
		peers:   &fakePeers{},
		gw:      &fakeGateway{connected: true},
		playout: &fakePlayout{},
	}
	r.m = NewMachine(Deps{
		Self:        domain.User{ID: self, Name: string(self) + "-name"},
		Media:       r.media,
		Peers:       r.peers,
		Gateway:     r.gw,
		Playout:     r.playout,
		RingTimeout: ring,
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errDenied = fmt.Errorf("%w: user declined", core.ErrPermissionDenied)
