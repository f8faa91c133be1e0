package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Self    domain.User
	Media   core.MediaAcquirer
	Peers   core.PeerFactory
	ICE     webrtc.Configuration
	Gateway core.Gateway
	// Playout is optional.
	Playout core.Playout
	// RingTimeout bounds Calling and Ringing. Zero disables it.
	RingTimeout time.Duration
}

// Machine owns the process-wide call slot.
type Machine struct {
	self        domain.User
	media       core.MediaAcquirer
	peers       core.PeerFactory
	ice         webrtc.Configuration
	gw          core.Gateway
	playout     core.Playout
	ringTimeout time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	token   uint64
	sess    *session
	tearing int

	// playMu orders Play against Stop across sessions.
	playMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewMachine(d Deps) *Machine {
	m := &Machine{
		self:        d.Self,
		media:       d.Media,
		peers:       d.Peers,
		ice:         d.ICE,
		gw:          d.Gateway,
		playout:     d.Playout,
		ringTimeout: d.RingTimeout,
		log:         log.With().Str("module", "call").Str("self", string(d.Self.ID)).Logger(),
		subs:        make(map[int]chan Event),
	}
	m.idle = sync.NewCond(&m.mu)
	return m
}

func (m *Machine) Self() domain.User { return m.self }

// lockSlot takes m.mu once no detached session is still releasing resources.
func (m *Machine) lockSlot() {
	m.mu.Lock()
	for m.tearing > 0 {
		m.idle.Wait()
	}
}

func (m *Machine) current(tok uint64) bool {
	return m.sess != nil && m.sess.token == tok
}

func (m *Machine) newSessionLocked(status Status, data domain.CallData, peer domain.UserID) *session {
	m.token++
	m.sess = &session{token: m.token, status: status, data: data, peer: peer}
	return m.sess
}

// detachLocked empties the slot. The returned teardown must be passed to finish.
func (m *Machine) detachLocked() teardown {
	s := m.sess
	m.sess = nil
	m.token++
	m.tearing++
	m.log.Info().Str("peer", string(s.peer)).Str("status", string(s.status)).Msg("call cleanup")
	return teardown{pc: s.pc, local: s.local, timer: s.ringTimer}
}

func (m *Machine) finish(td teardown) {
	if td.timer != nil {
		td.timer.Stop()
	}
	if td.pc != nil {
		td.pc.Close()
	}
	m.media.Release(td.local)

	m.playMu.Lock()
	if m.playout != nil {
		m.playout.Stop()
	}
	m.playMu.Unlock()

	m.mu.Lock()
	m.tearing--
	m.idle.Broadcast()
	m.mu.Unlock()
}

func (m *Machine) send(msg protocol.Message) error {
	if m.gw == nil {
		return core.ErrNotConnected
	}
	if err := m.gw.Send(msg); err != nil {
		m.log.Warn().Err(err).Str("event", string(msg.Event())).Str("to", string(msg.Target())).Msg("signal send failed")
		return err
	}
	return nil
}

func (m *Machine) hooks(tok uint64) core.PeerHooks {
	return core.PeerHooks{
		OnLocalICECandidate:     func(c webrtc.ICECandidateInit) { m.onLocalCandidate(tok, c) },
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) { m.onConnectionState(tok, s) },
		OnRemoteMedia:           func(rm core.RemoteMedia) { m.onRemoteMedia(tok, rm) },
	}
}

func (m *Machine) startRingTimer(tok uint64) *time.Timer {
	if m.ringTimeout <= 0 {
		return nil
	}
	return time.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(tok) })
}

// InitiateCall places a call to peerID. The offer is deferred until the peer accepts.
func (m *Machine) InitiateCall(ctx context.Context, peerID domain.UserID, peerName string, isVideo bool) error {
	if err := domain.ValidateUserID(string(peerID)); err != nil {
		return err
	}
	if peerID == m.self.ID {
		return fmt.Errorf("%w: cannot call yourself", core.ErrInvalidState)
	}
	if m.gw == nil || !m.gw.Connected() {
		return core.ErrNotConnected
	}
	if peerName == "" {
		peerName = string(peerID)
	}

	m.lockSlot()
	if m.sess != nil {
		active := m.sess.peer
		m.mu.Unlock()
		m.log.Info().Str("peer", string(peerID)).Str("active", string(active)).Msg("initiate refused, call in progress")
		m.publish(&Notice{Kind: NoticeBusy, Message: "another call is in progress"})
		return core.ErrBusy
	}
	s := m.newSessionLocked(StatusCalling, domain.CallData{
		CallerID:     m.self.ID,
		CallerName:   m.self.Name,
		ReceiverID:   peerID,
		ReceiverName: peerName,
		IsVideoCall:  isVideo,
		StartedAt:    time.Now().UTC(),
	}, peerID)
	tok := s.token
	m.mu.Unlock()
	m.log.Info().Str("peer", string(peerID)).Bool("video", isVideo).Msg("initiating call")
	m.publish(nil)

	h, err := m.media.Acquire(ctx, isVideo)
	if err != nil {
		m.abort(tok, &Notice{Kind: NoticeMediaFailed, Message: err.Error()})
		return err
	}

	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		m.media.Release(h)
		return core.ErrCancelled
	}
	s.local = h
	pc, err := m.peers.NewPeerSession(h, m.ice, m.hooks(tok))
	if err != nil {
		td := m.detachLocked()
		m.mu.Unlock()
		m.finish(td)
		m.publish(&Notice{Kind: NoticeNegotiationFailed, Message: err.Error()})
		return err
	}
	s.pc = pc
	s.ringTimer = m.startRingTimer(tok)
	req := protocol.CallRequest{
		CallerID:     s.data.CallerID,
		CallerName:   s.data.CallerName,
		ReceiverID:   s.data.ReceiverID,
		ReceiverName: s.data.ReceiverName,
		IsVideoCall:  s.data.IsVideoCall,
		Timestamp:    s.data.StartedAt,
	}
	m.mu.Unlock()
	m.publish(nil)

	if err := m.send(req); err != nil {
		m.abort(tok, &Notice{Kind: NoticeGatewayLost, Message: err.Error()})
		return fmt.Errorf("%w: %v", core.ErrNotConnected, err)
	}
	return nil
}

// AcceptCall answers the ringing call. Media is acquired only now.
func (m *Machine) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.status != StatusRinging || s.accepting {
		m.mu.Unlock()
		return fmt.Errorf("%w: no ringing call", core.ErrInvalidState)
	}
	s.accepting = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	tok := s.token
	isVideo := s.data.IsVideoCall
	m.mu.Unlock()

	h, err := m.media.Acquire(ctx, isVideo)
	if err != nil {
		// The caller must not be left waiting.
		m.rejectToken(tok, "", &Notice{Kind: NoticeMediaFailed, Message: err.Error()})
		return err
	}

	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		m.media.Release(h)
		return core.ErrCancelled
	}
	s.local = h
	pc, err := m.peers.NewPeerSession(h, m.ice, m.hooks(tok))
	if err != nil {
		m.mu.Unlock()
		m.rejectToken(tok, "", &Notice{Kind: NoticeNegotiationFailed, Message: err.Error()})
		return err
	}
	s.pc = pc
	s.status = StatusOngoing
	s.accepting = false
	msg := protocol.CallAccepted{To: s.data.CallerID, From: m.self.ID}
	m.mu.Unlock()
	m.log.Info().Str("peer", string(msg.To)).Msg("call accepted")
	m.publish(nil)

	if err := m.send(msg); err != nil {
		m.endToken(tok, &Notice{Kind: NoticeGatewayLost, Message: err.Error()})
		return fmt.Errorf("%w: %v", core.ErrNotConnected, err)
	}
	return nil
}

// RejectCall declines the ringing call.
func (m *Machine) RejectCall() error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.status != StatusRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: no ringing call", core.ErrInvalidState)
	}
	tok := s.token
	m.mu.Unlock()
	m.rejectToken(tok, "", nil)
	return nil
}

// EndCall hangs up from any state. It is a no-op when idle.
func (m *Machine) EndCall() error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return nil
	}
	tok := m.sess.token
	m.mu.Unlock()
	m.endToken(tok, nil)
	return nil
}

// ToggleMute flips the microphone gate and returns the new muted state.
func (m *Machine) ToggleMute() (bool, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.local == nil {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: no local media", core.ErrInvalidState)
	}
	s.muted = !s.muted
	m.media.SetAudioEnabled(s.local, !s.muted)
	muted := s.muted
	m.mu.Unlock()
	m.publish(nil)
	return muted, nil
}

// ToggleVideo flips the camera gate and returns the new suppressed state.
func (m *Machine) ToggleVideo() (bool, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.local == nil {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: no local media", core.ErrInvalidState)
	}
	if !s.local.HasVideo() {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: audio-only call", core.ErrInvalidState)
	}
	s.videoOff = !s.videoOff
	m.media.SetVideoEnabled(s.local, !s.videoOff)
	off := s.videoOff
	m.mu.Unlock()
	m.publish(nil)
	return off, nil
}

// abort drops a session that never reached the peer.
func (m *Machine) abort(tok uint64, n *Notice) {
	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	td := m.detachLocked()
	m.mu.Unlock()
	m.finish(td)
	m.publish(n)
}

// endToken hangs up session tok, telling the peer when it is addressable.
func (m *Machine) endToken(tok uint64, n *Notice) {
	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	peer := m.sess.peer
	td := m.detachLocked()
	m.mu.Unlock()

	if peer != "" {
		_ = m.send(protocol.CallEnded{To: peer, From: m.self.ID})
	}
	m.finish(td)
	m.publish(n)
}

func (m *Machine) rejectToken(tok uint64, reason string, n *Notice) {
	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	caller := m.sess.data.CallerID
	td := m.detachLocked()
	m.mu.Unlock()

	if caller != "" {
		_ = m.send(protocol.CallRejected{To: caller, From: m.self.ID, Message: reason})
	}
	m.finish(td)
	m.publish(n)
}

// fail ends session tok after a negotiation error.
func (m *Machine) fail(tok uint64, err error) {
	m.log.Error().Err(err).Msg("negotiation failed, ending call")
	m.endToken(tok, &Notice{Kind: NoticeNegotiationFailed, Message: err.Error()})
}

func (m *Machine) onRingTimeout(tok uint64) {
	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	status, accepting := m.sess.status, m.sess.accepting
	m.mu.Unlock()

	switch {
	case status == StatusCalling:
		m.log.Info().Msg("no answer, ending call")
		m.endToken(tok, &Notice{Kind: NoticeNoAnswer})
	case status == StatusRinging && !accepting:
		m.log.Info().Msg("ringing timed out, rejecting")
		m.rejectToken(tok, ReasonNoAnswer, &Notice{Kind: NoticeNoAnswer})
	}
}

func (m *Machine) onLocalCandidate(tok uint64, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	peer := m.sess.peer
	m.mu.Unlock()
	if peer == "" {
		return
	}
	_ = m.send(protocol.ICECandidate{To: peer, From: m.self.ID, Candidate: c})
}

func (m *Machine) onConnectionState(tok uint64, st webrtc.PeerConnectionState) {
	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	m.sess.conn = st
	m.mu.Unlock()

	switch st {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		err := fmt.Errorf("%w: peer connection %s", core.ErrConnectivityLost, st)
		m.log.Warn().Err(err).Msg("ending call")
		m.endToken(tok, &Notice{Kind: NoticeConnectivityLost, Message: err.Error()})
	default:
		m.publish(nil)
	}
}

func (m *Machine) onRemoteMedia(tok uint64, rm core.RemoteMedia) {
	m.playMu.Lock()
	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		m.playMu.Unlock()
		return
	}
	m.sess.remote = &rm
	m.mu.Unlock()
	if m.playout != nil {
		m.playout.Play(rm)
	}
	m.playMu.Unlock()
	m.publish(nil)
}

// OnGatewayState is called by the signaling client on connect and disconnect.
// A lost gateway does not end a call in progress; media is peer to peer.
func (m *Machine) OnGatewayState(connected bool) {
	if connected {
		m.publish(&Notice{Kind: NoticeGatewayRestored})
		return
	}
	m.publish(&Notice{Kind: NoticeGatewayLost, Message: "connection to server lost"})
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Snapshot{Status: StatusIdle}
	}
	return m.sess.snapshot(m.self.ID)
}

// Subscribe registers for snapshots and notices. Slow subscribers miss events.
func (m *Machine) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Machine) publish(n *Notice) {
	ev := Event{Snapshot: m.Snapshot(), Notice: n}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Debug().Int("sub", id).Msg("subscriber slow, event dropped")
		}
	}
}
