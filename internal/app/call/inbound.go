package call

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/internal/protocol"
)

// Dispatch applies one inbound signaling message. Messages that do not belong
// to the active call are logged and dropped.
func (m *Machine) Dispatch(ctx context.Context, msg protocol.Message) {
	if msg.Event() != protocol.EventCallRequest && msg.Target() != m.self.ID {
		m.mismatch(msg, "addressed to another identity")
		return
	}

	switch v := msg.(type) {
	case protocol.CallRequest:
		m.onCallRequest(v)
	case protocol.CallAccepted:
		m.onCallAccepted(ctx, v)
	case protocol.CallRejected:
		m.onCallRejected(v)
	case protocol.CallEnded:
		m.onCallEnded(v)
	case protocol.Offer:
		m.onOffer(ctx, v)
	case protocol.Answer:
		m.onAnswer(v)
	case protocol.ICECandidate:
		m.onRemoteCandidate(v)
	default:
		m.log.Warn().Str("event", string(msg.Event())).Msg("unhandled signal")
	}
}

func (m *Machine) mismatch(msg protocol.Message, why string) {
	m.log.Debug().
		Err(core.ErrRoutingMismatch).
		Str("event", string(msg.Event())).
		Str("from", string(msg.Sender())).
		Str("to", string(msg.Target())).
		Msg(why)
}

// activeFrom returns the session when sender is its peer. Caller holds m.mu.
func (m *Machine) activeFrom(sender domain.UserID) *session {
	if m.sess == nil || sender == "" || m.sess.peer != sender {
		return nil
	}
	return m.sess
}

// negotiationFrom is activeFrom for offer, answer and candidate payloads, which
// may arrive without a sender. Those are already addressed to us, so they
// belong to the active call. Caller holds m.mu.
func (m *Machine) negotiationFrom(sender domain.UserID) *session {
	if sender == "" {
		return m.sess
	}
	return m.activeFrom(sender)
}

func (m *Machine) onCallRequest(v protocol.CallRequest) {
	if v.ReceiverID != m.self.ID || v.CallerID == m.self.ID {
		m.mismatch(v, "call-request not for us")
		return
	}

	m.lockSlot()
	if m.sess != nil {
		m.mu.Unlock()
		m.log.Info().Str("peer", string(v.CallerID)).Msg("incoming call while busy, rejecting")
		_ = m.send(protocol.CallRejected{To: v.CallerID, From: m.self.ID, Message: ReasonBusy})
		m.publish(&Notice{Kind: NoticeBusy, Message: fmt.Sprintf("missed call from %s", v.CallerName)})
		return
	}

	startedAt := v.Timestamp
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	s := m.newSessionLocked(StatusRinging, domain.CallData{
		CallerID:     v.CallerID,
		CallerName:   v.CallerName,
		ReceiverID:   v.ReceiverID,
		ReceiverName: v.ReceiverName,
		IsVideoCall:  v.IsVideoCall,
		StartedAt:    startedAt,
	}, v.CallerID)
	s.ringTimer = m.startRingTimer(s.token)
	m.mu.Unlock()

	kind := "voice"
	if v.IsVideoCall {
		kind = "video"
	}
	m.log.Info().Str("peer", string(v.CallerID)).Bool("video", v.IsVideoCall).Msg("incoming call")
	m.publish(&Notice{Kind: NoticeIncoming, Message: fmt.Sprintf("incoming %s call from %s", kind, v.CallerName)})
}

func (m *Machine) onCallAccepted(ctx context.Context, v protocol.CallAccepted) {
	m.mu.Lock()
	s := m.activeFrom(v.From)
	if s == nil || !s.data.Outgoing(m.self.ID) {
		m.mu.Unlock()
		m.mismatch(v, "call-accepted for no outgoing call")
		return
	}
	if s.status != StatusCalling || s.offerSent {
		m.mu.Unlock()
		m.log.Debug().Str("peer", string(v.From)).Msg("duplicate call-accepted ignored")
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	tok := s.token
	s.status = StatusOngoing
	s.offerSent = true

	if s.pc == nil {
		if s.local == nil {
			m.mu.Unlock()
			m.fail(tok, fmt.Errorf("%w: no local media to negotiate", core.ErrNegotiation))
			return
		}
		pc, err := m.peers.NewPeerSession(s.local, m.ice, m.hooks(tok))
		if err != nil {
			m.mu.Unlock()
			m.fail(tok, err)
			return
		}
		s.pc = pc
	}
	pc := s.pc
	m.mu.Unlock()
	m.log.Info().Str("peer", string(v.From)).Msg("call accepted by peer, creating offer")
	m.publish(nil)

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		m.fail(tok, err)
		return
	}

	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	s.awaitingAnswer = true
	peer := s.peer
	m.mu.Unlock()

	if err := m.send(protocol.Offer{To: peer, From: m.self.ID, Offer: offer}); err != nil {
		m.fail(tok, err)
	}
}

func (m *Machine) onCallRejected(v protocol.CallRejected) {
	m.mu.Lock()
	if m.activeFrom(v.From) == nil {
		m.mu.Unlock()
		m.mismatch(v, "call-rejected for no matching call")
		return
	}
	td := m.detachLocked()
	m.mu.Unlock()

	m.log.Info().Str("peer", string(v.From)).Str("reason", v.Message).Msg("call rejected")
	m.finish(td)
	m.publish(&Notice{Kind: NoticeRejected, Message: v.Message})
}

func (m *Machine) onCallEnded(v protocol.CallEnded) {
	m.mu.Lock()
	if m.activeFrom(v.From) == nil {
		m.mu.Unlock()
		m.mismatch(v, "call-ended for no matching call")
		return
	}
	td := m.detachLocked()
	m.mu.Unlock()

	m.log.Info().Str("peer", string(v.From)).Msg("call ended by peer")
	m.finish(td)
	m.publish(&Notice{Kind: NoticeEndedByPeer})
}

func (m *Machine) onOffer(ctx context.Context, v protocol.Offer) {
	m.mu.Lock()
	s := m.negotiationFrom(v.From)
	if s == nil {
		m.mu.Unlock()
		m.mismatch(v, "offer for no matching call")
		return
	}
	tok := s.token
	if s.pc == nil || s.status != StatusOngoing || s.data.Outgoing(m.self.ID) {
		status := s.status
		m.mu.Unlock()
		m.fail(tok, fmt.Errorf("%w: offer while %s", core.ErrInvalidState, status))
		return
	}
	pc := s.pc
	m.mu.Unlock()

	answer, err := pc.CreateAnswer(ctx, v.Offer)
	if err != nil {
		m.fail(tok, err)
		return
	}

	m.mu.Lock()
	if !m.current(tok) {
		m.mu.Unlock()
		return
	}
	peer := s.peer
	m.mu.Unlock()

	if err := m.send(protocol.Answer{To: peer, From: m.self.ID, Answer: answer}); err != nil {
		m.fail(tok, err)
	}
}

func (m *Machine) onAnswer(v protocol.Answer) {
	m.mu.Lock()
	s := m.negotiationFrom(v.From)
	if s == nil {
		m.mu.Unlock()
		m.mismatch(v, "answer for no matching call")
		return
	}
	tok := s.token
	if !s.awaitingAnswer || s.pc == nil {
		offerSent := s.offerSent
		m.mu.Unlock()
		if offerSent {
			m.log.Debug().Str("peer", string(v.From)).Msg("duplicate answer ignored")
			return
		}
		m.fail(tok, fmt.Errorf("%w: answer without offer", core.ErrInvalidState))
		return
	}
	s.awaitingAnswer = false
	pc := s.pc
	m.mu.Unlock()

	if err := pc.SetRemoteAnswer(v.Answer); err != nil {
		m.fail(tok, err)
		return
	}
	m.log.Info().Str("peer", string(v.From)).Msg("negotiation complete")
}

// onRemoteCandidate is best effort; it never ends the call.
func (m *Machine) onRemoteCandidate(v protocol.ICECandidate) {
	m.mu.Lock()
	s := m.negotiationFrom(v.From)
	if s == nil || s.pc == nil {
		m.mu.Unlock()
		m.mismatch(v, "candidate without peer session")
		return
	}
	pc := s.pc
	m.mu.Unlock()
	pc.AddRemoteICECandidate(v.Candidate)
}
