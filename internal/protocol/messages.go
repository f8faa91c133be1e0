// Package protocol defines the signaling messages exchanged between call peers.
package protocol

import (
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Event string

const (
	EventCallRequest  Event = "call-request"
	EventCallAccepted Event = "call-accepted"
	EventCallRejected Event = "call-rejected"
	EventCallEnded    Event = "call-ended"
	EventOffer        Event = "webrtc-offer"
	EventAnswer       Event = "webrtc-answer"
	EventICECandidate Event = "ice-candidate"
)

// Message is implemented only by the types in this package.
type Message interface {
	Event() Event
	// Target is the identity the message is routed to.
	Target() domain.UserID
	// Sender is the identity the message claims to come from.
	Sender() domain.UserID
	validate() error
}

type CallRequest struct {
	CallerID     domain.UserID `json:"callerId"`
	CallerName   string        `json:"callerName"`
	ReceiverID   domain.UserID `json:"receiverId"`
	ReceiverName string        `json:"receiverName"`
	IsVideoCall  bool          `json:"isVideoCall"`
	Timestamp    time.Time     `json:"timestamp"`
}

type CallAccepted struct {
	To   domain.UserID `json:"to"`
	From domain.UserID `json:"from"`
}

type CallRejected struct {
	To      domain.UserID `json:"to"`
	From    domain.UserID `json:"from"`
	Message string        `json:"message,omitempty"`
}

type CallEnded struct {
	To   domain.UserID `json:"to"`
	From domain.UserID `json:"from"`
}

type Offer struct {
	To    domain.UserID             `json:"to"`
	From  domain.UserID             `json:"from"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	To     domain.UserID             `json:"to"`
	From   domain.UserID             `json:"from"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	To        domain.UserID           `json:"to"`
	From      domain.UserID           `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (CallRequest) Event() Event  { return EventCallRequest }
func (CallAccepted) Event() Event { return EventCallAccepted }
func (CallRejected) Event() Event { return EventCallRejected }
func (CallEnded) Event() Event    { return EventCallEnded }
func (Offer) Event() Event        { return EventOffer }
func (Answer) Event() Event       { return EventAnswer }
func (ICECandidate) Event() Event { return EventICECandidate }

func (m CallRequest) Target() domain.UserID  { return m.ReceiverID }
func (m CallAccepted) Target() domain.UserID { return m.To }
func (m CallRejected) Target() domain.UserID { return m.To }
func (m CallEnded) Target() domain.UserID    { return m.To }
func (m Offer) Target() domain.UserID        { return m.To }
func (m Answer) Target() domain.UserID       { return m.To }
func (m ICECandidate) Target() domain.UserID { return m.To }

func (m CallRequest) Sender() domain.UserID  { return m.CallerID }
func (m CallAccepted) Sender() domain.UserID { return m.From }
func (m CallRejected) Sender() domain.UserID { return m.From }
func (m CallEnded) Sender() domain.UserID    { return m.From }
func (m Offer) Sender() domain.UserID        { return m.From }
func (m Answer) Sender() domain.UserID       { return m.From }
func (m ICECandidate) Sender() domain.UserID { return m.From }
