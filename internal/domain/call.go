package domain

import "time"

// CallData is the descriptive metadata of a call, fixed when the call is created.
type CallData struct {
	CallerID     UserID    `json:"callerId"`
	CallerName   string    `json:"callerName"`
	ReceiverID   UserID    `json:"receiverId"`
	ReceiverName string    `json:"receiverName"`
	IsVideoCall  bool      `json:"isVideoCall"`
	StartedAt    time.Time `json:"startedAt"`
}

// PeerOf returns the other party of the call as seen by self.
func (d CallData) PeerOf(self UserID) UserID {
	if d.CallerID == self {
		return d.ReceiverID
	}
	return d.CallerID
}

// Outgoing reports whether self placed the call.
func (d CallData) Outgoing(self UserID) bool {
	return d.CallerID == self
}
