package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	ErrMalformed    = errors.New("malformed signaling message")
	ErrUnknownEvent = errors.New("unknown signaling event")
)

type envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return json.Marshal(envelope{Event: m.Event(), Data: data})
}

func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, env.Event)
	}

	var (
		m   Message
		err error
	)
	switch env.Event {
	case EventCallRequest:
		m, err = decodeAs[CallRequest](env.Data)
	case EventCallAccepted:
		m, err = decodeAs[CallAccepted](env.Data)
	case EventCallRejected:
		m, err = decodeAs[CallRejected](env.Data)
	case EventCallEnded:
		m, err = decodeAs[CallEnded](env.Data)
	case EventOffer:
		m, err = decodeAs[Offer](env.Data)
	case EventAnswer:
		m, err = decodeAs[Answer](env.Data)
	case EventICECandidate:
		m, err = decodeAs[ICECandidate](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Event(), err)
	}
	return normalize(m), nil
}

// normalize fills the SDP type some clients omit.
func normalize(m Message) Message {
	switch v := m.(type) {
	case Offer:
		if v.Offer.Type == webrtc.SDPTypeUnknown {
			v.Offer.Type = webrtc.SDPTypeOffer
		}
		return v
	case Answer:
		if v.Answer.Type == webrtc.SDPTypeUnknown {
			v.Answer.Type = webrtc.SDPTypeAnswer
		}
		return v
	}
	return m
}

func (m CallRequest) validate() error {
	if m.CallerID == "" || m.ReceiverID == "" {
		return fmt.Errorf("%w: call-request needs caller and receiver", ErrMalformed)
	}
	return nil
}

func (m CallAccepted) validate() error { return requireTo(m) }
func (m CallRejected) validate() error { return requireTo(m) }
func (m CallEnded) validate() error    { return requireTo(m) }

func (m Offer) validate() error {
	if err := requireTo(m); err != nil {
		return err
	}
	return validateSDP(m.Offer, webrtc.SDPTypeOffer)
}

func (m Answer) validate() error {
	if err := requireTo(m); err != nil {
		return err
	}
	return validateSDP(m.Answer, webrtc.SDPTypeAnswer)
}

func (m ICECandidate) validate() error { return requireTo(m) }

func requireTo(m Message) error {
	if m.Target() == "" {
		return fmt.Errorf("%w: %s without target", ErrMalformed, m.Event())
	}
	return nil
}

func validateSDP(sd webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrMalformed)
	}
	if sd.Type != want {
		return fmt.Errorf("%w: sdp type %s, want %s", ErrMalformed, sd.Type, want)
	}
	return nil
}
