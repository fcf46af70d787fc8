package models

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EventType names a signaling event carried over the relay
type EventType string

const (
	// end-user -> relay
	EventRequestSupport EventType = "requestSupport"
	EventCancelRequest  EventType = "cancelRequest"

	// technician -> relay
	EventTechnicianOnline   EventType = "technicianOnline"
	EventAcceptSupport      EventType = "acceptSupport"
	EventGetPendingRequests EventType = "getPendingRequests"

	// relay -> technician
	EventNewSupportRequest EventType = "newSupportRequest"
	EventPendingRequests   EventType = "pendingRequests"
	EventRequestCanceled   EventType = "requestCanceled"
	EventRequestTaken      EventType = "requestTaken"
	EventAcceptRejected    EventType = "acceptRejected"

	// relay -> end-user
	EventSupportAccepted EventType = "supportAccepted"

	// either side, relayed to the addressed peer
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "iceCandidate"
	EventNetworkLost  EventType = "network-lost"

	// session termination
	EventEndSupport   EventType = "endSupport"
	EventSupportEnded EventType = "supportEnded"

	EventError EventType = "error"
)

// IsNegotiation reports whether the relay forwards the event verbatim to the peer
// named in the payload's "to" field.
func (t EventType) IsNegotiation() bool {
	switch t {
	case EventOffer, EventAnswer, EventICECandidate, EventNetworkLost:
		return true
	}
	return false
}

// SignalMessage is the envelope of every message on the signaling channel.
// From is always stamped by the relay with the sender's bound identity.
type SignalMessage struct {
	Type    EventType       `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignalMessage marshals payload into a message of the given type.
func NewSignalMessage(t EventType, payload any) (SignalMessage, error) {
	msg := SignalMessage{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

// RequestSupportPayload is sent by an end-user to enqueue a request.
type RequestSupportPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserPayload identifies a requester (cancelRequest, endSupport, supportEnded, requestCanceled).
type UserPayload struct {
	UserID string `json:"userId"`
}

// TechnicianOnlinePayload announces technician presence.
type TechnicianOnlinePayload struct {
	TechnicianID   string `json:"technicianId"`
	TechnicianName string `json:"technicianName"`
}

// NewSupportRequestPayload is broadcast to technicians for every pending request.
type NewSupportRequestPayload struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// AcceptSupportPayload claims a pending request. The relay echoes it back to the
// winning technician with Username filled in.
type AcceptSupportPayload struct {
	UserID         string `json:"userId"`
	TechnicianID   string `json:"technicianId,omitempty"`
	TechnicianName string `json:"technicianName,omitempty"`
	Username       string `json:"username,omitempty"`
}

// SupportAcceptedPayload tells the requester who picked up.
type SupportAcceptedPayload struct {
	TechnicianID   string `json:"technicianId"`
	TechnicianName string `json:"technicianName"`
}

// RequestTakenPayload tells other technicians a request is no longer available.
type RequestTakenPayload struct {
	UserID       string `json:"userId"`
	TechnicianID string `json:"technicianId"`
}

// AcceptRejectedPayload is sent to a technician whose accept lost.
type AcceptRejectedPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

const (
	RejectAlreadyAccepted = "already-accepted"
	RejectTechnicianBusy  = "technician-busy"
)

// OfferPayload carries an SDP offer addressed to a peer.
type OfferPayload struct {
	To         string                    `json:"to"`
	Offer      webrtc.SessionDescription `json:"offer"`
	ICERestart bool                      `json:"iceRestart,omitempty"`
}

// AnswerPayload carries an SDP answer addressed to a peer.
type AnswerPayload struct {
	To     string                    `json:"to"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// CandidatePayload carries one trickled ICE candidate addressed to a peer.
type CandidatePayload struct {
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// NetworkLostPayload informs a peer that the sender lost connectivity.
type NetworkLostPayload struct {
	To string `json:"to"`
}

// ErrorPayload is returned by the relay for malformed or unknown events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// addressed is the common shape of every negotiation payload.
type addressed struct {
	To string `json:"to"`
}

// Recipient extracts the "to" field of a negotiation payload.
func (m SignalMessage) Recipient() (string, error) {
	var a addressed
	if err := m.Decode(&a); err != nil {
		return "", err
	}
	if a.To == "" {
		return "", fmt.Errorf("%s: missing recipient", m.Type)
	}
	return a.To, nil
}
