package models

import "time"

// SupportRequest is an end-user waiting for a technician
type SupportRequest struct {
	RequesterID string    `json:"requesterId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Announcement converts the request into its broadcast form.
func (r SupportRequest) Announcement() NewSupportRequestPayload {
	return NewSupportRequestPayload{
		UserID:    r.RequesterID,
		Username:  r.DisplayName,
		Timestamp: r.CreatedAt.UnixMilli(),
	}
}

// TechnicianPresence is an online technician, valid for the lifetime of its connection
type TechnicianPresence struct {
	TechnicianID string    `json:"technicianId"`
	DisplayName  string    `json:"displayName"`
	OnlineSince  time.Time `json:"onlineSince"`
}

// Pairing is the relay's record of an accepted request. The requester id doubles
// as the session id since a requester has at most one live call.
type Pairing struct {
	SessionID      string    `json:"sessionId"`
	RequesterID    string    `json:"requesterId"`
	RequesterName  string    `json:"requesterName"`
	TechnicianID   string    `json:"technicianId"`
	TechnicianName string    `json:"technicianName"`
	AcceptedAt     time.Time `json:"acceptedAt"`
}

// Other returns the id of the participant that is not id, or "" if id is not part of the pairing.
func (p Pairing) Other(id string) string {
	switch id {
	case p.RequesterID:
		return p.TechnicianID
	case p.TechnicianID:
		return p.RequesterID
	}
	return ""
}

// QueueSnapshot is returned by the staff queue endpoint
type QueueSnapshot struct {
	Pending     []SupportRequest     `json:"pending"`
	Technicians []TechnicianPresence `json:"technicians"`
}
