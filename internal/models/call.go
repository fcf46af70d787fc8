package models

import "time"

// Session end reasons recorded in history
const (
	EndReasonEnded          = "ended"
	EndReasonRequesterLeft  = "requester-disconnected"
	EndReasonTechnicianLeft = "technician-disconnected"
)

// CallRecord is one call session as stored in history
type CallRecord struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"sessionId"`
	RequesterID    string     `json:"userId"`
	RequesterName  string     `json:"username"`
	TechnicianID   string     `json:"technicianId"`
	TechnicianName string     `json:"technicianName"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	EndReason      string     `json:"endReason,omitempty"`
	Rating         *int       `json:"rating,omitempty"`
}

// Duration is zero for calls that have not ended.
func (r CallRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RatingRequest is the body of the post-call rating endpoint
type RatingRequest struct {
	Rating int `json:"rating" binding:"required,min=1,max=5"`
}

// SessionRangeResponse lists call records for the staff history view
type SessionRangeResponse struct {
	Start    string       `json:"start"`
	End      string       `json:"end"`
	Sessions []CallRecord `json:"sessions"`
}
