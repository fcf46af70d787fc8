package queue

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/support-signaling/internal/models"
)

var (
	// ErrNotPending is returned by Claim when the request is not (or no longer) pending.
	ErrNotPending = errors.New("queue: request is not pending")
	// ErrTechnicianBusy is returned by Claim when the technician already holds a session.
	ErrTechnicianBusy = errors.New("queue: technician already in a session")
)

// Store holds the pending requests, technician presence and accepted pairings.
// Every method is atomic per key; Claim is the accept-if-pending primitive that
// makes the first acceptor win across relay processes.
type Store interface {
	// PutRequest adds a pending request. If the requester is already pending the
	// display name is replaced, the original CreatedAt is kept and replaced is true.
	PutRequest(ctx context.Context, req models.SupportRequest) (replaced bool, err error)
	RemoveRequest(ctx context.Context, requesterID string) (models.SupportRequest, bool, error)
	// PendingRequests returns pending requests oldest first.
	PendingRequests(ctx context.Context) ([]models.SupportRequest, error)

	// Claim removes the pending request and records the pairing in one step.
	Claim(ctx context.Context, requesterID string, tech models.TechnicianPresence, at time.Time) (models.Pairing, error)
	// Pairing looks up the active pairing of a requester or a technician.
	Pairing(ctx context.Context, peerID string) (models.Pairing, bool, error)
	RemovePairing(ctx context.Context, requesterID string) (models.Pairing, bool, error)

	PutTechnician(ctx context.Context, t models.TechnicianPresence) error
	RemoveTechnician(ctx context.Context, technicianID string) (bool, error)
	Technicians(ctx context.Context) ([]models.TechnicianPresence, error)
}
