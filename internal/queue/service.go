// Package queue implements the relay-side matching of waiting end-users with
// online technicians.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/pion/logging"
)

var (
	// ErrAlreadyClaimed is returned to a technician that lost the accept race.
	ErrAlreadyClaimed = errors.New("queue: request already accepted")
	ErrInvalidID      = errors.New("queue: empty id")
)

// Notifier delivers a message to the connection bound to peerID. Delivery is
// fire-and-forget; an unknown peer is silently dropped.
type Notifier interface {
	Deliver(peerID string, msg models.SignalMessage)
}

// Recorder receives session start/end for call history. Errors are logged, never fatal.
type Recorder interface {
	Started(ctx context.Context, p models.Pairing) error
	Ended(ctx context.Context, sessionID, reason string, at time.Time) error
}

type Config struct {
	Store         Store
	Notifier      Notifier
	Recorder      Recorder
	LoggerFactory logging.LoggerFactory
	Now           func() time.Time
}

// Service is the matching queue. Handlers call it for every queue event; it owns
// no connection state, only the Store.
type Service struct {
	store    Store
	notify   Notifier
	recorder Recorder
	log      logging.LeveledLogger
	now      func() time.Time
}

func NewService(cfg Config) *Service {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		notify:   cfg.Notifier,
		recorder: cfg.Recorder,
		log:      lf.NewLogger("queue"),
		now:      now,
	}
}

// SubmitRequest enqueues a requester and announces it to every online technician.
// Resubmitting a pending request only refreshes its display name.
func (s *Service) SubmitRequest(ctx context.Context, requesterID, displayName string) error {
	if requesterID == "" {
		return ErrInvalidID
	}
	if _, active, err := s.store.Pairing(ctx, requesterID); err != nil {
		return err
	} else if active {
		s.log.Warnf("requester %s already in a session, ignoring request", requesterID)
		return nil
	}

	req := models.SupportRequest{
		RequesterID: requesterID,
		DisplayName: displayName,
		CreatedAt:   s.now(),
	}
	replaced, err := s.store.PutRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("submit request: %w", err)
	}
	if replaced {
		s.log.Debugf("request %s already pending", requesterID)
		return nil
	}

	s.log.Infof("request %s (%s) pending", requesterID, displayName)
	return s.broadcast(ctx, models.EventNewSupportRequest, req.Announcement(), "")
}

// CancelRequest withdraws a pending request. Unknown or already accepted ids are a no-op.
func (s *Service) CancelRequest(ctx context.Context, requesterID string) error {
	_, removed, err := s.store.RemoveRequest(ctx, requesterID)
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	if !removed {
		return nil
	}
	s.log.Infof("request %s canceled", requesterID)
	return s.broadcast(ctx, models.EventRequestCanceled, models.UserPayload{UserID: requesterID}, "")
}

// RegisterTechnicianOnline records presence and replays the pending requests so
// a technician that connects after a request was made still sees it.
func (s *Service) RegisterTechnicianOnline(ctx context.Context, technicianID, displayName string) error {
	if technicianID == "" {
		return ErrInvalidID
	}
	err := s.store.PutTechnician(ctx, models.TechnicianPresence{
		TechnicianID: technicianID,
		DisplayName:  displayName,
		OnlineSince:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("register technician: %w", err)
	}
	s.log.Infof("technician %s (%s) online", technicianID, displayName)
	return s.ReplayPending(ctx, technicianID)
}

// ReplayPending sends the current pending list to one technician.
func (s *Service) ReplayPending(ctx context.Context, technicianID string) error {
	reqs, err := s.store.PendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("replay pending: %w", err)
	}
	list := make([]models.NewSupportRequestPayload, 0, len(reqs))
	for _, r := range reqs {
		list = append(list, r.Announcement())
	}
	s.send(technicianID, models.EventPendingRequests, list)
	return nil
}

// AcceptRequest pairs a pending requester with the technician. The first
// acceptor wins; later ones get acceptRejected and ErrAlreadyClaimed.
func (s *Service) AcceptRequest(ctx context.Context, requesterID, technicianID, technicianName string) (models.Pairing, error) {
	if requesterID == "" || technicianID == "" {
		return models.Pairing{}, ErrInvalidID
	}
	tech := models.TechnicianPresence{TechnicianID: technicianID, DisplayName: technicianName}
	p, err := s.store.Claim(ctx, requesterID, tech, s.now())
	switch {
	case errors.Is(err, ErrNotPending):
		s.log.Infof("technician %s lost request %s", technicianID, requesterID)
		s.send(technicianID, models.EventAcceptRejected, models.AcceptRejectedPayload{
			UserID: requesterID,
			Reason: models.RejectAlreadyAccepted,
		})
		return models.Pairing{}, ErrAlreadyClaimed
	case errors.Is(err, ErrTechnicianBusy):
		s.send(technicianID, models.EventAcceptRejected, models.AcceptRejectedPayload{
			UserID: requesterID,
			Reason: models.RejectTechnicianBusy,
		})
		return models.Pairing{}, err
	case err != nil:
		return models.Pairing{}, fmt.Errorf("accept request: %w", err)
	}

	s.log.Infof("request %s accepted by %s (%s)", requesterID, technicianID, technicianName)

	s.send(requesterID, models.EventSupportAccepted, models.SupportAcceptedPayload{
		TechnicianID:   p.TechnicianID,
		TechnicianName: p.TechnicianName,
	})
	s.send(technicianID, models.EventAcceptSupport, models.AcceptSupportPayload{
		UserID:         p.RequesterID,
		Username:       p.RequesterName,
		TechnicianID:   p.TechnicianID,
		TechnicianName: p.TechnicianName,
	})
	if err := s.broadcast(ctx, models.EventRequestTaken, models.RequestTakenPayload{
		UserID:       requesterID,
		TechnicianID: technicianID,
	}, technicianID); err != nil {
		s.log.Warnf("announce taken request %s: %v", requesterID, err)
	}

	if s.recorder != nil {
		if err := s.recorder.Started(ctx, p); err != nil {
			s.log.Warnf("record session %s start: %v", p.SessionID, err)
		}
	}
	return p, nil
}

// EndSession terminates the session of requesterID on behalf of by (either
// participant) and tells the other side. A requester ending before being
// accepted is treated as a cancel.
func (s *Service) EndSession(ctx context.Context, requesterID, by string) error {
	p, ok, err := s.store.Pairing(ctx, requesterID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if !ok || p.RequesterID != requesterID {
		if by == requesterID {
			return s.CancelRequest(ctx, requesterID)
		}
		return nil
	}
	other := p.Other(by)
	if other == "" {
		s.log.Warnf("%s tried to end session %s it is not part of", by, requesterID)
		return nil
	}
	return s.finish(ctx, p, other, models.EndReasonEnded)
}

// Disconnect cleans up after a closed connection: a pending request is
// abandoned, presence is dropped and an active session is ended for the peer.
func (s *Service) Disconnect(ctx context.Context, peerID string) error {
	if peerID == "" {
		return nil
	}
	if err := s.CancelRequest(ctx, peerID); err != nil {
		return err
	}
	if removed, err := s.store.RemoveTechnician(ctx, peerID); err != nil {
		return fmt.Errorf("remove technician: %w", err)
	} else if removed {
		s.log.Infof("technician %s offline", peerID)
	}

	p, ok, err := s.store.Pairing(ctx, peerID)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if !ok {
		return nil
	}
	reason := models.EndReasonTechnicianLeft
	if peerID == p.RequesterID {
		reason = models.EndReasonRequesterLeft
	}
	return s.finish(ctx, p, p.Other(peerID), reason)
}

// Snapshot returns the pending requests and online technicians.
func (s *Service) Snapshot(ctx context.Context) (models.QueueSnapshot, error) {
	reqs, err := s.store.PendingRequests(ctx)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	techs, err := s.store.Technicians(ctx)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	return models.QueueSnapshot{Pending: reqs, Technicians: techs}, nil
}

func (s *Service) finish(ctx context.Context, p models.Pairing, notify, reason string) error {
	_, removed, err := s.store.RemovePairing(ctx, p.RequesterID)
	if err != nil {
		return fmt.Errorf("remove pairing: %w", err)
	}
	if !removed {
		return nil
	}
	s.log.Infof("session %s ended (%s)", p.SessionID, reason)
	s.send(notify, models.EventSupportEnded, models.UserPayload{UserID: p.RequesterID})

	if s.recorder != nil {
		if err := s.recorder.Ended(ctx, p.SessionID, reason, s.now()); err != nil {
			s.log.Warnf("record session %s end: %v", p.SessionID, err)
		}
	}
	return nil
}

// broadcast sends to every online technician except skip.
func (s *Service) broadcast(ctx context.Context, t models.EventType, payload any, skip string) error {
	techs, err := s.store.Technicians(ctx)
	if err != nil {
		return fmt.Errorf("list technicians: %w", err)
	}
	msg, err := models.NewSignalMessage(t, payload)
	if err != nil {
		return err
	}
	for _, tech := range techs {
		if tech.TechnicianID == skip {
			continue
		}
		s.notify.Deliver(tech.TechnicianID, msg)
	}
	return nil
}

func (s *Service) send(peerID string, t models.EventType, payload any) {
	msg, err := models.NewSignalMessage(t, payload)
	if err != nil {
		s.log.Errorf("build %s for %s: %v", t, peerID, err)
		return
	}
	s.notify.Deliver(peerID, msg)
}
