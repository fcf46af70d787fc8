package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/support-signaling/internal/models"
)

// MemoryStore is the single-process Store. The relay serves connections on
// many goroutines, so the maps sit behind one mutex.
type MemoryStore struct {
	mu          sync.Mutex
	pending     map[string]models.SupportRequest
	technicians map[string]models.TechnicianPresence
	pairings    map[string]models.Pairing // by requester id
	busy        map[string]string         // technician id -> requester id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:     make(map[string]models.SupportRequest),
		technicians: make(map[string]models.TechnicianPresence),
		pairings:    make(map[string]models.Pairing),
		busy:        make(map[string]string),
	}
}

func (s *MemoryStore) PutRequest(_ context.Context, req models.SupportRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.pending[req.RequesterID]; ok {
		cur.DisplayName = req.DisplayName
		s.pending[req.RequesterID] = cur
		return true, nil
	}
	s.pending[req.RequesterID] = req
	return false, nil
}

func (s *MemoryStore) RemoveRequest(_ context.Context, requesterID string) (models.SupportRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[requesterID]
	if ok {
		delete(s.pending, requesterID)
	}
	return req, ok, nil
}

func (s *MemoryStore) PendingRequests(_ context.Context) ([]models.SupportRequest, error) {
	s.mu.Lock()
	reqs := make([]models.SupportRequest, 0, len(s.pending))
	for _, r := range s.pending {
		reqs = append(reqs, r)
	}
	s.mu.Unlock()

	sortRequests(reqs)
	return reqs, nil
}

func (s *MemoryStore) Claim(_ context.Context, requesterID string, tech models.TechnicianPresence, at time.Time) (models.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[requesterID]
	if !ok {
		return models.Pairing{}, ErrNotPending
	}
	if _, busy := s.busy[tech.TechnicianID]; busy {
		return models.Pairing{}, ErrTechnicianBusy
	}

	p := newPairing(req, tech, at)
	delete(s.pending, requesterID)
	s.pairings[requesterID] = p
	s.busy[tech.TechnicianID] = requesterID
	return p, nil
}

func (s *MemoryStore) Pairing(_ context.Context, peerID string) (models.Pairing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pairings[peerID]; ok {
		return p, true, nil
	}
	if requesterID, ok := s.busy[peerID]; ok {
		p, ok := s.pairings[requesterID]
		return p, ok, nil
	}
	return models.Pairing{}, false, nil
}

func (s *MemoryStore) RemovePairing(_ context.Context, requesterID string) (models.Pairing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairings[requesterID]
	if !ok {
		return models.Pairing{}, false, nil
	}
	delete(s.pairings, requesterID)
	if s.busy[p.TechnicianID] == requesterID {
		delete(s.busy, p.TechnicianID)
	}
	return p, true, nil
}

func (s *MemoryStore) PutTechnician(_ context.Context, t models.TechnicianPresence) error {
	s.mu.Lock()
	s.technicians[t.TechnicianID] = t
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemoveTechnician(_ context.Context, technicianID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.technicians[technicianID]
	delete(s.technicians, technicianID)
	return ok, nil
}

func (s *MemoryStore) Technicians(_ context.Context) ([]models.TechnicianPresence, error) {
	s.mu.Lock()
	techs := make([]models.TechnicianPresence, 0, len(s.technicians))
	for _, t := range s.technicians {
		techs = append(techs, t)
	}
	s.mu.Unlock()

	sortTechnicians(techs)
	return techs, nil
}

func newPairing(req models.SupportRequest, tech models.TechnicianPresence, at time.Time) models.Pairing {
	return models.Pairing{
		SessionID:      req.RequesterID,
		RequesterID:    req.RequesterID,
		RequesterName:  req.DisplayName,
		TechnicianID:   tech.TechnicianID,
		TechnicianName: tech.DisplayName,
		AcceptedAt:     at,
	}
}

func sortRequests(reqs []models.SupportRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].RequesterID < reqs[j].RequesterID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

func sortTechnicians(techs []models.TechnicianPresence) {
	sort.Slice(techs, func(i, j int) bool { return techs[i].TechnicianID < techs[j].TechnicianID })
}
