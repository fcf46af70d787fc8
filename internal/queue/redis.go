package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	keyPending     = "support:pending"
	keyTechnicians = "support:technicians"
	keyPairings    = "support:pairings"
	keyBusy        = "support:busy"

	claimRetries = 3
)

// claimScript removes the pending request and records the pairing only if the
// request still holds the value the caller read, and the technician is free.
//
// KEYS: pending, pairings, busy
// ARGV: requesterID, technicianID, expected request JSON, pairing JSON
var claimScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then return 0 end
if cur ~= ARGV[3] then return 2 end
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then return -1 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// unpairScript deletes a pairing if it is still the one the caller read.
//
// KEYS: pairings, busy
// ARGV: requesterID, expected pairing JSON, technicianID
var unpairScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HGET', KEYS[2], ARGV[3]) == ARGV[1] then
	redis.call('HDEL', KEYS[2], ARGV[3])
end
return 1
`)

// replaceScript overwrites a pending request only if it still holds the
// value the caller read.
//
// KEYS: pending
// ARGV: requesterID, expected request JSON, new request JSON
var replaceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// RedisStore keeps the queue in Redis hashes so several relay processes can
// share it. Claim runs as a Lua script, which gives accept-if-pending atomicity.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutRequest(ctx context.Context, req models.SupportRequest) (bool, error) {
	for i := 0; i < claimRetries; i++ {
		data, err := json.Marshal(req)
		if err != nil {
			return false, fmt.Errorf("marshal request: %w", err)
		}
		added, err := s.client.HSetNX(ctx, keyPending, req.RequesterID, data).Result()
		if err != nil {
			return false, fmt.Errorf("store request: %w", err)
		}
		if added {
			return false, nil
		}

		raw, err := s.client.HGet(ctx, keyPending, req.RequesterID).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("read request: %w", err)
		}
		var cur models.SupportRequest
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return false, fmt.Errorf("decode request: %w", err)
		}
		next := req
		next.CreatedAt = cur.CreatedAt
		if data, err = json.Marshal(next); err != nil {
			return false, fmt.Errorf("marshal request: %w", err)
		}
		ok, err := replaceScript.Run(ctx, s.client, []string{keyPending}, req.RequesterID, raw, string(data)).Int()
		if err != nil {
			return false, fmt.Errorf("replace request: %w", err)
		}
		if ok == 1 {
			return true, nil
		}
		// Claimed, canceled or replaced since the read; start over.
	}
	return false, fmt.Errorf("store request %s: too much contention", req.RequesterID)
}

func (s *RedisStore) RemoveRequest(ctx context.Context, requesterID string) (models.SupportRequest, bool, error) {
	req, ok, err := s.getRequest(ctx, requesterID)
	if err != nil || !ok {
		return req, false, err
	}
	n, err := s.client.HDel(ctx, keyPending, requesterID).Result()
	if err != nil {
		return req, false, fmt.Errorf("remove request: %w", err)
	}
	// Someone else (a claim or a concurrent cancel) got there first.
	return req, n == 1, nil
}

func (s *RedisStore) PendingRequests(ctx context.Context) ([]models.SupportRequest, error) {
	vals, err := s.client.HGetAll(ctx, keyPending).Result()
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	reqs := make([]models.SupportRequest, 0, len(vals))
	for id, v := range vals {
		var r models.SupportRequest
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode request %s: %w", id, err)
		}
		reqs = append(reqs, r)
	}
	sortRequests(reqs)
	return reqs, nil
}

func (s *RedisStore) Claim(ctx context.Context, requesterID string, tech models.TechnicianPresence, at time.Time) (models.Pairing, error) {
	for i := 0; i < claimRetries; i++ {
		raw, err := s.client.HGet(ctx, keyPending, requesterID).Result()
		if errors.Is(err, redis.Nil) {
			return models.Pairing{}, ErrNotPending
		}
		if err != nil {
			return models.Pairing{}, fmt.Errorf("read request: %w", err)
		}

		var req models.SupportRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return models.Pairing{}, fmt.Errorf("decode request: %w", err)
		}
		p := newPairing(req, tech, at)
		pdata, err := json.Marshal(p)
		if err != nil {
			return models.Pairing{}, fmt.Errorf("marshal pairing: %w", err)
		}

		res, err := claimScript.Run(ctx, s.client,
			[]string{keyPending, keyPairings, keyBusy},
			requesterID, tech.TechnicianID, raw, string(pdata),
		).Int()
		if err != nil {
			return models.Pairing{}, fmt.Errorf("claim request: %w", err)
		}
		switch res {
		case 1:
			return p, nil
		case 0:
			return models.Pairing{}, ErrNotPending
		case -1:
			return models.Pairing{}, ErrTechnicianBusy
		}
		// The request was replaced between the read and the script; read again.
	}
	return models.Pairing{}, fmt.Errorf("claim request %s: too much contention", requesterID)
}

func (s *RedisStore) Pairing(ctx context.Context, peerID string) (models.Pairing, bool, error) {
	p, ok, _, err := s.getPairing(ctx, peerID)
	if err != nil || ok {
		return p, ok, err
	}

	requesterID, err := s.client.HGet(ctx, keyBusy, peerID).Result()
	if errors.Is(err, redis.Nil) {
		return models.Pairing{}, false, nil
	}
	if err != nil {
		return models.Pairing{}, false, fmt.Errorf("read busy index: %w", err)
	}
	p, ok, _, err = s.getPairing(ctx, requesterID)
	return p, ok, err
}

func (s *RedisStore) RemovePairing(ctx context.Context, requesterID string) (models.Pairing, bool, error) {
	p, ok, raw, err := s.getPairing(ctx, requesterID)
	if err != nil || !ok {
		return p, false, err
	}
	n, err := unpairScript.Run(ctx, s.client,
		[]string{keyPairings, keyBusy},
		requesterID, raw, p.TechnicianID,
	).Int()
	if err != nil {
		return p, false, fmt.Errorf("remove pairing: %w", err)
	}
	return p, n == 1, nil
}

func (s *RedisStore) PutTechnician(ctx context.Context, t models.TechnicianPresence) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal technician: %w", err)
	}
	if err := s.client.HSet(ctx, keyTechnicians, t.TechnicianID, data).Err(); err != nil {
		return fmt.Errorf("store technician: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveTechnician(ctx context.Context, technicianID string) (bool, error) {
	n, err := s.client.HDel(ctx, keyTechnicians, technicianID).Result()
	if err != nil {
		return false, fmt.Errorf("remove technician: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Technicians(ctx context.Context) ([]models.TechnicianPresence, error) {
	vals, err := s.client.HGetAll(ctx, keyTechnicians).Result()
	if err != nil {
		return nil, fmt.Errorf("list technicians: %w", err)
	}
	techs := make([]models.TechnicianPresence, 0, len(vals))
	for id, v := range vals {
		var t models.TechnicianPresence
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode technician %s: %w", id, err)
		}
		techs = append(techs, t)
	}
	sortTechnicians(techs)
	return techs, nil
}

func (s *RedisStore) getRequest(ctx context.Context, requesterID string) (models.SupportRequest, bool, error) {
	var req models.SupportRequest
	raw, err := s.client.HGet(ctx, keyPending, requesterID).Result()
	if errors.Is(err, redis.Nil) {
		return req, false, nil
	}
	if err != nil {
		return req, false, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return req, false, fmt.Errorf("decode request: %w", err)
	}
	return req, true, nil
}

func (s *RedisStore) getPairing(ctx context.Context, requesterID string) (models.Pairing, bool, string, error) {
	var p models.Pairing
	raw, err := s.client.HGet(ctx, keyPairings, requesterID).Result()
	if errors.Is(err, redis.Nil) {
		return p, false, "", nil
	}
	if err != nil {
		return p, false, "", fmt.Errorf("read pairing: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, false, "", fmt.Errorf("decode pairing: %w", err)
	}
	return p, true, raw, nil
}
