package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis":  newRedisStore,
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("requests", func(t *testing.T) { testStoreRequests(t, mk(t)) })
			t.Run("claim", func(t *testing.T) { testStoreClaim(t, mk(t)) })
			t.Run("technicians", func(t *testing.T) { testStoreTechnicians(t, mk(t)) })
			t.Run("concurrent put", func(t *testing.T) { testStoreConcurrentPut(t, mk(t)) })
		})
	}
}

func testStoreRequests(t *testing.T, s Store) {
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000).UTC()

	if replaced, err := s.PutRequest(ctx, models.SupportRequest{RequesterID: "u2", DisplayName: "B", CreatedAt: t0.Add(time.Second)}); err != nil || replaced {
		t.Fatalf("PutRequest u2: replaced=%v err=%v", replaced, err)
	}
	s.PutRequest(ctx, models.SupportRequest{RequesterID: "u1", DisplayName: "A", CreatedAt: t0})

	replaced, err := s.PutRequest(ctx, models.SupportRequest{RequesterID: "u1", DisplayName: "A2", CreatedAt: t0.Add(time.Hour)})
	if err != nil || !replaced {
		t.Fatalf("re-put u1: replaced=%v err=%v", replaced, err)
	}

	reqs, err := s.PendingRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 2 || reqs[0].RequesterID != "u1" || reqs[1].RequesterID != "u2" {
		t.Fatalf("order = %+v", reqs)
	}
	if reqs[0].DisplayName != "A2" || !reqs[0].CreatedAt.Equal(t0) {
		t.Errorf("replace should keep CreatedAt and update name: %+v", reqs[0])
	}

	if _, ok, _ := s.RemoveRequest(ctx, "u1"); !ok {
		t.Error("RemoveRequest u1 = false")
	}
	if _, ok, _ := s.RemoveRequest(ctx, "u1"); ok {
		t.Error("second RemoveRequest u1 = true")
	}
}

func testStoreClaim(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.PutRequest(ctx, models.SupportRequest{RequesterID: "u1", DisplayName: "Alice", CreatedAt: now})
	s.PutRequest(ctx, models.SupportRequest{RequesterID: "u2", DisplayName: "Carol", CreatedAt: now})

	bob := models.TechnicianPresence{TechnicianID: "t1", DisplayName: "Bob"}
	dave := models.TechnicianPresence{TechnicianID: "t2", DisplayName: "Dave"}

	p, err := s.Claim(ctx, "u1", bob, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if p.SessionID != "u1" || p.RequesterName != "Alice" || p.TechnicianName != "Bob" {
		t.Errorf("pairing = %+v", p)
	}
	if _, err := s.Claim(ctx, "u1", dave, now); !errors.Is(err, ErrNotPending) {
		t.Errorf("second claim err = %v, want ErrNotPending", err)
	}
	if _, err := s.Claim(ctx, "u2", bob, now); !errors.Is(err, ErrTechnicianBusy) {
		t.Errorf("busy claim err = %v, want ErrTechnicianBusy", err)
	}

	for _, id := range []string{"u1", "t1"} {
		got, ok, err := s.Pairing(ctx, id)
		if err != nil || !ok || got.RequesterID != "u1" || got.TechnicianID != "t1" {
			t.Errorf("Pairing(%s) = %+v ok=%v err=%v", id, got, ok, err)
		}
	}

	if _, ok, _ := s.RemovePairing(ctx, "u1"); !ok {
		t.Error("RemovePairing = false")
	}
	if _, ok, _ := s.Pairing(ctx, "t1"); ok {
		t.Error("technician still paired after RemovePairing")
	}
	if _, err := s.Claim(ctx, "u2", bob, now); err != nil {
		t.Errorf("claim after unpair: %v", err)
	}
}

func testStoreTechnicians(t *testing.T, s Store) {
	ctx := context.Background()
	s.PutTechnician(ctx, models.TechnicianPresence{TechnicianID: "t2", DisplayName: "Dave"})
	s.PutTechnician(ctx, models.TechnicianPresence{TechnicianID: "t1", DisplayName: "Bob"})

	techs, err := s.Technicians(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(techs) != 2 || techs[0].TechnicianID != "t1" {
		t.Fatalf("technicians = %+v", techs)
	}
	if ok, _ := s.RemoveTechnician(ctx, "t1"); !ok {
		t.Error("RemoveTechnician = false")
	}
	if ok, _ := s.RemoveTechnician(ctx, "t1"); ok {
		t.Error("second RemoveTechnician = true")
	}
	techs, _ = s.Technicians(ctx)
	if len(techs) != 1 || techs[0].TechnicianID != "t2" {
		t.Errorf("technicians after remove = %+v", techs)
	}
}

func testStoreConcurrentPut(t *testing.T, s Store) {
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000).UTC()

	var wg sync.WaitGroup
	var added atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replaced, err := s.PutRequest(ctx, models.SupportRequest{
				RequesterID: "u1",
				DisplayName: "A",
				CreatedAt:   t0.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Errorf("PutRequest: %v", err)
				return
			}
			if !replaced {
				added.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if n := added.Load(); n != 1 {
		t.Errorf("%d puts reported a new request, want 1", n)
	}
	reqs, err := s.PendingRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("pending = %+v", reqs)
	}
}

// Two relay processes share one Redis; only one of them may announce the
// request as new.
func TestRedisPutRequestAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	var stores []*RedisStore
	for i := 0; i < 2; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		stores = append(stores, NewRedisStore(client))
	}

	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000).UTC()
	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s *RedisStore) {
			defer wg.Done()
			replaced, err := s.PutRequest(ctx, models.SupportRequest{RequesterID: "u1", DisplayName: "A", CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
			if err != nil {
				t.Errorf("PutRequest: %v", err)
			}
			results <- replaced
		}(i, s)
	}
	wg.Wait()
	close(results)

	fresh := 0
	for replaced := range results {
		if !replaced {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d relays saw a new request, want 1", fresh)
	}
	req, ok, err := stores[0].getRequest(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("getRequest: %v %v", ok, err)
	}
	if !req.CreatedAt.Equal(t0) && !req.CreatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("CreatedAt = %v", req.CreatedAt)
	}
}
