package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/support-signaling/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pairing(id string, at time.Time) models.Pairing {
	return models.Pairing{
		SessionID:      id,
		RequesterID:    id,
		RequesterName:  "Alice",
		TechnicianID:   "t1",
		TechnicianName: "Bob",
		AcceptedAt:     at,
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := s.Started(ctx, pairing("u1", start)); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := s.Ended(ctx, "u1", models.EndReasonEnded, start.Add(90*time.Second)); err != nil {
		t.Fatalf("Ended: %v", err)
	}
	if err := s.Rate(ctx, "u1", 4); err != nil {
		t.Fatalf("Rate: %v", err)
	}

	recs, err := s.Range(ctx, start.Truncate(24*time.Hour), start.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.TechnicianName != "Bob" || r.EndReason != models.EndReasonEnded {
		t.Errorf("record = %+v", r)
	}
	if r.Duration() != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", r.Duration())
	}
	if r.Rating == nil || *r.Rating != 4 {
		t.Errorf("Rating = %v, want 4", r.Rating)
	}
}

func TestEndedClosesOnlyOpenRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	s.Started(ctx, pairing("u1", t0))
	s.Ended(ctx, "u1", models.EndReasonEnded, t0.Add(time.Minute))
	// Same requester calls again later.
	s.Started(ctx, pairing("u1", t0.Add(time.Hour)))
	s.Ended(ctx, "u1", models.EndReasonRequesterLeft, t0.Add(time.Hour+time.Minute))
	// A second end for an already closed call is ignored.
	if err := s.Ended(ctx, "u1", models.EndReasonTechnicianLeft, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("Ended on closed session: %v", err)
	}

	recs, _ := s.Range(ctx, t0, t0.Add(24*time.Hour))
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].EndReason != models.EndReasonEnded || recs[1].EndReason != models.EndReasonRequesterLeft {
		t.Errorf("reasons = %q, %q", recs[0].EndReason, recs[1].EndReason)
	}
}

func TestRateUnknownSession(t *testing.T) {
	s := openTestStore(t)
	if err := s.Rate(context.Background(), "nobody", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRateRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.Started(ctx, pairing("u1", time.Now()))

	for _, v := range []int{0, 6, -1} {
		if err := s.Rate(ctx, "u1", v); err == nil {
			t.Errorf("Rate(%d) succeeded", v)
		}
	}
}

func TestRangeExcludesOutside(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	s.Started(ctx, pairing("before", day.Add(-time.Minute)))
	s.Started(ctx, pairing("inside", day.Add(12*time.Hour)))
	s.Started(ctx, pairing("after", day.Add(24*time.Hour)))

	recs, err := s.Range(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].SessionID != "inside" {
		t.Errorf("records = %+v", recs)
	}
}

func TestRebind(t *testing.T) {
	s := &Store{driver: "postgres"}
	got := s.rebind("a = ? AND b = ?")
	if got != "a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	s.driver = "sqlite"
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error")
	}
}
