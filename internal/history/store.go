// Package history records call sessions and their post-call ratings.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mossy-p/support-signaling/internal/models"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for a session.
var ErrNotFound = errors.New("history: session not found")

// Store is a SQL-backed call history. Postgres is used in production and
// SQLite for development and tests.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and creates the schema if missing.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// Every connection to ":memory:" is its own database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			id              ` + idCol + `,
			session_id      TEXT NOT NULL,
			requester_id    TEXT NOT NULL,
			requester_name  TEXT NOT NULL DEFAULT '',
			technician_id   TEXT NOT NULL,
			technician_name TEXT NOT NULL DEFAULT '',
			started_at      BIGINT NOT NULL,
			ended_at        BIGINT,
			end_reason      TEXT NOT NULL DEFAULT '',
			rating          INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_session ON call_sessions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_started ON call_sessions(started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Started records a newly accepted session.
func (s *Store) Started(ctx context.Context, p models.Pairing) error {
	at := p.AcceptedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO call_sessions
			(session_id, requester_id, requester_name, technician_id, technician_name, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.SessionID, p.RequesterID, p.RequesterName, p.TechnicianID, p.TechnicianName, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", p.SessionID, err)
	}
	return nil
}

// Ended closes the open record of a session. Ending an unknown or already
// closed session is not an error.
func (s *Store) Ended(ctx context.Context, sessionID, reason string, at time.Time) error {
	id, err := s.latest(ctx, sessionID, true)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE call_sessions SET ended_at = ?, end_reason = ? WHERE id = ?`),
		at.UnixMilli(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// Rate stores the rating on the most recent record of the session.
func (s *Store) Rate(ctx context.Context, sessionID string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating %d out of range", rating)
	}
	id, err := s.latest(ctx, sessionID, false)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE call_sessions SET rating = ? WHERE id = ?`), rating, id)
	if err != nil {
		return fmt.Errorf("rate session %s: %w", sessionID, err)
	}
	return nil
}

// Range lists sessions started in [start, end), oldest first.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]models.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, requester_id, requester_name, technician_id, technician_name,
		       started_at, ended_at, end_reason, rating
		FROM call_sessions
		WHERE started_at >= ? AND started_at < ?
		ORDER BY started_at, id`),
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	records := []models.CallRecord{}
	for rows.Next() {
		var (
			r       models.CallRecord
			started int64
			ended   sql.NullInt64
			rating  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RequesterID, &r.RequesterName,
			&r.TechnicianID, &r.TechnicianName, &started, &ended, &r.EndReason, &rating); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			t := time.UnixMilli(ended.Int64).UTC()
			r.EndedAt = &t
		}
		if rating.Valid {
			v := int(rating.Int64)
			r.Rating = &v
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// latest returns the row id of the newest record for the session, optionally
// restricted to records that are still open.
func (s *Store) latest(ctx context.Context, sessionID string, openOnly bool) (int64, error) {
	q := `SELECT id FROM call_sessions WHERE session_id = ?`
	if openOnly {
		q += ` AND ended_at IS NULL`
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT 1`

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(q), sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("find session %s: %w", sessionID, err)
	}
	return id, nil
}

// rebind rewrites ? placeholders to $n for lib/pq.
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
