// Package report handles post reports: PostgreSQL-backed storage for who
// reported which thought and why, and the NATS intake that turns enough
// distinct reports into a posting-ban escalation.
package report

import (
	"context"
	"database/sql"
	"fmt"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the reports table.
var validReasons = map[string]bool{
	"harassment":     true,
	"spam":           true,
	"explicit":       true,
	"misinformation": true,
	"other":          true,
}

// Report represents a single post report to be persisted.
type Report struct {
	ThoughtID  string
	ReporterID string
	Reason     string
}

// Store manages post reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. A user reporting the same thought twice is a
// no-op; the bool reports whether a new row was inserted. The reason is
// validated against the allowed set before insertion.
func (s *Store) Create(ctx context.Context, r *Report) (bool, error) {
	if !validReasons[r.Reason] {
		return false, fmt.Errorf("report: invalid reason %q", r.Reason)
	}

	const query = `
		INSERT INTO reports (thought_id, reporter_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (thought_id, reporter_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, r.ThoughtID, r.ReporterID, r.Reason)
	if err != nil {
		return false, fmt.Errorf("report: insert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("report: insert rows: %w", err)
	}
	return affected > 0, nil
}

// CountPending returns the number of distinct reporters with an unactioned
// report against the given thought.
func (s *Store) CountPending(ctx context.Context, thoughtID string) (int, error) {
	const query = `
		SELECT COUNT(DISTINCT reporter_id)
		FROM reports
		WHERE thought_id = $1 AND NOT actioned`

	var count int
	if err := s.db.QueryRowContext(ctx, query, thoughtID).Scan(&count); err != nil {
		return 0, fmt.Errorf("report: count pending: %w", err)
	}
	return count, nil
}

// MarkActioned marks every report against the thought as handled, so the
// same reports cannot trigger a second escalation.
func (s *Store) MarkActioned(ctx context.Context, thoughtID string) error {
	const query = `UPDATE reports SET actioned = TRUE WHERE thought_id = $1`

	if _, err := s.db.ExecContext(ctx, query, thoughtID); err != nil {
		return fmt.Errorf("report: mark actioned: %w", err)
	}
	return nil
}
