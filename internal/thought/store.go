package thought

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mehfil/wellness-portal/internal/classifier"
)

// Store errors surfaced to the gateway for user-facing mapping.
var (
	ErrNotFound      = errors.New("thought: not found")
	ErrNotAuthorized = errors.New("thought: not the author")
)

// MaxPageSize caps loadThoughts page sizes.
const MaxPageSize = 50

// Store manages thoughts and reactions in PostgreSQL. Counter mutations
// are conditional single-statement updates so they stay correct under
// concurrent toggles and across multiple gateway processes.
type Store struct {
	db *sql.DB
}

// NewStore creates a thought store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const thoughtColumns = `
	id, author_id, author_name, author_avatar, is_anonymous, content,
	image_url, category, status, rationale, is_toxic, tags, score,
	relatable_count, created_at, edited_at, expires_at`

// Insert persists a new thought (visible or flagged-for-audit alike).
func (s *Store) Insert(ctx context.Context, t *Thought) error {
	const query = `
		INSERT INTO thoughts (` + thoughtColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	var editedAt, expiresAt interface{}
	if t.EditedAt != nil {
		editedAt = *t.EditedAt
	}
	if t.ExpiresAt != nil {
		expiresAt = *t.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.AuthorID, t.AuthorName, t.AuthorAvatar, t.IsAnonymous,
		t.Content, t.ImageURL, string(t.Category), t.Status, t.Rationale,
		t.IsToxic, pq.Array(t.Tags), t.Score, t.RelatableCount,
		t.CreatedAt, editedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("thought: insert: %w", err)
	}
	return nil
}

// Get loads a thought by id regardless of visibility (callers needing the
// read predicate use Visible on the result).
func (s *Store) Get(ctx context.Context, id string) (*Thought, error) {
	query := `SELECT ` + thoughtColumns + ` FROM thoughts WHERE id = $1`
	t, err := scanThought(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thought: get: %w", err)
	}
	return t, nil
}

// ListQuery describes one loadThoughts page.
type ListQuery struct {
	Room     classifier.Category // empty means ALL rooms
	Page     int                 // zero-based
	Limit    int                 // capped at MaxPageSize
	ViewerID string              // for per-viewer HasReacted flags
}

// ListItem pairs a thought with the viewer's reaction flag.
type ListItem struct {
	Thought    Thought
	HasReacted bool
}

// List returns one page of visible thoughts, newest first, and whether
// more pages exist. Visibility is enforced in SQL: approved status, not
// rejected, and no past expiry.
func (s *Store) List(ctx context.Context, q ListQuery) ([]ListItem, bool, error) {
	limit := q.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	page := q.Page
	if page < 0 {
		page = 0
	}

	query := `
		SELECT ` + thoughtColumns + `,
		       EXISTS (
		           SELECT 1 FROM reactions r
		           WHERE r.thought_id = thoughts.id AND r.user_id = $1
		       ) AS has_reacted
		FROM thoughts
		WHERE status = 'approved'
		  AND category != 'REJECTED'
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND ($2 = '' OR category = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	// Fetch one extra row to learn whether another page exists.
	rows, err := s.db.QueryContext(ctx, query,
		q.ViewerID, string(q.Room), limit+1, page*limit)
	if err != nil {
		return nil, false, fmt.Errorf("thought: list: %w", err)
	}
	defer rows.Close()

	items := make([]ListItem, 0, limit)
	for rows.Next() {
		var (
			t          Thought
			editedAt   sql.NullTime
			expiresAt  sql.NullTime
			tags       pq.StringArray
			category   string
			hasReacted bool
		)
		err := rows.Scan(
			&t.ID, &t.AuthorID, &t.AuthorName, &t.AuthorAvatar, &t.IsAnonymous,
			&t.Content, &t.ImageURL, &category, &t.Status, &t.Rationale,
			&t.IsToxic, &tags, &t.Score, &t.RelatableCount,
			&t.CreatedAt, &editedAt, &expiresAt, &hasReacted,
		)
		if err != nil {
			return nil, false, fmt.Errorf("thought: list scan: %w", err)
		}
		fillScanned(&t, category, tags, editedAt, expiresAt)
		items = append(items, ListItem{Thought: t, HasReacted: hasReacted})
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("thought: list rows: %w", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}

// UpdateContent replaces a thought's content if and only if authorID is
// the true author. Returns the updated thought, ErrNotFound, or
// ErrNotAuthorized.
func (s *Store) UpdateContent(ctx context.Context, id, authorID, content string, editedAt time.Time) (*Thought, error) {
	query := `
		UPDATE thoughts
		SET content = $3, edited_at = $4
		WHERE id = $1 AND author_id = $2
		RETURNING ` + thoughtColumns

	t, err := scanThought(s.db.QueryRowContext(ctx, query, id, authorID, content, editedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.authzError(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("thought: update content: %w", err)
	}
	return t, nil
}

// Delete removes a thought outright (no tombstone) if authorID is the true
// author. Reactions go with it via the foreign key cascade.
func (s *Store) Delete(ctx context.Context, id, authorID string) error {
	const query = `DELETE FROM thoughts WHERE id = $1 AND author_id = $2`

	res, err := s.db.ExecContext(ctx, query, id, authorID)
	if err != nil {
		return fmt.Errorf("thought: delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("thought: delete rows: %w", err)
	}
	if affected == 0 {
		return s.authzError(ctx, id)
	}
	return nil
}

// Flag marks a thought as flagged, removing it from every feed while
// preserving the row for moderator review.
func (s *Store) Flag(ctx context.Context, id string) error {
	const query = `UPDATE thoughts SET status = $2 WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, StatusFlagged)
	if err != nil {
		return fmt.Errorf("thought: flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("thought: flag rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleReaction flips the (user, thought) reaction pair and adjusts the
// stored count by exactly one. The decrement is guarded in SQL so the
// count can never go below zero even under concurrent toggles.
func (s *Store) ToggleReaction(ctx context.Context, userID, thoughtID string) (count int, hasReacted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("thought: toggle begin: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO reactions (user_id, thought_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, thought_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, insert, userID, thoughtID)
	if err != nil {
		return 0, false, fmt.Errorf("thought: toggle insert: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("thought: toggle rows: %w", err)
	}

	if inserted == 1 {
		const inc = `
			UPDATE thoughts SET relatable_count = relatable_count + 1
			WHERE id = $1
			RETURNING relatable_count`
		if err := tx.QueryRowContext(ctx, inc, thoughtID).Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, false, ErrNotFound
			}
			return 0, false, fmt.Errorf("thought: toggle increment: %w", err)
		}
		hasReacted = true
	} else {
		const del = `DELETE FROM reactions WHERE user_id = $1 AND thought_id = $2`
		if _, err := tx.ExecContext(ctx, del, userID, thoughtID); err != nil {
			return 0, false, fmt.Errorf("thought: toggle delete: %w", err)
		}
		const dec = `
			UPDATE thoughts
			SET relatable_count = GREATEST(relatable_count - 1, 0)
			WHERE id = $1
			RETURNING relatable_count`
		if err := tx.QueryRowContext(ctx, dec, thoughtID).Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, false, ErrNotFound
			}
			return 0, false, fmt.Errorf("thought: toggle decrement: %w", err)
		}
		hasReacted = false
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("thought: toggle commit: %w", err)
	}
	return count, hasReacted, nil
}

// authzError distinguishes "no such thought" from "not your thought" after
// a guarded write matched zero rows.
func (s *Store) authzError(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM thoughts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("thought: authz check: %w", err)
	}
	if exists {
		return ErrNotAuthorized
	}
	return ErrNotFound
}

// scanThought scans one full thought row.
func scanThought(row *sql.Row) (*Thought, error) {
	var (
		t         Thought
		editedAt  sql.NullTime
		expiresAt sql.NullTime
		tags      pq.StringArray
		category  string
	)
	err := row.Scan(
		&t.ID, &t.AuthorID, &t.AuthorName, &t.AuthorAvatar, &t.IsAnonymous,
		&t.Content, &t.ImageURL, &category, &t.Status, &t.Rationale,
		&t.IsToxic, &tags, &t.Score, &t.RelatableCount,
		&t.CreatedAt, &editedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	fillScanned(&t, category, tags, editedAt, expiresAt)
	return &t, nil
}

// fillScanned normalizes scanned nullable and raw-string columns onto the
// model. Unknown stored categories degrade to REJECTED so a bad row can
// never leak into a feed.
func fillScanned(t *Thought, category string, tags pq.StringArray, editedAt, expiresAt sql.NullTime) {
	if c, ok := classifier.NormalizeCategory(category); ok {
		t.Category = c
	} else {
		t.Category = classifier.CategoryRejected
	}
	t.Tags = []string(tags)
	if editedAt.Valid {
		v := editedAt.Time
		t.EditedAt = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		t.ExpiresAt = &v
	}
}
