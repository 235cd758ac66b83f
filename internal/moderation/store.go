package moderation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists author moderation state in PostgreSQL. All mutations are
// expressed as conditional updates so they stay correct if the gateway is
// ever scaled past one process.
type Store struct {
	db  *sql.DB
	cfg Config
}

// NewStore creates a moderation store backed by the given database handle.
func NewStore(db *sql.DB, cfg Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// Ensure upserts the user's display identity. Moderation fields are left
// untouched for existing users.
func (s *Store) Ensure(ctx context.Context, userID, displayName, avatarURL string) error {
	const query = `
		INSERT INTO users (id, display_name, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    avatar_url   = EXCLUDED.avatar_url`

	if _, err := s.db.ExecContext(ctx, query, userID, displayName, avatarURL); err != nil {
		return fmt.Errorf("moderation: ensure user: %w", err)
	}
	return nil
}

// Get loads an author's moderation state. Unknown users return a clean
// zero state so a report against a never-registered id doesn't error.
func (s *Store) Get(ctx context.Context, userID string) (State, error) {
	const query = `
		SELECT spam_strikes, is_shadow_banned, moderation_exempt,
		       ban_level, ban_permanent, ban_expires_at, ban_reason, post_ttl_minutes
		FROM users
		WHERE id = $1`

	st := State{UserID: userID}
	var (
		expiresAt sql.NullTime
		reason    sql.NullString
		ttl       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&st.Strikes, &st.ShadowBanned, &st.Exempt,
		&st.BanLevel, &st.BanPermanent, &expiresAt, &reason, &ttl,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("moderation: get state: %w", err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		st.BanExpiresAt = &t
	}
	if reason.Valid {
		st.BanReason = reason.String
	}
	if ttl.Valid {
		v := int(ttl.Int64)
		st.PostTTLMinutes = &v
	}
	return st, nil
}

// AddStrike atomically increments the author's strike counter and sets the
// shadow-ban flag once the threshold is reached. The flag is never cleared
// here: good behavior does not undo a shadow ban. Exempt authors are
// filtered at the store level as well, returning the unchanged counter.
func (s *Store) AddStrike(ctx context.Context, userID string) (int, bool, error) {
	const query = `
		UPDATE users
		SET spam_strikes     = spam_strikes + 1,
		    is_shadow_banned = is_shadow_banned OR (spam_strikes + 1 >= $2)
		WHERE id = $1 AND NOT moderation_exempt
		RETURNING spam_strikes, is_shadow_banned`

	var (
		strikes      int
		shadowBanned bool
	)
	err := s.db.QueryRowContext(ctx, query, userID, s.cfg.ShadowBanThreshold).Scan(&strikes, &shadowBanned)
	if errors.Is(err, sql.ErrNoRows) {
		// Exempt or unknown author: nothing recorded.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("moderation: add strike: %w", err)
	}
	return strikes, shadowBanned, nil
}

// Escalate advances the author's posting ban one rung: 0->1 timed, 1->2
// timed, >=2 permanent. It is a no-op — returning the current state and
// false — when the author is exempt, already permanently banned, or still
// inside an unexpired timed ban. The update is guarded on the level read,
// so a concurrent escalation loses cleanly instead of double-stepping.
func (s *Store) Escalate(ctx context.Context, userID, reason string, now time.Time) (State, bool, error) {
	st, err := s.Get(ctx, userID)
	if err != nil {
		return State{}, false, err
	}

	if st.Exempt || st.BanActive(now) {
		return st, false, nil
	}

	esc := s.cfg.NextBan(st.BanLevel, now)

	const query = `
		UPDATE users
		SET ban_level      = $2,
		    ban_permanent  = $3,
		    ban_expires_at = $4,
		    ban_reason     = $5,
		    ban_updated_at = $6
		WHERE id = $1
		  AND ban_level = $7
		  AND NOT ban_permanent
		  AND NOT moderation_exempt
		  AND (ban_expires_at IS NULL OR ban_expires_at <= $6)`

	var expiresAt interface{}
	if esc.ExpiresAt != nil {
		expiresAt = *esc.ExpiresAt
	}

	res, err := s.db.ExecContext(ctx, query,
		userID, esc.Level, esc.Permanent, expiresAt, reason, now, st.BanLevel)
	if err != nil {
		return State{}, false, fmt.Errorf("moderation: escalate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return State{}, false, fmt.Errorf("moderation: escalate rows: %w", err)
	}
	if affected == 0 {
		// Lost a race with another escalation; the fresh state is what counts.
		st, err = s.Get(ctx, userID)
		return st, false, err
	}

	st.BanLevel = esc.Level
	st.BanPermanent = esc.Permanent
	st.BanExpiresAt = esc.ExpiresAt
	st.BanReason = reason
	return st, true, nil
}

// SetExempt toggles the moderation-exempt flag for an author.
func (s *Store) SetExempt(ctx context.Context, userID string, exempt bool) error {
	const query = `UPDATE users SET moderation_exempt = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, userID, exempt); err != nil {
		return fmt.Errorf("moderation: set exempt: %w", err)
	}
	return nil
}

// SetPostTTL sets or clears (nil) the author's default post expiry in
// minutes, applied to all their approved thoughts.
func (s *Store) SetPostTTL(ctx context.Context, userID string, minutes *int) error {
	const query = `UPDATE users SET post_ttl_minutes = $2 WHERE id = $1`
	var v interface{}
	if minutes != nil {
		v = *minutes
	}
	if _, err := s.db.ExecContext(ctx, query, userID, v); err != nil {
		return fmt.Errorf("moderation: set post ttl: %w", err)
	}
	return nil
}
