// Package thought defines the Mehfil post model and its PostgreSQL store.
// A thought is the unit of content: classified into a room, moderated,
// reacted to, editable and deletable by its true author, and optionally
// expiring.
package thought

import (
	"time"

	"github.com/mehfil/wellness-portal/internal/classifier"
	"github.com/mehfil/wellness-portal/internal/protocol"
)

// Lifecycle status. Flagged thoughts exist only for audit and backfill;
// they are never served to readers.
const (
	StatusApproved = "approved"
	StatusFlagged  = "flagged"
)

// Placeholder identity shown for anonymous thoughts at read time. The true
// author id stays on the record for moderation and edit/delete checks.
const (
	AnonymousName   = "Anonymous Student"
	AnonymousAvatar = "anonymous"
)

// RejectedExpiry is the short TTL applied to flagged audit records.
const RejectedExpiry = time.Hour

// Thought is a single user-submitted post.
type Thought struct {
	ID             string
	AuthorID       string
	AuthorName     string
	AuthorAvatar   string
	IsAnonymous    bool
	Content        string
	ImageURL       string
	Category       classifier.Category
	Status         string
	Rationale      string
	IsToxic        bool
	Tags           []string
	Score          float64
	RelatableCount int
	CreatedAt      time.Time
	EditedAt       *time.Time
	ExpiresAt      *time.Time
}

// Visible reports whether the thought may be served to readers: approved,
// not rejected, and not expired.
func (t *Thought) Visible(now time.Time) bool {
	if t.Status != StatusApproved {
		return false
	}
	if t.Category == classifier.CategoryRejected {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Payload converts the thought to its wire form for the given viewer.
// Anonymous thoughts are masked unless the viewer is the author; the
// author always sees their own identity (and can therefore edit/delete).
func (t *Thought) Payload(viewerID string) protocol.ThoughtPayload {
	p := protocol.ThoughtPayload{
		ID:             t.ID,
		AuthorID:       t.AuthorID,
		AuthorName:     t.AuthorName,
		AuthorAvatar:   t.AuthorAvatar,
		IsAnonymous:    t.IsAnonymous,
		Content:        t.Content,
		ImageURL:       t.ImageURL,
		Category:       string(t.Category),
		Tags:           t.Tags,
		RelatableCount: t.RelatableCount,
		CreatedAt:      t.CreatedAt.Unix(),
	}
	if t.EditedAt != nil {
		p.EditedAt = t.EditedAt.Unix()
	}
	if t.IsAnonymous && viewerID != t.AuthorID {
		p.AuthorID = ""
		p.AuthorName = AnonymousName
		p.AuthorAvatar = AnonymousAvatar
	}
	return p
}
