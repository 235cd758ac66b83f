// Package moderation decides accept/reject/reroute for thought submissions
// and owns the escalation state machine for both sanction tracks: spam
// strikes that lead to a shadow ban, and peer reports that lead to timed
// and eventually permanent posting bans.
package moderation

import "time"

// Config holds the moderation policy thresholds.
type Config struct {
	MinContentChars    int           // below this a submission is low-effort
	MaxContentChars    int           // above this a submission is a contract violation
	ShadowBanThreshold int           // strikes at which the shadow ban sets
	ReportThreshold    int           // distinct reporters that trigger escalation
	FirstBanDuration   time.Duration // level 0 -> 1
	SecondBanDuration  time.Duration // level 1 -> 2
}

// DefaultConfig returns the production policy defaults.
func DefaultConfig() Config {
	return Config{
		MinContentChars:    15,
		MaxContentChars:    5000,
		ShadowBanThreshold: 2,
		ReportThreshold:    1,
		FirstBanDuration:   48 * time.Hour,
		SecondBanDuration:  7 * 24 * time.Hour,
	}
}

// PermanentBanLevel is the terminal posting ban level.
const PermanentBanLevel = 3

// State is an author's durable moderation record. The zero value is a
// clean author with no history.
type State struct {
	UserID         string
	Strikes        int
	ShadowBanned   bool
	Exempt         bool // bypasses strike/ban accumulation, not rejections
	BanLevel       int  // 0..3, 3 is permanent
	BanPermanent   bool
	BanExpiresAt   *time.Time
	BanReason      string
	PostTTLMinutes *int // optional default expiry applied to all approved posts
}

// BanActive reports whether the author currently cannot post. Timed bans
// are checked lazily against the supplied clock; there is no background
// sweep, so an expired ban simply stops registering as active.
func (s State) BanActive(now time.Time) bool {
	if s.BanPermanent {
		return true
	}
	return s.BanExpiresAt != nil && s.BanExpiresAt.After(now)
}

// Escalation is the outcome of one rung of the report-driven ban ladder.
type Escalation struct {
	Level     int
	Permanent bool
	ExpiresAt *time.Time
}

// NextBan computes the escalation from the author's current ban level:
// 0 -> 1 imposes FirstBanDuration, 1 -> 2 imposes SecondBanDuration, and
// anything at level 2 or above becomes permanent with the expiry cleared.
func (c Config) NextBan(level int, now time.Time) Escalation {
	switch {
	case level <= 0:
		exp := now.Add(c.FirstBanDuration)
		return Escalation{Level: 1, ExpiresAt: &exp}
	case level == 1:
		exp := now.Add(c.SecondBanDuration)
		return Escalation{Level: 2, ExpiresAt: &exp}
	default:
		return Escalation{Level: PermanentBanLevel, Permanent: true}
	}
}
