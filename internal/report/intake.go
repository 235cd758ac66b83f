package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/mehfil/wellness-portal/internal/metrics"
	"github.com/mehfil/wellness-portal/internal/moderation"
	"github.com/mehfil/wellness-portal/internal/thought"
)

// IncomingReport is the payload published on the report intake subject by
// the REST API.
type IncomingReport struct {
	ThoughtID  string `json:"thoughtId"`
	ReporterID string `json:"reporterId"`
	Reason     string `json:"reason"`
}

// BanNotice is published on the ban subject whenever an escalation lands, so
// other services can react (e-mail, admin dashboard, other socket instances).
type BanNotice struct {
	UserID    string     `json:"userId"`
	Level     int        `json:"level"`
	Permanent bool       `json:"permanent"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason"`
}

// BanNoticeHandler returns a handler for the ban-notice subject. Every
// socket instance subscribes so that an escalation processed anywhere
// reaches the banned user's live connections everywhere. The notice carries
// the full ban state, so no store read is needed.
func BanNoticeHandler(notify func(userID string, st moderation.State)) func(data []byte) {
	return func(data []byte) {
		var n BanNotice
		if err := json.Unmarshal(data, &n); err != nil {
			log.Printf("report: malformed ban notice: %v", err)
			return
		}
		if n.UserID == "" {
			log.Printf("report: ban notice missing user id")
			return
		}
		notify(n.UserID, moderation.State{
			UserID:       n.UserID,
			BanLevel:     n.Level,
			BanPermanent: n.Permanent,
			BanExpiresAt: n.ExpiresAt,
			BanReason:    n.Reason,
		})
	}
}

type reportStore interface {
	Create(ctx context.Context, r *Report) (bool, error)
	CountPending(ctx context.Context, thoughtID string) (int, error)
	MarkActioned(ctx context.Context, thoughtID string) error
}

type thoughtSource interface {
	Get(ctx context.Context, id string) (*thought.Thought, error)
	Flag(ctx context.Context, id string) error
}

type escalator interface {
	Escalate(ctx context.Context, userID, reason string, now time.Time) (moderation.State, bool, error)
}

// Intake consumes reports from NATS and escalates the author's posting ban
// once enough distinct users have reported the same thought.
type Intake struct {
	reports   reportStore
	thoughts  thoughtSource
	users     escalator
	threshold int
	notify    func(userID string, st moderation.State) // push to live connections
	publish   func(data []byte) error                  // ban notice fan-out
	now       func() time.Time
}

// NewIntake wires an Intake. notify and publish may be nil when the caller
// has no live connections or no broker.
func NewIntake(reports reportStore, thoughts thoughtSource, users escalator, threshold int,
	notify func(userID string, st moderation.State), publish func(data []byte) error) *Intake {
	return &Intake{
		reports:   reports,
		thoughts:  thoughts,
		users:     users,
		threshold: threshold,
		notify:    notify,
		publish:   publish,
		now:       time.Now,
	}
}

// Handle processes one raw report message. It is safe to call concurrently
// and never panics on malformed input; failures are logged and the message
// dropped, matching at-most-once intake semantics.
func (in *Intake) Handle(data []byte) {
	var msg IncomingReport
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("report: malformed intake payload: %v", err)
		return
	}
	if msg.ThoughtID == "" || msg.ReporterID == "" {
		log.Printf("report: intake payload missing ids")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := in.process(ctx, msg); err != nil {
		log.Printf("report: intake thought=%s: %v", msg.ThoughtID, err)
	}
}

func (in *Intake) process(ctx context.Context, msg IncomingReport) error {
	inserted, err := in.reports.Create(ctx, &Report{
		ThoughtID:  msg.ThoughtID,
		ReporterID: msg.ReporterID,
		Reason:     msg.Reason,
	})
	if err != nil {
		return err
	}
	if !inserted {
		// Duplicate report from the same user, nothing new to count.
		return nil
	}

	pending, err := in.reports.CountPending(ctx, msg.ThoughtID)
	if err != nil {
		return err
	}
	if pending < in.threshold {
		return nil
	}

	th, err := in.thoughts.Get(ctx, msg.ThoughtID)
	if err != nil {
		// The thought may have been deleted since the report was filed.
		// Clear the pending reports so they stop counting.
		_ = in.reports.MarkActioned(ctx, msg.ThoughtID)
		return fmt.Errorf("load reported thought: %w", err)
	}

	st, escalated, err := in.users.Escalate(ctx, th.AuthorID, "community reports", in.now())
	if err != nil {
		return fmt.Errorf("escalate author %s: %w", th.AuthorID, err)
	}

	// Clear the reports either way: an exempt or already-banned author
	// should not be re-escalated by the same batch.
	if err := in.reports.MarkActioned(ctx, msg.ThoughtID); err != nil {
		log.Printf("report: mark actioned thought=%s: %v", msg.ThoughtID, err)
	}

	if !escalated {
		return nil
	}

	if err := in.thoughts.Flag(ctx, msg.ThoughtID); err != nil {
		log.Printf("report: flag thought=%s: %v", msg.ThoughtID, err)
	}

	metrics.BanEscalations.WithLabelValues(strconv.Itoa(st.BanLevel)).Inc()
	log.Printf("report: escalated user=%s to level=%d (thought=%s, reports=%d)",
		th.AuthorID, st.BanLevel, msg.ThoughtID, pending)

	if in.publish != nil {
		notice, err := json.Marshal(BanNotice{
			UserID:    st.UserID,
			Level:     st.BanLevel,
			Permanent: st.BanPermanent,
			ExpiresAt: st.BanExpiresAt,
			Reason:    st.BanReason,
		})
		if err == nil {
			if err := in.publish(notice); err != nil {
				log.Printf("report: publish ban notice user=%s: %v", st.UserID, err)
			}
		}
	}

	if in.notify != nil {
		in.notify(st.UserID, st)
	}
	return nil
}
