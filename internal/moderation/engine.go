package moderation

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mehfil/wellness-portal/internal/classifier"
	"github.com/mehfil/wellness-portal/internal/metrics"
)

// User-facing messages. The specific classifier rationale is stored for
// audit but never shown to a rejected author, so the classifier cannot be
// probed through rejection notices.
const (
	MsgBanned   = "You are currently banned from posting."
	MsgRejected = "Your thought doesn't meet community guidelines."
	MsgAccepted = "Your thought has been shared."
	MsgTooLong  = "Thoughts are limited to 5000 characters."
)

// Outcome is the policy engine's verdict for one submission.
type Outcome int

const (
	// OutcomeAccepted publishes the thought to its classified room.
	OutcomeAccepted Outcome = iota
	// OutcomeRejected is a moderation rejection: audited, struck, not served.
	OutcomeRejected
	// OutcomeSilentEcho is the shadow-ban path: fake success echoed only to
	// the submitting connection, with no persistence and no fan-out.
	OutcomeSilentEcho
	// OutcomeBanned short-circuits everything for actively banned authors.
	OutcomeBanned
	// OutcomeInvalid is a client contract violation (over-length content),
	// distinct from a moderation rejection and never counted as a strike.
	OutcomeInvalid
)

// Decision carries the verdict and everything the gateway needs to act on
// it: the final category, whether the thought moved rooms, the user-facing
// message, and the raw classification for audit persistence.
type Decision struct {
	Outcome          Outcome
	Category         classifier.Category
	Rerouted         bool
	Message          string
	StrikesRemaining int
	Classification   classifier.Result
}

// ContentClassifier is the classification dependency. The implementation
// never fails; a degraded model path resolves to the heuristic fallback.
type ContentClassifier interface {
	Classify(ctx context.Context, text string) classifier.Result
}

// StrikeRecorder persists strike accumulation. It returns the new strike
// count and whether the author is now shadow-banned.
type StrikeRecorder interface {
	AddStrike(ctx context.Context, userID string) (int, bool, error)
}

// Engine applies the submission policy.
type Engine struct {
	classifier ContentClassifier
	strikes    StrikeRecorder
	cfg        Config
	now        func() time.Time
}

// NewEngine creates an Engine with the given dependencies.
func NewEngine(cc ContentClassifier, strikes StrikeRecorder, cfg Config) *Engine {
	return &Engine{
		classifier: cc,
		strikes:    strikes,
		cfg:        cfg,
		now:        time.Now,
	}
}

// EvaluateSubmission runs the full submission decision for one thought.
// The content is trimmed before any length check. Requested is the room
// the author posted into (empty or ALL means no preference); the final
// category always comes from the classifier, never from the client.
//
// Decision order: active ban, shadow-ban echo, short-content reject (no
// classifier call), over-length validation error, classification, then
// accept-and-route.
func (e *Engine) EvaluateSubmission(ctx context.Context, author State, content string, requested classifier.Category) Decision {
	now := e.now()
	trimmed := strings.TrimSpace(content)

	// A ban is already the maximum sanction: no classification, no strike.
	if author.BanActive(now) {
		return Decision{Outcome: OutcomeBanned, Message: MsgBanned}
	}

	// Shadow-banned authors get fake success echoed back to their own
	// connection only. The requested room stands in for a category so the
	// echo renders; nothing is classified or persisted.
	if author.ShadowBanned && !author.Exempt {
		category := requested
		if category == "" {
			category = classifier.CategoryReflective
		}
		return Decision{
			Outcome:  OutcomeSilentEcho,
			Category: category,
			Message:  MsgAccepted,
		}
	}

	if utf8.RuneCountInString(trimmed) < e.cfg.MinContentChars {
		return e.reject(ctx, author, classifier.Result{
			Category:  classifier.CategoryRejected,
			Score:     0.2,
			Rationale: "too low-effort",
		})
	}

	if utf8.RuneCountInString(trimmed) > e.cfg.MaxContentChars {
		return Decision{Outcome: OutcomeInvalid, Message: MsgTooLong}
	}

	start := now
	result := e.classifier.Classify(ctx, trimmed)
	metrics.ClassifierLatency.Observe(time.Since(start).Seconds())

	if result.Category == classifier.CategoryRejected || result.IsToxic {
		return e.reject(ctx, author, result)
	}

	return Decision{
		Outcome:        OutcomeAccepted,
		Category:       result.Category,
		Rerouted:       requested != "" && requested != result.Category,
		Message:        MsgAccepted,
		Classification: result,
	}
}

// reject builds a moderation rejection and applies strike accumulation for
// non-exempt authors. Exempt authors are still rejected; their counter is
// never touched. A strike-store failure does not rescue the submission —
// the rejection stands and the error is logged.
func (e *Engine) reject(ctx context.Context, author State, result classifier.Result) Decision {
	d := Decision{
		Outcome:        OutcomeRejected,
		Message:        MsgRejected,
		Classification: result,
	}

	if author.Exempt {
		return d
	}

	strikes, shadowBanned, err := e.strikes.AddStrike(ctx, author.UserID)
	if err != nil {
		log.Printf("moderation: add strike for user=%s failed: %v", author.UserID, err)
		return d
	}

	if remaining := e.cfg.ShadowBanThreshold - strikes; remaining > 0 {
		d.StrikesRemaining = remaining
	}
	_ = shadowBanned // the flag is durable; the next submission reads it
	return d
}
