// Package classifier categorizes submitted thought content into one of the
// Mehfil rooms or rejects it. The primary path delegates to an external
// language-model completion endpoint; every failure on that path falls
// through to a deterministic heuristic so classification never blocks
// posting.
package classifier

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/mehfil/wellness-portal/internal/metrics"
)

// Category is the closed three-value classification of a thought. Raw
// strings from the model or the store are normalized into this enum at the
// boundary; nothing deeper in the pipeline branches on raw strings.
type Category string

const (
	CategoryAcademic   Category = "ACADEMIC"
	CategoryReflective Category = "REFLECTIVE"
	CategoryRejected   Category = "REJECTED"
)

// categoryAliases folds historical spellings into the closed enum.
var categoryAliases = map[string]Category{
	"academic":   CategoryAcademic,
	"academics":  CategoryAcademic,
	"study":      CategoryAcademic,
	"studies":    CategoryAcademic,
	"education":  CategoryAcademic,
	"reflective": CategoryReflective,
	"reflection": CategoryReflective,
	"emotional":  CategoryReflective,
	"support":    CategoryReflective,
	"vent":       CategoryReflective,
	"venting":    CategoryReflective,
	"rejected":   CategoryRejected,
	"reject":     CategoryRejected,
	"spam":       CategoryRejected,
	"toxic":      CategoryRejected,
	"low_effort": CategoryRejected,
	"low-effort": CategoryRejected,
}

// NormalizeCategory maps a raw category string (from the model, the store,
// or a client) into the closed enum. The second return value is false when
// the string matches nothing known.
func NormalizeCategory(raw string) (Category, bool) {
	c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(raw))]
	return c, ok
}

// Result is the classifier contract: a category, a toxicity flag, up to
// five sanitized tags, a confidence score in [0,1], and a short rationale.
// The rationale is stored for audit but never shown to a rejected author.
type Result struct {
	Category  Category
	IsToxic   bool
	Tags      []string
	Score     float64
	Rationale string
}

// Classifier runs the model-first, fallback-always classification flow.
type Classifier struct {
	model *ModelClient // nil when no model endpoint is configured
}

// New creates a Classifier. A nil model means every call takes the
// deterministic fallback path.
func New(model *ModelClient) *Classifier {
	return &Classifier{model: model}
}

// Classify categorizes trimmed thought text. It never returns an error:
// model unavailability, timeouts, and malformed responses all resolve to
// the fallback result. The context bounds the model call only.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	if c.model != nil {
		res, err := c.model.Classify(ctx, text)
		if err == nil {
			metrics.ClassifierCalls.WithLabelValues("model").Inc()
			return res
		}
		log.Printf("classifier: model path failed, using fallback: %v", err)
	}
	metrics.ClassifierCalls.WithLabelValues("fallback").Inc()
	return fallbackClassify(text)
}

// tagMarker is prepended to every sanitized tag.
const tagMarker = "#"

// maxTags caps the number of suggested tags kept per thought.
const maxTags = 5

var tagSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// sanitizeTags strips tags to alphanumeric/hyphen/underscore, removes
// duplicates, caps the list at maxTags, and ensures each begins with the
// marker character.
func sanitizeTags(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, maxTags)

	for _, t := range raw {
		clean := tagSanitizer.ReplaceAllString(strings.TrimPrefix(strings.TrimSpace(t), tagMarker), "")
		if clean == "" {
			continue
		}
		clean = tagMarker + strings.ToLower(clean)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

// clampScore forces a confidence score into [0,1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
