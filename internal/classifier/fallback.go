package classifier

import (
	"regexp"
	"strings"
)

// Fallback thresholds. The minimum length mirrors the policy engine's
// short-content floor so the two paths agree on what "low effort" means.
const (
	fallbackMinChars  = 15
	fallbackMinTokens = 3
)

// toxicPattern matches the fixed toxic-language vocabulary. Compiled once
// at package init and reused for every call, safe for concurrent use.
var toxicPattern = regexp.MustCompile(`(?i)\b(hate|kill|stupid|idiot|loser|worthless|ugly|dumb|pathetic|trash|kys|die)\b`)

// academicKeywords marks content about coursework and study.
var academicKeywords = []string{
	"exam", "study", "studying", "assignment", "homework", "lecture",
	"class", "course", "grade", "gpa", "semester", "quiz", "test",
	"professor", "degree", "thesis", "revision", "syllabus", "notes",
}

// reflectiveKeywords marks emotionally reflective or support-seeking content.
var reflectiveKeywords = []string{
	"feel", "feeling", "felt", "stress", "stressed", "anxious", "anxiety",
	"lonely", "overwhelmed", "grateful", "happy", "sad", "tired", "sleep",
	"mood", "worried", "hope", "hopeless", "friend", "family", "miss",
	"proud", "calm", "peace", "struggle", "struggling",
}

// fallbackClassify is the deterministic rule-based classifier used whenever
// the model path is unavailable or returns garbage. Rules apply in fixed order:
// toxicity, low-effort, academic keywords, reflective keywords, then a
// reflective default.
func fallbackClassify(text string) Result {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if toxicPattern.MatchString(lower) {
		return Result{
			Category:  CategoryRejected,
			IsToxic:   true,
			Score:     0.2,
			Rationale: "matched toxic language pattern",
		}
	}

	if len([]rune(trimmed)) < fallbackMinChars || len(strings.Fields(trimmed)) < fallbackMinTokens {
		return Result{
			Category:  CategoryRejected,
			Score:     0.2,
			Rationale: "too low-effort",
		}
	}

	if containsAny(lower, academicKeywords) {
		return Result{
			Category:  CategoryAcademic,
			Tags:      sanitizeTags([]string{"study"}),
			Score:     0.85,
			Rationale: "matched academic keyword",
		}
	}

	if containsAny(lower, reflectiveKeywords) {
		return Result{
			Category:  CategoryReflective,
			Tags:      sanitizeTags([]string{"reflection"}),
			Score:     0.85,
			Rationale: "matched reflective keyword",
		}
	}

	return Result{
		Category:  CategoryReflective,
		Score:     0.5,
		Rationale: "no keyword match, defaulting to reflective",
	}
}

// containsAny reports whether lower contains any of the given keywords as a
// whole word. A plain substring check would flag "class" inside
// "classifieds", so tokens are compared after trimming punctuation.
func containsAny(lower string, keywords []string) bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, f := range fields {
		for _, k := range keywords {
			if f == k {
				return true
			}
		}
	}
	return false
}
