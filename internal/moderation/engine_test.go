package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mehfil/wellness-portal/internal/classifier"
)

// fakeClassifier returns a canned result and counts invocations.
type fakeClassifier struct {
	result classifier.Result
	calls  int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) classifier.Result {
	f.calls++
	return f.result
}

// fakeStrikes counts strikes in memory the way the store does, flipping
// the shadow-ban flag at the threshold and never clearing it.
type fakeStrikes struct {
	threshold    int
	strikes      map[string]int
	shadowBanned map[string]bool
	err          error
	calls        int
}

func newFakeStrikes(threshold int) *fakeStrikes {
	return &fakeStrikes{
		threshold:    threshold,
		strikes:      make(map[string]int),
		shadowBanned: make(map[string]bool),
	}
}

func (f *fakeStrikes) AddStrike(_ context.Context, userID string) (int, bool, error) {
	f.calls++
	if f.err != nil {
		return 0, false, f.err
	}
	f.strikes[userID]++
	if f.strikes[userID] >= f.threshold {
		f.shadowBanned[userID] = true
	}
	return f.strikes[userID], f.shadowBanned[userID], nil
}

func newTestEngine(t *testing.T, fc *fakeClassifier, fs *fakeStrikes) *Engine {
	t.Helper()
	e := NewEngine(fc, fs, DefaultConfig())
	e.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return e
}

const validContent = "thinking about how the semester is going so far"

func TestEvaluate_BannedShortCircuits(t *testing.T) {
	fc := &fakeClassifier{}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	until := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	author := State{UserID: "u1", BanLevel: 1, BanExpiresAt: &until}

	d := e.EvaluateSubmission(context.Background(), author, validContent, "")
	if d.Outcome != OutcomeBanned {
		t.Fatalf("Outcome = %v, want OutcomeBanned", d.Outcome)
	}
	if d.Message != MsgBanned {
		t.Errorf("Message = %q, want the fixed ban message", d.Message)
	}
	if fc.calls != 0 {
		t.Errorf("classifier called %d times for a banned author, want 0", fc.calls)
	}
	if fs.calls != 0 {
		t.Errorf("strike recorded for a banned author")
	}
}

func TestEvaluate_ExpiredBanHealsLazily(t *testing.T) {
	fc := &fakeClassifier{result: classifier.Result{Category: classifier.CategoryReflective, Score: 0.8}}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	until := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC) // already past
	author := State{UserID: "u1", BanLevel: 1, BanExpiresAt: &until}

	d := e.EvaluateSubmission(context.Background(), author, validContent, "")
	if d.Outcome != OutcomeAccepted {
		t.Fatalf("Outcome = %v, want OutcomeAccepted after ban expiry", d.Outcome)
	}
}

func TestEvaluate_ShadowBanSilentEcho(t *testing.T) {
	fc := &fakeClassifier{}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	author := State{UserID: "u1", ShadowBanned: true}

	d := e.EvaluateSubmission(context.Background(), author, validContent, classifier.CategoryAcademic)
	if d.Outcome != OutcomeSilentEcho {
		t.Fatalf("Outcome = %v, want OutcomeSilentEcho", d.Outcome)
	}
	if d.Category != classifier.CategoryAcademic {
		t.Errorf("Category = %q, want the requested room for the echo", d.Category)
	}
	if d.Message != MsgAccepted {
		t.Errorf("Message = %q, want the success message (deception is the point)", d.Message)
	}
	if fc.calls != 0 {
		t.Errorf("classifier called %d times on the silent path, want 0", fc.calls)
	}
	if fs.calls != 0 {
		t.Errorf("strike recorded on the silent path")
	}
}

func TestEvaluate_ShadowBannedButExemptGoesThrough(t *testing.T) {
	fc := &fakeClassifier{result: classifier.Result{Category: classifier.CategoryReflective, Score: 0.8}}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	author := State{UserID: "u1", ShadowBanned: true, Exempt: true}

	d := e.EvaluateSubmission(context.Background(), author, validContent, "")
	if d.Outcome != OutcomeAccepted {
		t.Fatalf("Outcome = %v, want OutcomeAccepted for exempt author", d.Outcome)
	}
	if fc.calls != 1 {
		t.Errorf("classifier calls = %d, want 1", fc.calls)
	}
}

func TestEvaluate_ShortContentRejectedWithoutClassifier(t *testing.T) {
	fc := &fakeClassifier{}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, "   too short   ", "")
	if d.Outcome != OutcomeRejected {
		t.Fatalf("Outcome = %v, want OutcomeRejected", d.Outcome)
	}
	if fc.calls != 0 {
		t.Errorf("classifier called %d times for short content, want 0", fc.calls)
	}
	if fs.calls != 1 {
		t.Errorf("strike calls = %d, want 1", fs.calls)
	}
	if d.StrikesRemaining != 1 {
		t.Errorf("StrikesRemaining = %d, want 1", d.StrikesRemaining)
	}
	if d.Message != MsgRejected {
		t.Errorf("Message = %q, want the generic guidelines message", d.Message)
	}
}

func TestEvaluate_OverLengthIsValidationNotModeration(t *testing.T) {
	fc := &fakeClassifier{}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	long := strings.Repeat("a", 5001)
	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, long, "")
	if d.Outcome != OutcomeInvalid {
		t.Fatalf("Outcome = %v, want OutcomeInvalid", d.Outcome)
	}
	if fc.calls != 0 {
		t.Errorf("classifier called for over-length content")
	}
	if fs.calls != 0 {
		t.Errorf("over-length content must never count as a strike")
	}
}

func TestEvaluate_BoundaryLengths(t *testing.T) {
	fc := &fakeClassifier{result: classifier.Result{Category: classifier.CategoryReflective, Score: 0.8}}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	// Exactly 15 characters passes the floor.
	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, strings.Repeat("b", 15), "")
	if d.Outcome != OutcomeAccepted {
		t.Errorf("15 chars: Outcome = %v, want accepted", d.Outcome)
	}

	// Exactly 5000 passes the ceiling.
	d = e.EvaluateSubmission(context.Background(), State{UserID: "u2"}, strings.Repeat("b", 5000), "")
	if d.Outcome != OutcomeAccepted {
		t.Errorf("5000 chars: Outcome = %v, want accepted", d.Outcome)
	}
}

func TestEvaluate_ToxicClassificationRejects(t *testing.T) {
	fc := &fakeClassifier{result: classifier.Result{
		Category: classifier.CategoryReflective, IsToxic: true, Score: 0.3,
	}}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, validContent, "")
	if d.Outcome != OutcomeRejected {
		t.Fatalf("Outcome = %v, want OutcomeRejected for toxic content", d.Outcome)
	}
	if fs.calls != 1 {
		t.Errorf("strike calls = %d, want 1", fs.calls)
	}
}

func TestEvaluate_ExemptRejectedWithoutStrike(t *testing.T) {
	fc := &fakeClassifier{result: classifier.Result{Category: classifier.CategoryRejected, Score: 0.2}}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1", Exempt: true}, validContent, "")
	if d.Outcome != OutcomeRejected {
		t.Fatalf("Outcome = %v, want OutcomeRejected (exempt still gets rejected)", d.Outcome)
	}
	if fs.calls != 0 {
		t.Errorf("strike recorded for exempt author")
	}
}

func TestEvaluate_AcceptedAndRerouted(t *testing.T) {
	fc := &fakeClassifier{result: classifier.Result{Category: classifier.CategoryAcademic, Score: 0.9}}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	// Author posted into REFLECTIVE; the classifier always wins.
	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, validContent, classifier.CategoryReflective)
	if d.Outcome != OutcomeAccepted {
		t.Fatalf("Outcome = %v, want OutcomeAccepted", d.Outcome)
	}
	if d.Category != classifier.CategoryAcademic {
		t.Errorf("Category = %q, want ACADEMIC", d.Category)
	}
	if !d.Rerouted {
		t.Error("Rerouted = false, want true when requested != final category")
	}

	// Matching room: no reroute.
	d = e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, validContent, classifier.CategoryAcademic)
	if d.Rerouted {
		t.Error("Rerouted = true for matching room")
	}

	// No room preference (ALL view): no reroute.
	d = e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, validContent, "")
	if d.Rerouted {
		t.Error("Rerouted = true with no requested room")
	}
}

func TestEvaluate_StrikesAccumulateToShadowBan(t *testing.T) {
	fc := &fakeClassifier{result: classifier.Result{Category: classifier.CategoryRejected, Score: 0.2}}
	fs := newFakeStrikes(2)
	e := newTestEngine(t, fc, fs)

	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, validContent, "")
	if d.StrikesRemaining != 1 {
		t.Errorf("after first strike StrikesRemaining = %d, want 1", d.StrikesRemaining)
	}

	d = e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, validContent, "")
	if d.StrikesRemaining != 0 {
		t.Errorf("after second strike StrikesRemaining = %d, want 0", d.StrikesRemaining)
	}
	if !fs.shadowBanned["u1"] {
		t.Error("shadow ban not set at threshold")
	}

	// A later accepted submission does not clear the flag; the engine sees
	// it on the author state for the next call.
	author := State{UserID: "u1", ShadowBanned: true}
	fc.result = classifier.Result{Category: classifier.CategoryReflective, Score: 0.8}
	d = e.EvaluateSubmission(context.Background(), author, validContent, "")
	if d.Outcome != OutcomeSilentEcho {
		t.Errorf("Outcome = %v, want silent echo once shadow-banned", d.Outcome)
	}
}

func TestEvaluate_StrikeStoreFailureStillRejects(t *testing.T) {
	fc := &fakeClassifier{}
	fs := newFakeStrikes(2)
	fs.err = errors.New("store down")
	e := newTestEngine(t, fc, fs)

	d := e.EvaluateSubmission(context.Background(), State{UserID: "u1"}, "short stuff", "")
	if d.Outcome != OutcomeRejected {
		t.Fatalf("Outcome = %v, want OutcomeRejected despite strike store failure", d.Outcome)
	}
	if d.StrikesRemaining != 0 {
		t.Errorf("StrikesRemaining = %d, want 0 when the counter is unknown", d.StrikesRemaining)
	}
}
