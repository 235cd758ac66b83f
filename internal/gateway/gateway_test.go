package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mehfil/wellness-portal/internal/classifier"
	"github.com/mehfil/wellness-portal/internal/moderation"
	"github.com/mehfil/wellness-portal/internal/protocol"
	"github.com/mehfil/wellness-portal/internal/ratelimit"
	"github.com/mehfil/wellness-portal/internal/thought"
)

// fakeSender records every message delivered to each connection, decoded
// back into generic maps for assertions.
type fakeSender struct {
	sent map[string][]map[string]interface{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]map[string]interface{})}
}

func (f *fakeSender) SendMessage(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.sent[connID] = append(f.sent[connID], m)
	return nil
}

func (f *fakeSender) typesFor(connID string) []string {
	out := make([]string, 0, len(f.sent[connID]))
	for _, m := range f.sent[connID] {
		out = append(out, m["type"].(string))
	}
	return out
}

func (f *fakeSender) lastOfType(connID, msgType string) map[string]interface{} {
	msgs := f.sent[connID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["type"] == msgType {
			return msgs[i]
		}
	}
	return nil
}

func (f *fakeSender) countOfType(connID, msgType string) int {
	n := 0
	for _, m := range f.sent[connID] {
		if m["type"] == msgType {
			n++
		}
	}
	return n
}

// memThoughts is an in-memory ThoughtStore.
type memThoughts struct {
	byID      map[string]*thought.Thought
	reactions map[string]map[string]struct{}
	inserts   int
}

func newMemThoughts() *memThoughts {
	return &memThoughts{
		byID:      make(map[string]*thought.Thought),
		reactions: make(map[string]map[string]struct{}),
	}
}

func (m *memThoughts) Insert(_ context.Context, t *thought.Thought) error {
	m.inserts++
	cp := *t
	m.byID[t.ID] = &cp
	return nil
}

func (m *memThoughts) Get(_ context.Context, id string) (*thought.Thought, error) {
	t, ok := m.byID[id]
	if !ok {
		return nil, thought.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memThoughts) List(_ context.Context, q thought.ListQuery) ([]thought.ListItem, bool, error) {
	now := time.Now()
	var items []thought.ListItem
	for _, t := range m.byID {
		if !t.Visible(now) {
			continue
		}
		if q.Room != "" && t.Category != q.Room {
			continue
		}
		_, reacted := m.reactions[t.ID][q.ViewerID]
		items = append(items, thought.ListItem{Thought: *t, HasReacted: reacted})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Thought.CreatedAt.After(items[j].Thought.CreatedAt)
	})
	return items, false, nil
}

func (m *memThoughts) UpdateContent(_ context.Context, id, authorID, content string, editedAt time.Time) (*thought.Thought, error) {
	t, ok := m.byID[id]
	if !ok {
		return nil, thought.ErrNotFound
	}
	if t.AuthorID != authorID {
		return nil, thought.ErrNotAuthorized
	}
	t.Content = content
	t.EditedAt = &editedAt
	cp := *t
	return &cp, nil
}

func (m *memThoughts) Delete(_ context.Context, id, authorID string) error {
	t, ok := m.byID[id]
	if !ok {
		return thought.ErrNotFound
	}
	if t.AuthorID != authorID {
		return thought.ErrNotAuthorized
	}
	delete(m.byID, id)
	return nil
}

func (m *memThoughts) ToggleReaction(_ context.Context, userID, thoughtID string) (int, bool, error) {
	t, ok := m.byID[thoughtID]
	if !ok {
		return 0, false, thought.ErrNotFound
	}
	set, ok := m.reactions[thoughtID]
	if !ok {
		set = make(map[string]struct{})
		m.reactions[thoughtID] = set
	}
	if _, on := set[userID]; on {
		delete(set, userID)
		t.RelatableCount--
	} else {
		set[userID] = struct{}{}
		t.RelatableCount++
	}
	_, reacted := set[userID]
	return t.RelatableCount, reacted, nil
}

// memUsers is an in-memory UserStore that doubles as the strike recorder so
// shadow bans show up on the next read.
type memUsers struct {
	states    map[string]*moderation.State
	threshold int
}

func newMemUsers() *memUsers {
	return &memUsers{states: make(map[string]*moderation.State), threshold: 2}
}

func (m *memUsers) Ensure(_ context.Context, userID, _, _ string) error {
	if _, ok := m.states[userID]; !ok {
		m.states[userID] = &moderation.State{UserID: userID}
	}
	return nil
}

func (m *memUsers) Get(_ context.Context, userID string) (moderation.State, error) {
	if st, ok := m.states[userID]; ok {
		return *st, nil
	}
	return moderation.State{UserID: userID}, nil
}

func (m *memUsers) AddStrike(_ context.Context, userID string) (int, bool, error) {
	st, ok := m.states[userID]
	if !ok {
		return 0, false, nil
	}
	st.Strikes++
	if st.Strikes >= m.threshold {
		st.ShadowBanned = true
	}
	return st.Strikes, st.ShadowBanned, nil
}

// stubClassifier classifies by keyword: hate is toxic, exam is academic,
// everything else reflective.
type stubClassifier struct{}

func (stubClassifier) Classify(_ context.Context, text string) classifier.Result {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "hate"):
		return classifier.Result{Category: classifier.CategoryRejected, IsToxic: true, Score: 0.1}
	case strings.Contains(lower, "exam"):
		return classifier.Result{Category: classifier.CategoryAcademic, Score: 0.9, Tags: []string{"#exams"}}
	default:
		return classifier.Result{Category: classifier.CategoryReflective, Score: 0.8}
	}
}

type fixture struct {
	g        *Gateway
	sender   *fakeSender
	thoughts *memThoughts
	users    *memUsers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		sender:   newFakeSender(),
		thoughts: newMemThoughts(),
		users:    newMemUsers(),
	}
	engine := moderation.NewEngine(stubClassifier{}, fx.users, moderation.DefaultConfig())
	fx.g = New(fx.sender, fx.thoughts, fx.users, engine, nil)
	return fx
}

func (fx *fixture) register(connID, userID string) {
	fx.g.HandleRegister(connID, protocol.RegisterMsg{ID: userID, Name: "Name " + userID})
}

func (fx *fixture) submit(connID, content, room string) {
	fx.g.HandleNewThought(connID, protocol.NewThoughtMsg{Content: content, Room: room})
}

const reflectiveContent = "been feeling a bit overwhelmed lately honestly"
const academicContent = "does anyone have notes for the final exam next week"

func TestRegisterSendsOnlineCount(t *testing.T) {
	fx := newFixture(t)

	fx.register("c1", "u1")

	count := fx.sender.lastOfType("c1", protocol.TypeOnlineCount)
	if count == nil || count["count"].(float64) != 1 {
		t.Fatalf("onlineCount = %v, want 1", count)
	}

	// A second user's register refreshes the count for both.
	fx.register("c2", "u2")
	if got := fx.sender.lastOfType("c1", protocol.TypeOnlineCount)["count"].(float64); got != 2 {
		t.Errorf("onlineCount at c1 = %v after second register, want 2", got)
	}
}

func TestRegisterPushesBanStatusOnlyWhenBanned(t *testing.T) {
	fx := newFixture(t)

	fx.register("c1", "u1")
	if got := fx.sender.countOfType("c1", protocol.TypePostingBanStatus); got != 0 {
		t.Errorf("clean user got %d postingBanStatus on register, want 0", got)
	}

	until := time.Now().Add(24 * time.Hour)
	fx.users.states["u1"].BanLevel = 1
	fx.users.states["u1"].BanExpiresAt = &until

	fx.register("c2", "u1")
	status := fx.sender.lastOfType("c2", protocol.TypePostingBanStatus)
	if status == nil || status["isActive"] != true {
		t.Fatalf("banned user register status = %v, want active", status)
	}
}

func TestRegisterRequiresUserID(t *testing.T) {
	fx := newFixture(t)

	fx.g.HandleRegister("c1", protocol.RegisterMsg{})

	if errMsg := fx.sender.lastOfType("c1", protocol.TypeError); errMsg == nil {
		t.Fatal("no error for register without user id")
	}
}

func TestHandlersRequireRegistration(t *testing.T) {
	fx := newFixture(t)

	fx.submit("c1", reflectiveContent, "ALL")
	fx.g.HandleToggleReaction("c1", protocol.ToggleReactionMsg{ThoughtID: "x"})
	fx.g.HandleLoadThoughts("c1", protocol.LoadThoughtsMsg{})

	if got := fx.sender.countOfType("c1", protocol.TypeError); got != 3 {
		t.Errorf("errors = %d for unregistered calls, want 3", got)
	}
	if fx.thoughts.inserts != 0 {
		t.Error("unregistered submission reached the store")
	}
}

func TestBroadcastRespectsRoomMembership(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")
	fx.register("c3", "u3")
	fx.g.HandleJoinRoom("c1", protocol.JoinRoomMsg{Room: "ACADEMIC"})
	fx.g.HandleJoinRoom("c2", protocol.JoinRoomMsg{Room: "REFLECTIVE"})
	// c3 stays in ALL.

	fx.submit("c1", academicContent, "ACADEMIC")

	if fx.sender.lastOfType("c1", protocol.TypeThoughtAccepted) == nil {
		t.Error("author missing thoughtAccepted")
	}
	if fx.sender.countOfType("c1", protocol.TypeThoughtCreated) != 1 {
		t.Error("author in the matching room missing thoughtCreated")
	}
	if fx.sender.countOfType("c2", protocol.TypeThoughtCreated) != 0 {
		t.Error("reflective-room subscriber received an academic thought")
	}
	if fx.sender.countOfType("c3", protocol.TypeThoughtCreated) != 1 {
		t.Error("ALL subscriber missing thoughtCreated")
	}
}

func TestJoinRoomIsExclusive(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")
	fx.g.HandleJoinRoom("c2", protocol.JoinRoomMsg{Room: "ACADEMIC"})
	fx.g.HandleJoinRoom("c2", protocol.JoinRoomMsg{Room: "REFLECTIVE"})

	fx.submit("c1", academicContent, "ACADEMIC")

	if fx.sender.countOfType("c2", protocol.TypeThoughtCreated) != 0 {
		t.Error("connection that moved rooms still receives the old room's thoughts")
	}
}

func TestReroutedSubmission(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")

	// Posted into REFLECTIVE, classified ACADEMIC.
	fx.submit("c1", academicContent, "REFLECTIVE")

	rerouted := fx.sender.lastOfType("c1", protocol.TypeThoughtRerouted)
	if rerouted == nil {
		t.Fatal("no thoughtRerouted for a mismatched room")
	}
	if rerouted["room"] != "ACADEMIC" {
		t.Errorf("rerouted room = %v, want ACADEMIC", rerouted["room"])
	}
}

func TestRejectionStrikesAndShadowBan(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")

	// First toxic submission: rejected with one strike remaining.
	fx.submit("c1", "I hate everyone in this building so much", "ALL")
	rej := fx.sender.lastOfType("c1", protocol.TypeThoughtRejected)
	if rej == nil {
		t.Fatal("no thoughtRejected for toxic content")
	}
	if rej["strikesRemaining"].(float64) != 1 {
		t.Errorf("strikesRemaining = %v, want 1", rej["strikesRemaining"])
	}
	// The audit row exists but is never broadcast.
	if fx.thoughts.inserts != 1 {
		t.Errorf("inserts = %d after rejection, want 1 audit row", fx.thoughts.inserts)
	}
	if fx.sender.countOfType("c2", protocol.TypeThoughtCreated) != 0 {
		t.Error("rejected thought was broadcast")
	}

	// Second strike crosses the threshold.
	fx.submit("c1", "I hate everyone in this building so much", "ALL")

	// Now shadow-banned: submissions echo back as success to the author only
	// and nothing further is persisted.
	before := fx.thoughts.inserts
	fx.submit("c1", reflectiveContent, "ALL")
	if fx.sender.lastOfType("c1", protocol.TypeThoughtAccepted) == nil {
		t.Error("shadow-banned author missing the fake success ack")
	}
	if fx.sender.countOfType("c1", protocol.TypeThoughtCreated) != 1 {
		t.Error("shadow-banned author missing their own echo")
	}
	if fx.sender.countOfType("c2", protocol.TypeThoughtCreated) != 0 {
		t.Error("shadow-banned thought fanned out")
	}
	if fx.thoughts.inserts != before {
		t.Error("shadow-banned submission was persisted")
	}
}

func TestBannedSubmission(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	until := time.Now().Add(24 * time.Hour)
	fx.users.states["u1"].BanLevel = 1
	fx.users.states["u1"].BanExpiresAt = &until

	fx.submit("c1", reflectiveContent, "ALL")

	status := fx.sender.lastOfType("c1", protocol.TypePostingBanStatus)
	if status == nil || status["isActive"] != true {
		t.Fatalf("banned author got %v, want active postingBanStatus", status)
	}
	if fx.thoughts.inserts != 0 {
		t.Error("banned submission was persisted")
	}
}

func TestAnonymousMaskingPerViewer(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")

	fx.g.HandleNewThought("c1", protocol.NewThoughtMsg{
		Content:     reflectiveContent,
		Room:        "ALL",
		IsAnonymous: true,
	})

	own := fx.sender.lastOfType("c1", protocol.TypeThoughtCreated)["thought"].(map[string]interface{})
	other := fx.sender.lastOfType("c2", protocol.TypeThoughtCreated)["thought"].(map[string]interface{})

	if own["authorId"] != "u1" {
		t.Errorf("author's own view authorId = %v, want u1", own["authorId"])
	}
	if _, leaked := other["authorId"]; leaked {
		t.Error("anonymous author id leaked to another viewer")
	}
	if other["authorName"] != thought.AnonymousName {
		t.Errorf("anonymous authorName = %v, want %q", other["authorName"], thought.AnonymousName)
	}
}

func TestEditAuthorization(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")
	fx.submit("c1", reflectiveContent, "ALL")

	var thoughtID string
	for id := range fx.thoughts.byID {
		thoughtID = id
	}

	fx.g.HandleEditThought("c2", protocol.EditThoughtMsg{
		ThoughtID: thoughtID,
		Content:   "trying to hijack someone else's thought",
	})
	errMsg := fx.sender.lastOfType("c2", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != "not_authorized" {
		t.Fatalf("intruder edit error = %v, want not_authorized", errMsg)
	}

	fx.g.HandleEditThought("c1", protocol.EditThoughtMsg{
		ThoughtID: thoughtID,
		Content:   "actually I am feeling much better now",
	})
	updated := fx.sender.lastOfType("c2", protocol.TypeThoughtUpdated)
	if updated == nil {
		t.Fatal("edit not broadcast")
	}
	th := updated["thought"].(map[string]interface{})
	if th["content"] != "actually I am feeling much better now" {
		t.Errorf("broadcast content = %v", th["content"])
	}
	if th["editedAt"] == nil {
		t.Error("broadcast missing editedAt")
	}
}

func TestDeleteBroadcast(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")
	fx.submit("c1", reflectiveContent, "ALL")

	var thoughtID string
	for id := range fx.thoughts.byID {
		thoughtID = id
	}

	fx.g.HandleDeleteThought("c2", protocol.DeleteThoughtMsg{ThoughtID: thoughtID})
	if errMsg := fx.sender.lastOfType("c2", protocol.TypeError); errMsg == nil || errMsg["code"] != "not_authorized" {
		t.Fatal("intruder delete not refused")
	}

	fx.g.HandleDeleteThought("c1", protocol.DeleteThoughtMsg{ThoughtID: thoughtID})
	deleted := fx.sender.lastOfType("c2", protocol.TypeThoughtDeleted)
	if deleted == nil || deleted["thoughtId"] != thoughtID {
		t.Fatalf("delete broadcast = %v, want thoughtId %s", deleted, thoughtID)
	}
	if len(fx.thoughts.byID) != 0 {
		t.Error("thought still stored after delete")
	}
}

func TestReactionToggleBroadcast(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")
	fx.submit("c1", reflectiveContent, "ALL")

	var thoughtID string
	for id := range fx.thoughts.byID {
		thoughtID = id
	}

	fx.g.HandleToggleReaction("c2", protocol.ToggleReactionMsg{ThoughtID: thoughtID})
	upd := fx.sender.lastOfType("c1", protocol.TypeReactionUpdated)
	if upd == nil {
		t.Fatal("reaction not broadcast")
	}
	if upd["relatableCount"].(float64) != 1 || upd["hasReacted"] != true || upd["userId"] != "u2" {
		t.Errorf("reactionUpdated = %v", upd)
	}
	if got := fx.sender.countOfType("c2", protocol.TypeReactionUpdated); got != 1 {
		t.Errorf("actor already in the room got %d reactionUpdated, want exactly 1", got)
	}

	fx.g.HandleToggleReaction("c2", protocol.ToggleReactionMsg{ThoughtID: thoughtID})
	upd = fx.sender.lastOfType("c1", protocol.TypeReactionUpdated)
	if upd["relatableCount"].(float64) != 0 || upd["hasReacted"] != false {
		t.Errorf("second toggle = %v, want count back to 0", upd)
	}
}

func TestReactionEchoesToActorInAnotherRoom(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")
	fx.submit("c1", reflectiveContent, "REFLECTIVE")

	var thoughtID string
	for id := range fx.thoughts.byID {
		thoughtID = id
	}

	// The actor watches the other room but still reacts, e.g. from a detail
	// view opened before switching.
	fx.g.HandleJoinRoom("c2", protocol.JoinRoomMsg{Room: "ACADEMIC"})
	fx.g.HandleToggleReaction("c2", protocol.ToggleReactionMsg{ThoughtID: thoughtID})

	if got := fx.sender.countOfType("c2", protocol.TypeReactionUpdated); got != 1 {
		t.Errorf("actor outside the room got %d reactionUpdated, want 1 echo", got)
	}
	if fx.sender.countOfType("c1", protocol.TypeReactionUpdated) != 1 {
		t.Error("room subscriber missing reactionUpdated")
	}
}

func TestEditEchoesToAuthorInAnotherRoom(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.submit("c1", reflectiveContent, "REFLECTIVE")

	var thoughtID string
	for id := range fx.thoughts.byID {
		thoughtID = id
	}

	fx.g.HandleJoinRoom("c1", protocol.JoinRoomMsg{Room: "ACADEMIC"})
	fx.g.HandleEditThought("c1", protocol.EditThoughtMsg{
		ThoughtID: thoughtID,
		Content:   "actually I am feeling much better now",
	})
	if got := fx.sender.countOfType("c1", protocol.TypeThoughtUpdated); got != 1 {
		t.Errorf("author outside the room got %d thoughtUpdated, want 1 echo", got)
	}

	fx.g.HandleDeleteThought("c1", protocol.DeleteThoughtMsg{ThoughtID: thoughtID})
	if got := fx.sender.countOfType("c1", protocol.TypeThoughtDeleted); got != 1 {
		t.Errorf("author outside the room got %d thoughtDeleted, want 1 echo", got)
	}
}

func TestLoadThoughtsMarksOwnReactions(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")
	fx.submit("c1", reflectiveContent, "ALL")

	var thoughtID string
	for id := range fx.thoughts.byID {
		thoughtID = id
	}
	fx.g.HandleToggleReaction("c2", protocol.ToggleReactionMsg{ThoughtID: thoughtID})

	fx.g.HandleLoadThoughts("c2", protocol.LoadThoughtsMsg{Room: "ALL", Limit: 10})
	page := fx.sender.lastOfType("c2", protocol.TypeThoughts)
	if page == nil {
		t.Fatal("no thoughts page returned")
	}
	thoughts := page["thoughts"].([]interface{})
	if len(thoughts) != 1 {
		t.Fatalf("page has %d thoughts, want 1", len(thoughts))
	}
	if thoughts[0].(map[string]interface{})["hasReacted"] != true {
		t.Error("viewer's own reaction not marked on the page")
	}
}

func TestDisconnectRefreshesOnlineCount(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u2")

	fx.g.HandleDisconnect("c2")

	if got := fx.sender.lastOfType("c1", protocol.TypeOnlineCount)["count"].(float64); got != 1 {
		t.Errorf("onlineCount = %v after disconnect, want 1", got)
	}

	// Disconnecting a connection that never registered is quiet.
	before := fx.sender.countOfType("c1", protocol.TypeOnlineCount)
	fx.g.HandleDisconnect("ghost")
	if fx.sender.countOfType("c1", protocol.TypeOnlineCount) != before {
		t.Error("unregistered disconnect broadcast an online count")
	}
}

func TestNotifyBanReachesAllTabs(t *testing.T) {
	fx := newFixture(t)
	fx.register("c1", "u1")
	fx.register("c2", "u1") // second tab
	fx.register("c3", "u2")

	until := time.Now().Add(48 * time.Hour)
	fx.g.NotifyBan("u1", moderation.State{
		UserID: "u1", BanLevel: 1, BanExpiresAt: &until,
	})

	for _, conn := range []string{"c1", "c2"} {
		status := fx.sender.lastOfType(conn, protocol.TypePostingBanStatus)
		if status == nil || status["isActive"] != true {
			t.Errorf("conn %s ban push = %v, want active", conn, status)
		}
	}
	if fx.sender.countOfType("c3", protocol.TypePostingBanStatus) != 0 {
		t.Error("ban push leaked past the banned user")
	}
}

// deniedLimiter refuses everything.
type deniedLimiter struct{}

func (deniedLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return false, nil
}

func TestRateLimitedSubmission(t *testing.T) {
	fx := newFixture(t)
	engine := moderation.NewEngine(stubClassifier{}, fx.users, moderation.DefaultConfig())
	fx.g = New(fx.sender, fx.thoughts, fx.users, engine, deniedLimiter{})

	fx.register("c1", "u1")
	fx.submit("c1", reflectiveContent, "ALL")

	limited := fx.sender.lastOfType("c1", protocol.TypeRateLimited)
	if limited == nil {
		t.Fatal("no rateLimited message")
	}
	if limited["retryAfter"].(float64) <= 0 {
		t.Errorf("retryAfter = %v, want positive", limited["retryAfter"])
	}
	if fx.thoughts.inserts != 0 {
		t.Error("rate-limited submission reached the store")
	}
}
