// Package gateway is the application layer behind the socket: it owns the
// register/join/load/submit/react/edit/delete handlers, the connection and
// room bookkeeping, and the fan-out of feed events to subscribed clients.
package gateway

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mehfil/wellness-portal/internal/classifier"
	"github.com/mehfil/wellness-portal/internal/metrics"
	"github.com/mehfil/wellness-portal/internal/moderation"
	"github.com/mehfil/wellness-portal/internal/protocol"
	"github.com/mehfil/wellness-portal/internal/ratelimit"
	"github.com/mehfil/wellness-portal/internal/registry"
	"github.com/mehfil/wellness-portal/internal/rooms"
	"github.com/mehfil/wellness-portal/internal/thought"
	"github.com/mehfil/wellness-portal/internal/ws"
)

const handlerTimeout = 5 * time.Second

// Sender delivers an encoded server message to one connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// ThoughtStore is the persistence surface the gateway needs for thoughts.
type ThoughtStore interface {
	Insert(ctx context.Context, t *thought.Thought) error
	Get(ctx context.Context, id string) (*thought.Thought, error)
	List(ctx context.Context, q thought.ListQuery) ([]thought.ListItem, bool, error)
	UpdateContent(ctx context.Context, id, authorID, content string, editedAt time.Time) (*thought.Thought, error)
	Delete(ctx context.Context, id, authorID string) error
	ToggleReaction(ctx context.Context, userID, thoughtID string) (int, bool, error)
}

// UserStore reads and upserts author moderation state.
type UserStore interface {
	Ensure(ctx context.Context, userID, displayName, avatarURL string) error
	Get(ctx context.Context, userID string) (moderation.State, error)
}

// Moderator decides the fate of one submission.
type Moderator interface {
	EvaluateSubmission(ctx context.Context, author moderation.State, content string, requested classifier.Category) moderation.Decision
}

// RateLimiter throttles per-user actions. A nil limiter disables throttling.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Gateway wires the socket dispatcher to the moderation engine and stores.
type Gateway struct {
	sender   Sender
	thoughts ThoughtStore
	users    UserStore
	engine   Moderator
	limiter  RateLimiter
	sessions *registry.Registry
	rooms    *rooms.Router
	now      func() time.Time
}

// New creates a Gateway with fresh connection and room registries.
func New(sender Sender, thoughts ThoughtStore, users UserStore, engine Moderator, limiter RateLimiter) *Gateway {
	return &Gateway{
		sender:   sender,
		thoughts: thoughts,
		users:    users,
		engine:   engine,
		limiter:  limiter,
		sessions: registry.New(),
		rooms:    rooms.NewRouter(),
		now:      time.Now,
	}
}

// Attach registers every client message handler on the dispatcher and hooks
// the server's disconnect callback.
func (g *Gateway) Attach(d *ws.MessageDispatcher, server *ws.Server) {
	d.Register(protocol.TypeRegister, func(conn *ws.Connection, msg interface{}) {
		g.HandleRegister(conn.ID, msg.(protocol.RegisterMsg))
	})
	d.Register(protocol.TypeCheckPostingBan, func(conn *ws.Connection, msg interface{}) {
		g.HandleCheckPostingBan(conn.ID)
	})
	d.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		g.HandleJoinRoom(conn.ID, msg.(protocol.JoinRoomMsg))
	})
	d.Register(protocol.TypeLoadThoughts, func(conn *ws.Connection, msg interface{}) {
		g.HandleLoadThoughts(conn.ID, msg.(protocol.LoadThoughtsMsg))
	})
	d.Register(protocol.TypeNewThought, func(conn *ws.Connection, msg interface{}) {
		g.HandleNewThought(conn.ID, msg.(protocol.NewThoughtMsg))
	})
	d.Register(protocol.TypeToggleReaction, func(conn *ws.Connection, msg interface{}) {
		g.HandleToggleReaction(conn.ID, msg.(protocol.ToggleReactionMsg))
	})
	d.Register(protocol.TypeEditThought, func(conn *ws.Connection, msg interface{}) {
		g.HandleEditThought(conn.ID, msg.(protocol.EditThoughtMsg))
	})
	d.Register(protocol.TypeDeleteThought, func(conn *ws.Connection, msg interface{}) {
		g.HandleDeleteThought(conn.ID, msg.(protocol.DeleteThoughtMsg))
	})

	server.SetOnDisconnect(g.HandleDisconnect)
}

// HandleRegister binds the connection to a user identity, upserts the user
// row, subscribes the connection to the ALL feed, and pushes the posting ban
// status when a ban is currently active.
func (g *Gateway) HandleRegister(connID string, m protocol.RegisterMsg) {
	if m.ID == "" {
		g.sendError(connID, "invalid_register", "user id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := g.users.Ensure(ctx, m.ID, m.Name, m.Avatar); err != nil {
		log.Printf("gateway: ensure user=%s: %v", m.ID, err)
		g.sendError(connID, "store_error", "could not register")
		return
	}

	g.sessions.Register(connID, registry.Session{UserID: m.ID, Name: m.Name, Avatar: m.Avatar})
	g.rooms.Join(connID, rooms.RoomAll)

	st, err := g.users.Get(ctx, m.ID)
	if err != nil {
		log.Printf("gateway: load state user=%s: %v", m.ID, err)
	} else if st.BanActive(g.now()) {
		g.send(connID, protocol.TypePostingBanStatus, g.banStatus(st))
	}

	g.broadcastOnlineCount()
}

// HandleCheckPostingBan re-reads the caller's ban state on demand.
func (g *Gateway) HandleCheckPostingBan(connID string) {
	sess, ok := g.sessions.Session(connID)
	if !ok {
		g.sendError(connID, "not_registered", "register first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	st, err := g.users.Get(ctx, sess.UserID)
	if err != nil {
		log.Printf("gateway: load state user=%s: %v", sess.UserID, err)
		g.sendError(connID, "store_error", "could not check ban status")
		return
	}
	g.send(connID, protocol.TypePostingBanStatus, g.banStatus(st))
}

// HandleJoinRoom switches the connection's feed subscription. Membership is
// exclusive: joining a room leaves the previous one.
func (g *Gateway) HandleJoinRoom(connID string, m protocol.JoinRoomMsg) {
	if _, ok := g.sessions.Session(connID); !ok {
		g.sendError(connID, "not_registered", "register first")
		return
	}
	g.rooms.Join(connID, rooms.ParseRoom(m.Room))
}

// HandleLoadThoughts serves one page of the feed for the requested room,
// newest first, with the caller's own reactions marked.
func (g *Gateway) HandleLoadThoughts(connID string, m protocol.LoadThoughtsMsg) {
	sess, ok := g.sessions.Session(connID)
	if !ok {
		g.sendError(connID, "not_registered", "register first")
		return
	}
	if !g.allow(connID, connID, ratelimit.RuleLoad) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	room := rooms.ParseRoom(m.Room)
	items, hasMore, err := g.thoughts.List(ctx, thought.ListQuery{
		Room:     room.Category(),
		Page:     m.Page,
		Limit:    m.Limit,
		ViewerID: sess.UserID,
	})
	if err != nil {
		log.Printf("gateway: list thoughts conn=%s: %v", connID, err)
		g.sendError(connID, "store_error", "could not load thoughts")
		return
	}

	payloads := make([]protocol.ThoughtPayload, 0, len(items))
	for _, item := range items {
		p := item.Thought.Payload(sess.UserID)
		p.HasReacted = item.HasReacted
		payloads = append(payloads, p)
	}

	g.send(connID, protocol.TypeThoughts, protocol.ThoughtsMsg{
		Thoughts: payloads,
		Room:     string(room),
		Page:     m.Page,
		HasMore:  hasMore,
	})
}

// HandleNewThought runs a submission through the moderation engine and acts
// on the decision: publish, reject, silently echo, or refuse for a ban.
func (g *Gateway) HandleNewThought(connID string, m protocol.NewThoughtMsg) {
	sess, ok := g.sessions.Session(connID)
	if !ok {
		g.sendError(connID, "not_registered", "register first")
		return
	}
	if !g.allow(connID, sess.UserID, ratelimit.RuleThought) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	st, err := g.users.Get(ctx, sess.UserID)
	if err != nil {
		log.Printf("gateway: load state user=%s: %v", sess.UserID, err)
		g.sendError(connID, "store_error", "could not submit thought")
		return
	}

	content := strings.TrimSpace(m.Content)
	requested := rooms.ParseRoom(m.Room).Category()
	decision := g.engine.EvaluateSubmission(ctx, st, content, requested)
	now := g.now()

	switch decision.Outcome {
	case moderation.OutcomeBanned:
		metrics.ThoughtsTotal.WithLabelValues("banned").Inc()
		status := g.banStatus(st)
		status.Message = decision.Message
		g.send(connID, protocol.TypePostingBanStatus, status)

	case moderation.OutcomeInvalid:
		g.sendError(connID, "invalid_content", decision.Message)

	case moderation.OutcomeRejected:
		metrics.ThoughtsTotal.WithLabelValues("rejected").Inc()
		g.auditRejection(ctx, sess, m, decision, now)
		g.send(connID, protocol.TypeThoughtRejected, protocol.ThoughtRejectedMsg{
			Message:          decision.Message,
			StrikesRemaining: decision.StrikesRemaining,
		})

	case moderation.OutcomeSilentEcho:
		metrics.ThoughtsTotal.WithLabelValues("shadow").Inc()
		th := g.buildThought(sess, m, decision, now, nil)
		g.send(connID, protocol.TypeThoughtAccepted, protocol.ThoughtAcceptedMsg{
			Message:  decision.Message,
			Category: string(decision.Category),
		})
		g.send(connID, protocol.TypeThoughtCreated, protocol.ThoughtCreatedMsg{
			Thought: th.Payload(sess.UserID),
		})

	case moderation.OutcomeAccepted:
		var expiresAt *time.Time
		if st.PostTTLMinutes != nil {
			t := now.Add(time.Duration(*st.PostTTLMinutes) * time.Minute)
			expiresAt = &t
		}
		th := g.buildThought(sess, m, decision, now, expiresAt)
		if err := g.thoughts.Insert(ctx, th); err != nil {
			log.Printf("gateway: insert thought user=%s: %v", sess.UserID, err)
			g.sendError(connID, "store_error", "could not save thought")
			return
		}
		metrics.ThoughtsTotal.WithLabelValues("accepted").Inc()

		g.send(connID, protocol.TypeThoughtAccepted, protocol.ThoughtAcceptedMsg{
			Message:  decision.Message,
			Category: string(decision.Category),
		})
		if decision.Rerouted {
			g.send(connID, protocol.TypeThoughtRerouted, protocol.ThoughtReroutedMsg{
				Room:   string(decision.Category),
				Reason: "Your thought fit better in another room.",
			})
		}
		g.broadcastThought(protocol.TypeThoughtCreated, th, connID)
	}
}

// HandleToggleReaction flips the caller's reaction and broadcasts the new
// count to everyone who can see the thought.
func (g *Gateway) HandleToggleReaction(connID string, m protocol.ToggleReactionMsg) {
	sess, ok := g.sessions.Session(connID)
	if !ok {
		g.sendError(connID, "not_registered", "register first")
		return
	}
	if !g.allow(connID, sess.UserID, ratelimit.RuleReaction) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	count, hasReacted, err := g.thoughts.ToggleReaction(ctx, sess.UserID, m.ThoughtID)
	if err != nil {
		if errors.Is(err, thought.ErrNotFound) {
			g.sendError(connID, "not_found", "thought not found")
			return
		}
		log.Printf("gateway: toggle reaction thought=%s user=%s: %v", m.ThoughtID, sess.UserID, err)
		g.sendError(connID, "store_error", "could not update reaction")
		return
	}

	direction := "off"
	if hasReacted {
		direction = "on"
	}
	metrics.ReactionToggles.WithLabelValues(direction).Inc()

	th, err := g.thoughts.Get(ctx, m.ThoughtID)
	if err != nil {
		log.Printf("gateway: load thought=%s for reaction fan-out: %v", m.ThoughtID, err)
		return
	}

	msg := protocol.ReactionUpdatedMsg{
		ThoughtID:      m.ThoughtID,
		RelatableCount: count,
		UserID:         sess.UserID,
		HasReacted:     hasReacted,
	}
	data, err := protocol.NewServerMessage(protocol.TypeReactionUpdated, msg)
	if err != nil {
		log.Printf("gateway: encode reactionUpdated: %v", err)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeReactionUpdated).Inc()
	for _, id := range g.withActor(g.rooms.Recipients(th.Category), connID) {
		_ = g.sender.SendMessage(id, data)
	}
}

// HandleEditThought replaces the content of the caller's own thought and
// broadcasts the updated payload.
func (g *Gateway) HandleEditThought(connID string, m protocol.EditThoughtMsg) {
	sess, ok := g.sessions.Session(connID)
	if !ok {
		g.sendError(connID, "not_registered", "register first")
		return
	}
	if !g.allow(connID, sess.UserID, ratelimit.RuleEdit) {
		return
	}

	content := strings.TrimSpace(m.Content)
	if err := thought.ValidateContent(content); err != nil {
		g.sendError(connID, "invalid_content", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	updated, err := g.thoughts.UpdateContent(ctx, m.ThoughtID, sess.UserID, content, g.now())
	if err != nil {
		g.sendAuthzError(connID, "edit", m.ThoughtID, err)
		return
	}

	g.broadcastThought(protocol.TypeThoughtUpdated, updated, connID)
}

// HandleDeleteThought removes the caller's own thought and broadcasts the
// deletion.
func (g *Gateway) HandleDeleteThought(connID string, m protocol.DeleteThoughtMsg) {
	sess, ok := g.sessions.Session(connID)
	if !ok {
		g.sendError(connID, "not_registered", "register first")
		return
	}
	if !g.allow(connID, sess.UserID, ratelimit.RuleEdit) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	// The category decides the fan-out scope, so read it before the row
	// disappears.
	th, err := g.thoughts.Get(ctx, m.ThoughtID)
	if err != nil {
		g.sendAuthzError(connID, "delete", m.ThoughtID, err)
		return
	}

	if err := g.thoughts.Delete(ctx, m.ThoughtID, sess.UserID); err != nil {
		g.sendAuthzError(connID, "delete", m.ThoughtID, err)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeThoughtDeleted, protocol.ThoughtDeletedMsg{
		ThoughtID: m.ThoughtID,
	})
	if err != nil {
		log.Printf("gateway: encode thoughtDeleted: %v", err)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeThoughtDeleted).Inc()
	for _, id := range g.withActor(g.rooms.Recipients(th.Category), connID) {
		_ = g.sender.SendMessage(id, data)
	}
}

// HandleDisconnect drops the connection from the room and user registries
// and refreshes the online count.
func (g *Gateway) HandleDisconnect(connID string) {
	g.rooms.Leave(connID)
	if _, ok := g.sessions.Unregister(connID); ok {
		g.broadcastOnlineCount()
	}
}

// NotifyBan pushes a fresh posting ban status to every live connection the
// user holds. Called by the report intake after an escalation.
func (g *Gateway) NotifyBan(userID string, st moderation.State) {
	status := g.banStatus(st)
	for _, connID := range g.sessions.Connections(userID) {
		g.send(connID, protocol.TypePostingBanStatus, status)
	}
}

// buildThought assembles a Thought from a submission and its decision. For
// the silent-echo path it is never persisted.
func (g *Gateway) buildThought(sess registry.Session, m protocol.NewThoughtMsg, d moderation.Decision, now time.Time, expiresAt *time.Time) *thought.Thought {
	return &thought.Thought{
		ID:           uuid.New().String(),
		AuthorID:     sess.UserID,
		AuthorName:   sess.Name,
		AuthorAvatar: sess.Avatar,
		IsAnonymous:  m.IsAnonymous,
		Content:      strings.TrimSpace(m.Content),
		ImageURL:     m.ImageURL,
		Category:     d.Category,
		Status:       thought.StatusApproved,
		Rationale:    d.Classification.Rationale,
		IsToxic:      d.Classification.IsToxic,
		Tags:         d.Classification.Tags,
		Score:        d.Classification.Score,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}
}

// auditRejection persists a rejected submission as a short-lived audit row.
// The row is categorised REJECTED so it is never served, and it expires on
// its own. Persistence is best effort: a store failure only loses the audit
// trail, not the rejection.
func (g *Gateway) auditRejection(ctx context.Context, sess registry.Session, m protocol.NewThoughtMsg, d moderation.Decision, now time.Time) {
	expiresAt := now.Add(thought.RejectedExpiry)
	th := &thought.Thought{
		ID:           uuid.New().String(),
		AuthorID:     sess.UserID,
		AuthorName:   sess.Name,
		AuthorAvatar: sess.Avatar,
		IsAnonymous:  m.IsAnonymous,
		Content:      strings.TrimSpace(m.Content),
		ImageURL:     m.ImageURL,
		Category:     classifier.CategoryRejected,
		Status:       thought.StatusFlagged,
		Rationale:    d.Classification.Rationale,
		IsToxic:      d.Classification.IsToxic,
		Tags:         d.Classification.Tags,
		Score:        d.Classification.Score,
		CreatedAt:    now,
		ExpiresAt:    &expiresAt,
	}
	if err := g.thoughts.Insert(ctx, th); err != nil {
		log.Printf("gateway: audit rejected thought user=%s: %v", sess.UserID, err)
	}
}

// broadcastThought fans a thought event out to the matching room plus ALL,
// plus the acting connection itself. Each recipient gets a payload rendered
// for their own viewpoint, since anonymous authorship is unmasked only for
// the author.
func (g *Gateway) broadcastThought(msgType string, th *thought.Thought, actorConnID string) {
	metrics.BroadcastsTotal.WithLabelValues(msgType).Inc()
	for _, connID := range g.withActor(g.rooms.Recipients(th.Category), actorConnID) {
		viewerID := ""
		if sess, ok := g.sessions.Session(connID); ok {
			viewerID = sess.UserID
		}

		var payload interface{}
		switch msgType {
		case protocol.TypeThoughtUpdated:
			payload = protocol.ThoughtUpdatedMsg{Thought: th.Payload(viewerID)}
		default:
			payload = protocol.ThoughtCreatedMsg{Thought: th.Payload(viewerID)}
		}

		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("gateway: encode %s: %v", msgType, err)
			return
		}
		_ = g.sender.SendMessage(connID, data)
	}
}

// withActor appends the acting connection to a recipient list unless it is
// already there. The actor always sees their own action, even when their
// current subscription points at a different room.
func (g *Gateway) withActor(recipients []string, actorConnID string) []string {
	if actorConnID == "" {
		return recipients
	}
	for _, id := range recipients {
		if id == actorConnID {
			return recipients
		}
	}
	return append(recipients, actorConnID)
}

// broadcastOnlineCount pushes the distinct-user online count to every
// subscribed connection.
func (g *Gateway) broadcastOnlineCount() {
	count := g.sessions.OnlineUsers()
	metrics.OnlineUsers.Set(float64(count))

	data, err := protocol.NewServerMessage(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: count})
	if err != nil {
		log.Printf("gateway: encode onlineCount: %v", err)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeOnlineCount).Inc()
	for _, connID := range g.rooms.All() {
		_ = g.sender.SendMessage(connID, data)
	}
}

// allow applies a rate limit rule and answers with rateLimited when the
// caller is over budget. A nil limiter always allows.
func (g *Gateway) allow(connID, identifier string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(context.Background(), identifier, rule)
	if err != nil {
		// Fail open, matching the limiter itself.
		return true
	}
	if !ok {
		g.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(rule.Window.Seconds()),
		})
		return false
	}
	return true
}

// banStatus renders a moderation state as the wire ban-status payload.
func (g *Gateway) banStatus(st moderation.State) protocol.PostingBanStatusMsg {
	msg := protocol.PostingBanStatusMsg{
		IsActive:    st.BanActive(g.now()),
		IsPermanent: st.BanPermanent,
	}
	if msg.IsActive {
		msg.Message = moderation.MsgBanned
		if !st.BanPermanent && st.BanExpiresAt != nil {
			msg.BannedUntil = st.BanExpiresAt.Unix()
		}
	}
	return msg
}

// sendAuthzError maps store errors on the edit and delete paths onto wire
// error codes.
func (g *Gateway) sendAuthzError(connID, action, thoughtID string, err error) {
	switch {
	case errors.Is(err, thought.ErrNotFound):
		g.sendError(connID, "not_found", "thought not found")
	case errors.Is(err, thought.ErrNotAuthorized):
		g.sendError(connID, "not_authorized", "you can only "+action+" your own thoughts")
	default:
		log.Printf("gateway: %s thought=%s: %v", action, thoughtID, err)
		g.sendError(connID, "store_error", "could not "+action+" thought")
	}
}

func (g *Gateway) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("gateway: encode %s: %v", msgType, err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		log.Printf("gateway: send %s conn=%s: %v", msgType, connID, err)
	}
}

func (g *Gateway) sendError(connID, code, message string) {
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
