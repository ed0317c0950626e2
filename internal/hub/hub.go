// Package hub composes the connection registry, presence tracker, and event
// router behind a single entry point. It owns every decision about who is
// online and which connections an event reaches; the ws transport only
// moves frames.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/quickchat/chat-app/internal/chat"
	"github.com/quickchat/chat-app/internal/messaging"
	"github.com/quickchat/chat-app/internal/metrics"
	"github.com/quickchat/chat-app/internal/presence"
	"github.com/quickchat/chat-app/internal/protocol"
	"github.com/quickchat/chat-app/internal/ratelimit"
	"github.com/quickchat/chat-app/internal/registry"
	"github.com/quickchat/chat-app/internal/report"
	"github.com/quickchat/chat-app/internal/session"
	"github.com/quickchat/chat-app/internal/ws"
)

const collaboratorTimeout = 3 * time.Second

// Config carries the hub's optional collaborators. Any of them may be nil;
// the hub degrades to pure in-memory relaying without them.
type Config struct {
	Sessions *session.Store        // Redis connection bookkeeping
	Limiter  *ratelimit.Limiter    // Redis rate limiting
	Events   *messaging.NATSClient // outbound event stream
	Reports  *report.Store         // Postgres abuse reports
}

// Hub routes chat-domain events between connected clients and keeps the
// presence set consistent with the connection registry.
type Hub struct {
	registry *registry.Registry
	presence *presence.Tracker
	conns    *ws.ConnectionManager // for global presence broadcasts

	sessions *session.Store
	limiter  *ratelimit.Limiter
	events   *messaging.NATSClient
	reports  *report.Store

	// presenceMu serializes presence transitions. The registry is always
	// consulted for the current connection count under this mutex, so a
	// reconnect that races a disconnect cleanup resolves to the registry's
	// truth. broadcastMu extends the transition order to the broadcasts: it
	// is acquired before presenceMu is released, so an online-then-offline
	// pair for the same user can never be observed in the reverse order,
	// while presence state stays available to concurrent transitions during
	// a slow (deadline-bounded) broadcast.
	presenceMu  sync.Mutex
	broadcastMu sync.Mutex
}

// New creates a Hub over the given connection manager.
func New(conns *ws.ConnectionManager, cfg Config) *Hub {
	return &Hub{
		registry: registry.New(),
		presence: presence.New(),
		conns:    conns,
		sessions: cfg.Sessions,
		limiter:  cfg.Limiter,
		events:   cfg.Events,
		reports:  cfg.Reports,
	}
}

// Registry exposes the connection registry for the transport's health
// endpoint and for tests.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Presence exposes the presence tracker for the health endpoint and tests.
func (h *Hub) Presence() *presence.Tracker { return h.presence }

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// HandleConnect admits a freshly upgraded connection. A double-register is
// an invariant violation: it is fatal for that connection only and reported
// to the caller so the transport tears it down.
func (h *Hub) HandleConnect(conn *ws.Connection) error {
	if err := h.registry.Register(conn); err != nil {
		log.Printf("hub: register failed conn=%s: %v", conn.ID, err)
		return err
	}
	metrics.ConnectionsTotal.Set(float64(h.conns.Count()))

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		defer cancel()
		if err := h.sessions.Create(ctx, conn.ID); err != nil {
			log.Printf("hub: session create failed conn=%s: %v", conn.ID, err)
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: conn.ID,
	})
	if err == nil {
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("hub: connected write failed conn=%s: %v", conn.ID, err)
		}
	}
	return nil
}

// HandleDisconnect removes the connection from the registry. For every
// address this connection was the last member of, the user transitions
// offline and the updated presence set is broadcast to everyone. Safe to
// invoke more than once for the same connection; the second call finds
// nothing to unregister.
func (h *Hub) HandleDisconnect(conn *ws.Connection) {
	vacated := h.registry.Unregister(conn)
	metrics.ConnectionsTotal.Set(float64(h.conns.Count()))

	for _, address := range vacated {
		h.syncPresence(address)
	}

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		defer cancel()
		if err := h.sessions.Delete(ctx, conn.ID); err != nil {
			log.Printf("hub: session delete failed conn=%s: %v", conn.ID, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Event dispatch
// ---------------------------------------------------------------------------

// HandleEvent is the single router entry point for inbound client events.
// It parses the raw frame into a typed event and dispatches over the event
// kind. Malformed events are answered with an error to the sending
// connection only and never reach peers.
func (h *Hub) HandleEvent(conn *ws.Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("hub: parse error conn=%s: %v", conn.ID, err)
		h.sendError(conn, "parse_error", "invalid event format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	switch m := msg.(type) {
	case protocol.JoinMsg:
		h.handleJoin(conn, m)
	case protocol.ChatEnvelope:
		switch msgType {
		case protocol.TypeSendMessage:
			h.handleSendMessage(conn, m)
		case protocol.TypeTypingStarted, protocol.TypeTypingStopped:
			h.handleTyping(conn, msgType, m)
		}
	case protocol.ClearUnreadMsg:
		h.handleClearUnread(conn, m)
	case protocol.PresenceMsg:
		switch msgType {
		case protocol.TypeUserOnline:
			h.handleUserOnline(conn, m)
		case protocol.TypeUserOffline:
			h.handleUserOffline(conn, m)
		}
	case protocol.ReportMsg:
		h.handleReport(conn, m)
	case protocol.PingMsg:
		h.handlePing(conn)
	}
}

// handleJoin binds the connection to its user's address, marks the user
// online, and sends the presence snapshot to the new connection only.
func (h *Hub) handleJoin(conn *ws.Connection, m protocol.JoinMsg) {
	if m.UserID == "" {
		h.sendError(conn, "invalid_join", "join requires a user_id")
		return
	}
	if !conn.BindUser(m.UserID) && conn.UserID() != m.UserID {
		h.sendError(conn, "identity_conflict", "connection already joined as another user")
		return
	}

	h.registry.Join(conn, m.UserID)
	log.Printf("hub: join conn=%s user=%s", conn.ID, m.UserID)

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		defer cancel()
		if err := h.sessions.BindUser(ctx, conn.ID, m.UserID); err != nil {
			log.Printf("hub: session bind failed conn=%s: %v", conn.ID, err)
		}
	}

	h.syncPresence(m.UserID)
	h.sendSnapshot(conn)
}

// handleSendMessage fans a chat message out to the union of both members'
// connections, then fans out the companion unread-count update to the same
// set so list views stay current without a second round trip.
func (h *Hub) handleSendMessage(conn *ws.Connection, m protocol.ChatEnvelope) {
	userID, ok := h.requireJoined(conn)
	if !ok {
		return
	}
	if err := m.Validate(); err != nil {
		h.sendError(conn, "invalid_envelope", err.Error())
		return
	}
	if m.Sender != userID {
		h.sendError(conn, "sender_mismatch", "sender does not match joined user")
		return
	}
	if err := chat.ValidateMessage(m.Text, m.Image); err != nil {
		h.sendError(conn, "invalid_message", err.Error())
		return
	}
	if !h.allow(userID, ratelimit.RuleMessage) {
		h.sendError(conn, "rate_limited", "too many messages")
		return
	}

	h.route(protocol.TypeMessageReceived, m.Members, m)
	h.route(protocol.TypeUnreadCountUpdate, m.Members, m)
	h.publishChatEvent(m.ChatID, protocol.TypeMessageReceived, m)
}

// handleClearUnread relays an unread-counter reset to both members.
func (h *Hub) handleClearUnread(conn *ws.Connection, m protocol.ClearUnreadMsg) {
	if _, ok := h.requireJoined(conn); !ok {
		return
	}
	if err := m.Validate(); err != nil {
		h.sendError(conn, "invalid_envelope", err.Error())
		return
	}

	h.route(protocol.TypeUnreadCleared, m.Members, m)
	h.publishChatEvent(m.ChatID, protocol.TypeUnreadCleared, m)
}

// handleTyping relays a typing signal to both members' connections. The
// signal is ephemeral: expiry is the receiving client's job, and the
// sender's own UI suppresses its echo.
func (h *Hub) handleTyping(conn *ws.Connection, kind string, m protocol.ChatEnvelope) {
	userID, ok := h.requireJoined(conn)
	if !ok {
		return
	}
	if err := m.Validate(); err != nil {
		h.sendError(conn, "invalid_envelope", err.Error())
		return
	}
	if m.Sender != userID {
		h.sendError(conn, "sender_mismatch", "sender does not match joined user")
		return
	}
	if !h.allow(userID, ratelimit.RuleTyping) {
		return // drop silently, typing signals are best-effort
	}

	h.route(kind, m.Members, m)
}

// handleUserOnline is an idempotent presence re-sync: it reasserts the
// user's online status and answers with the current snapshot.
func (h *Hub) handleUserOnline(conn *ws.Connection, m protocol.PresenceMsg) {
	userID, ok := h.requireJoined(conn)
	if !ok {
		return
	}
	if m.UserID != "" && m.UserID != userID {
		h.sendError(conn, "identity_conflict", "cannot mark another user online")
		return
	}

	h.syncPresence(userID)
	h.sendSnapshot(conn)
}

// handleUserOffline is a logout: the connection leaves its own address.
// The user only transitions offline if that leave vacated the address —
// a second open tab keeps them online, and a stale logout can never evict
// a reconnected user.
func (h *Hub) handleUserOffline(conn *ws.Connection, m protocol.PresenceMsg) {
	userID, ok := h.requireJoined(conn)
	if !ok {
		return
	}
	if m.UserID != "" && m.UserID != userID {
		h.sendError(conn, "identity_conflict", "cannot mark another user offline")
		return
	}

	h.registry.Leave(conn, userID)
	h.syncPresence(userID)
}

// handleReport persists an abuse report against the other chat member.
func (h *Hub) handleReport(conn *ws.Connection, m protocol.ReportMsg) {
	userID, ok := h.requireJoined(conn)
	if !ok {
		return
	}
	if h.reports == nil {
		h.sendError(conn, "unsupported", "reporting is not enabled")
		return
	}
	if len(m.Members) != 2 || m.ChatID == "" {
		h.sendError(conn, "invalid_envelope", "report requires chat_id and 2 members")
		return
	}

	reported := m.Members[0]
	if reported == userID {
		reported = m.Members[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()
	err := h.reports.Create(ctx, &report.Report{
		ReporterID: userID,
		ReportedID: reported,
		ChatID:     m.ChatID,
		Reason:     m.Reason,
	})
	if err != nil {
		log.Printf("hub: report store failed conn=%s: %v", conn.ID, err)
		h.sendError(conn, "report_failed", "could not record report")
		return
	}
	log.Printf("hub: report user=%s reported=%s chat=%s reason=%s", userID, reported, m.ChatID, m.Reason)
}

// handlePing answers a keepalive and refreshes the session record.
func (h *Hub) handlePing(conn *ws.Connection) {
	conn.Touch()

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		defer cancel()
		if err := h.sessions.Touch(ctx, conn.ID); err != nil {
			log.Printf("hub: session touch failed conn=%s: %v", conn.ID, err)
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("hub: pong write failed conn=%s: %v", conn.ID, err)
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// route delivers one event to the union of connections joined to the given
// addresses, exactly once per physical connection. A member with zero live
// connections is the normal "recipient offline" case: the event is simply
// dropped for them. Per-recipient write failures are isolated so one dead
// socket cannot stall delivery to the rest.
func (h *Hub) route(kind string, addresses []string, payload interface{}) {
	start := time.Now()

	data, err := protocol.NewServerMessage(kind, payload)
	if err != nil {
		log.Printf("hub: build %s failed: %v", kind, err)
		return
	}

	for _, c := range h.registry.ConnectionsFor(addresses...) {
		if err := c.WriteMessage(data); err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			log.Printf("hub: deliver %s to conn=%s failed: %v", kind, c.ID, err)
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
	}

	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
}

// syncPresence reconciles one user's presence entry with the registry and,
// on a real transition, broadcasts the full online set to every connection.
// The snapshot is taken under presenceMu but the broadcast runs after it is
// released, so a slow client cannot block other presence computations;
// broadcastMu keeps the broadcasts in transition order.
func (h *Hub) syncPresence(userID string) {
	h.presenceMu.Lock()

	var changed bool
	if h.registry.AddressCount(userID) > 0 {
		changed = h.presence.MarkOnline(userID)
	} else {
		changed = h.presence.MarkOffline(userID)
	}
	if !changed {
		h.presenceMu.Unlock()
		return
	}

	online := h.presence.Snapshot()
	metrics.OnlineUsers.Set(float64(len(online)))

	h.broadcastMu.Lock()
	h.presenceMu.Unlock()
	defer h.broadcastMu.Unlock()

	data, err := protocol.NewServerMessage(protocol.TypePresenceChanged, protocol.PresenceSetMsg{
		Online: online,
	})
	if err != nil {
		log.Printf("hub: build presence_changed failed: %v", err)
		return
	}
	h.conns.Broadcast(data)
	h.publishPresence(online)
}

// sendSnapshot sends the current online set to one connection only.
func (h *Hub) sendSnapshot(conn *ws.Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePresenceSnapshot, protocol.PresenceSetMsg{
		Online: h.presence.Snapshot(),
	})
	if err != nil {
		log.Printf("hub: build presence_snapshot failed: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("hub: snapshot write failed conn=%s: %v", conn.ID, err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// requireJoined rejects events from connections that have not joined their
// address, or that have already been removed from the registry (a stale
// frame racing a disconnect). Rejections go to the sender only.
func (h *Hub) requireJoined(conn *ws.Connection) (string, bool) {
	userID := conn.UserID()
	if userID == "" || !h.registry.Registered(conn) {
		h.sendError(conn, "not_joined", "join your user address first")
		return "", false
	}
	return userID, true
}

// allow consults the rate limiter, failing open when it is not configured.
func (h *Hub) allow(identifier string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()
	allowed, _ := h.limiter.Allow(ctx, identifier, rule)
	return allowed
}

// publishChatEvent mirrors a routed event onto the NATS stream.
func (h *Hub) publishChatEvent(chatID, kind string, payload interface{}) {
	if h.events == nil {
		return
	}
	data, err := protocol.NewServerMessage(kind, payload)
	if err != nil {
		return
	}
	if err := h.events.PublishChatEvent(chatID, data); err != nil {
		log.Printf("hub: nats publish chat=%s failed: %v", chatID, err)
	}
}

// publishPresence mirrors a presence change onto the NATS stream.
func (h *Hub) publishPresence(online []string) {
	if h.events == nil {
		return
	}
	data, err := json.Marshal(struct {
		Online []string `json:"online"`
		Ts     int64    `json:"ts"`
	}{Online: online, Ts: time.Now().Unix()})
	if err != nil {
		return
	}
	if err := h.events.PublishPresence(data); err != nil {
		log.Printf("hub: nats publish presence failed: %v", err)
	}
}

// sendError sends a structured error event back to the offending connection
// only. Errors during construction or transmission are logged, not
// propagated.
func (h *Hub) sendError(conn *ws.Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("hub: build error event conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("hub: error write failed conn=%s: %v", conn.ID, err)
	}
}
