package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/quickchat/chat-app/internal/protocol"
	"github.com/quickchat/chat-app/internal/ws"
)

// drainWindow is how long drain waits for further frames. Hub handlers write
// synchronously, so by the time a handler returns the frames are already in
// the client readers; the window only covers channel handoff.
const drainWindow = 150 * time.Millisecond

// testHub wires a Hub to a connection manager with no external
// collaborators: sessions, rate limiting, NATS, and reports are all
// disabled, which is the pure in-memory relay configuration.
type testHub struct {
	hub    *Hub
	conns  *ws.ConnectionManager
	nextFd int
}

func newTestHub() *testHub {
	conns := ws.NewConnectionManager()
	return &testHub{
		hub:   New(conns, Config{}),
		conns: conns,
	}
}

// testClient is one simulated WebSocket client. The hub writes frames to the
// server half of a net.Pipe; a reader goroutine decodes them off the client
// half into the events channel.
type testClient struct {
	conn   *ws.Connection
	client net.Conn
	events chan map[string]interface{}
}

// connect creates a client, registers it with the manager and the hub, and
// consumes the initial connected event.
func (th *testHub) connect(t *testing.T) *testClient {
	t.Helper()

	server, client := net.Pipe()
	th.nextFd++
	tc := &testClient{
		conn: &ws.Connection{
			ID:           fmt.Sprintf("conn-%d", th.nextFd),
			Conn:         server,
			Fd:           th.nextFd,
			CreatedAt:    time.Now(),
			WriteTimeout: time.Second,
		},
		client: client,
		events: make(chan map[string]interface{}, 64),
	}
	go tc.readLoop()
	t.Cleanup(func() { client.Close() })

	th.conns.Add(tc.conn)
	if err := th.hub.HandleConnect(tc.conn); err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}

	events := tc.drain()
	if countType(events, protocol.TypeConnected) != 1 {
		t.Fatalf("expected 1 connected event, got %v", events)
	}
	return tc
}

// join binds the client to a user address and discards the resulting
// presence traffic so each test starts from a quiet baseline.
func (th *testHub) join(t *testing.T, tc *testClient, userID string) {
	t.Helper()
	th.send(t, tc, protocol.JoinMsg{Type: protocol.TypeJoin, UserID: userID})
	if got := tc.conn.UserID(); got != userID {
		t.Fatalf("expected bound user %q, got %q", userID, got)
	}
}

// disconnect mirrors the transport's removal order: drop from the manager
// (which closes the socket), then notify the hub.
func (th *testHub) disconnect(tc *testClient) {
	th.conns.Remove(tc.conn.ID)
	th.hub.HandleDisconnect(tc.conn)
}

// send marshals a client event and feeds it through the hub's router.
func (th *testHub) send(t *testing.T, tc *testClient, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal client event: %v", err)
	}
	th.hub.HandleEvent(tc.conn, data)
}

func (tc *testClient) readLoop() {
	for {
		data, err := wsutil.ReadServerText(tc.client)
		if err != nil {
			close(tc.events)
			return
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		tc.events <- m
	}
}

// drain returns every event the client has received, waiting briefly for
// in-flight frames to land.
func (tc *testClient) drain() []map[string]interface{} {
	var out []map[string]interface{}
	timer := time.NewTimer(drainWindow)
	defer timer.Stop()
	for {
		select {
		case m, ok := <-tc.events:
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timer.C:
			return out
		}
	}
}

func countType(events []map[string]interface{}, typ string) int {
	n := 0
	for _, e := range events {
		if e["type"] == typ {
			n++
		}
	}
	return n
}

func firstOfType(events []map[string]interface{}, typ string) map[string]interface{} {
	for _, e := range events {
		if e["type"] == typ {
			return e
		}
	}
	return nil
}

func onlineSet(e map[string]interface{}) []string {
	raw, _ := e["online"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func chatMsg(typ, chatID, sender, text string, members ...string) protocol.ChatEnvelope {
	return protocol.ChatEnvelope{
		Type:    typ,
		ChatID:  chatID,
		Members: members,
		Sender:  sender,
		Text:    text,
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestConnect_SendsConnectionID(t *testing.T) {
	th := newTestHub()

	server, client := net.Pipe()
	defer client.Close()
	conn := &ws.Connection{ID: "conn-x", Conn: server, Fd: 1}
	tc := &testClient{conn: conn, client: client, events: make(chan map[string]interface{}, 8)}
	go tc.readLoop()

	th.conns.Add(conn)
	if err := th.hub.HandleConnect(conn); err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}

	events := tc.drain()
	connected := firstOfType(events, protocol.TypeConnected)
	if connected == nil {
		t.Fatalf("expected connected event, got %v", events)
	}
	if connected["connection_id"] != "conn-x" {
		t.Errorf("expected connection_id %q, got %v", "conn-x", connected["connection_id"])
	}
}

func TestConnect_DuplicateIsFatal(t *testing.T) {
	th := newTestHub()
	tc := th.connect(t)

	if err := th.hub.HandleConnect(tc.conn); err == nil {
		t.Fatal("expected error for duplicate connect, got nil")
	}
}

func TestJoin_SnapshotAndBroadcast(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)

	th.join(t, alice, "alice")

	events := alice.drain()
	snap := firstOfType(events, protocol.TypePresenceSnapshot)
	if snap == nil {
		t.Fatalf("expected presence_snapshot, got %v", events)
	}
	got := onlineSet(snap)
	if len(got) != 1 || got[0] != "alice" {
		t.Errorf("expected snapshot online=[alice], got %v", got)
	}
	if countType(events, protocol.TypePresenceChanged) != 1 {
		t.Errorf("expected exactly 1 presence_changed broadcast, got %v", events)
	}
}

func TestJoin_IdentityConflict(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	th.join(t, alice, "alice")
	alice.drain()

	th.send(t, alice, protocol.JoinMsg{Type: protocol.TypeJoin, UserID: "mallory"})

	events := alice.drain()
	errEvent := firstOfType(events, protocol.TypeError)
	if errEvent == nil {
		t.Fatalf("expected error event, got %v", events)
	}
	if errEvent["code"] != "identity_conflict" {
		t.Errorf("expected code identity_conflict, got %v", errEvent["code"])
	}
	if alice.conn.UserID() != "alice" {
		t.Errorf("binding should be unchanged, got %q", alice.conn.UserID())
	}
}

// ---------------------------------------------------------------------------
// Message fan-out
// ---------------------------------------------------------------------------

func TestSendMessage_DeliversToBothMembersExactlyOnce(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.send(t, alice, chatMsg(protocol.TypeSendMessage, "chat-1", "alice", "hi bob", "alice", "bob"))

	for name, tc := range map[string]*testClient{"alice": alice, "bob": bob} {
		events := tc.drain()
		if n := countType(events, protocol.TypeMessageReceived); n != 1 {
			t.Errorf("%s: expected 1 message_received, got %d (%v)", name, n, events)
		}
		if n := countType(events, protocol.TypeUnreadCountUpdate); n != 1 {
			t.Errorf("%s: expected 1 unread_count_update, got %d", name, n)
		}
		msg := firstOfType(events, protocol.TypeMessageReceived)
		if msg["text"] != "hi bob" || msg["sender"] != "alice" {
			t.Errorf("%s: unexpected message payload: %v", name, msg)
		}
	}
}

func TestSendMessage_SecondTabReceivesToo(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bobTab1 := th.connect(t)
	bobTab2 := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bobTab1, "bob")
	th.join(t, bobTab2, "bob")
	alice.drain()
	bobTab1.drain()
	bobTab2.drain()

	th.send(t, alice, chatMsg(protocol.TypeSendMessage, "chat-1", "alice", "hi", "alice", "bob"))

	for name, tc := range map[string]*testClient{"alice": alice, "bob tab 1": bobTab1, "bob tab 2": bobTab2} {
		if n := countType(tc.drain(), protocol.TypeMessageReceived); n != 1 {
			t.Errorf("%s: expected 1 message_received, got %d", name, n)
		}
	}
}

func TestSendMessage_OfflineRecipientDropped(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	th.join(t, alice, "alice")
	alice.drain()

	// Bob has no live connections: delivery to him is silently dropped,
	// the sender's own echo still arrives.
	th.send(t, alice, chatMsg(protocol.TypeSendMessage, "chat-1", "alice", "anyone there?", "alice", "bob"))

	events := alice.drain()
	if n := countType(events, protocol.TypeMessageReceived); n != 1 {
		t.Errorf("expected 1 message_received for the sender, got %d", n)
	}
	if n := countType(events, protocol.TypeError); n != 0 {
		t.Errorf("offline recipient must not produce an error, got %v", events)
	}
}

func TestSendMessage_RequiresJoin(t *testing.T) {
	th := newTestHub()
	tc := th.connect(t)

	th.send(t, tc, chatMsg(protocol.TypeSendMessage, "chat-1", "alice", "hi", "alice", "bob"))

	events := tc.drain()
	errEvent := firstOfType(events, protocol.TypeError)
	if errEvent == nil {
		t.Fatalf("expected error event, got %v", events)
	}
	if errEvent["code"] != "not_joined" {
		t.Errorf("expected code not_joined, got %v", errEvent["code"])
	}
	if countType(events, protocol.TypeMessageReceived) != 0 {
		t.Error("unjoined sender must not receive a delivery")
	}
}

func TestSendMessage_SenderMismatch(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	// Alice claims to be bob: rejected at the sender, never routed.
	th.send(t, alice, chatMsg(protocol.TypeSendMessage, "chat-1", "bob", "spoofed", "alice", "bob"))

	errEvent := firstOfType(alice.drain(), protocol.TypeError)
	if errEvent == nil || errEvent["code"] != "sender_mismatch" {
		t.Fatalf("expected sender_mismatch error, got %v", errEvent)
	}
	if n := countType(bob.drain(), protocol.TypeMessageReceived); n != 0 {
		t.Errorf("spoofed message must not reach bob, got %d deliveries", n)
	}
}

func TestSendMessage_InvalidEnvelope(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	th.join(t, alice, "alice")
	alice.drain()

	th.send(t, alice, chatMsg(protocol.TypeSendMessage, "chat-1", "alice", "hi", "alice"))

	errEvent := firstOfType(alice.drain(), protocol.TypeError)
	if errEvent == nil || errEvent["code"] != "invalid_envelope" {
		t.Fatalf("expected invalid_envelope error, got %v", errEvent)
	}
}

func TestSendMessage_EmptyContent(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	th.join(t, alice, "alice")
	alice.drain()

	th.send(t, alice, chatMsg(protocol.TypeSendMessage, "chat-1", "alice", "", "alice", "bob"))

	errEvent := firstOfType(alice.drain(), protocol.TypeError)
	if errEvent == nil || errEvent["code"] != "invalid_message" {
		t.Fatalf("expected invalid_message error, got %v", errEvent)
	}
}

func TestMalformedFrame_ErrorToSenderOnly(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.hub.HandleEvent(alice.conn, []byte(`{not json`))

	errEvent := firstOfType(alice.drain(), protocol.TypeError)
	if errEvent == nil || errEvent["code"] != "parse_error" {
		t.Fatalf("expected parse_error, got %v", errEvent)
	}
	if events := bob.drain(); len(events) != 0 {
		t.Errorf("malformed frame must not reach peers, bob got %v", events)
	}
}

// ---------------------------------------------------------------------------
// Typing signals
// ---------------------------------------------------------------------------

func TestTyping_RelayedToBothMembers(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.send(t, alice, chatMsg(protocol.TypeTypingStarted, "chat-1", "alice", "", "alice", "bob"))
	th.send(t, alice, chatMsg(protocol.TypeTypingStopped, "chat-1", "alice", "", "alice", "bob"))

	events := bob.drain()
	if countType(events, protocol.TypeTypingStarted) != 1 {
		t.Errorf("expected 1 typing_started at bob, got %v", events)
	}
	if countType(events, protocol.TypeTypingStopped) != 1 {
		t.Errorf("expected 1 typing_stopped at bob, got %v", events)
	}
	started := firstOfType(events, protocol.TypeTypingStarted)
	if started["sender"] != "alice" {
		t.Errorf("expected typing sender alice, got %v", started["sender"])
	}
}

func TestTyping_AfterDisconnectDropped(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.disconnect(alice)
	bob.drain() // discard the offline broadcast

	// A frame from the removed connection racing its own teardown.
	th.send(t, bob, chatMsg(protocol.TypeTypingStarted, "chat-1", "alice", "", "alice", "bob"))
	th.hub.HandleEvent(alice.conn, []byte(`{"type":"typing_started","chat_id":"chat-1","members":["alice","bob"],"sender":"alice"}`))

	events := bob.drain()
	// Bob's own spoof attempt is rejected; nothing from the dead connection.
	if countType(events, protocol.TypeTypingStarted) != 0 {
		t.Errorf("stale typing must not be relayed, bob got %v", events)
	}
}

// ---------------------------------------------------------------------------
// Unread counters
// ---------------------------------------------------------------------------

func TestClearUnread_RelayedToBothMembers(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.send(t, bob, protocol.ClearUnreadMsg{
		Type:      protocol.TypeClearUnread,
		ChatID:    "chat-1",
		Members:   []string{"alice", "bob"},
		ClearedBy: "bob",
	})

	for name, tc := range map[string]*testClient{"alice": alice, "bob": bob} {
		events := tc.drain()
		cleared := firstOfType(events, protocol.TypeUnreadCleared)
		if cleared == nil {
			t.Fatalf("%s: expected unread_cleared, got %v", name, events)
		}
		if cleared["cleared_by"] != "bob" {
			t.Errorf("%s: expected cleared_by bob, got %v", name, cleared["cleared_by"])
		}
	}
}

// ---------------------------------------------------------------------------
// Presence transitions
// ---------------------------------------------------------------------------

func TestDisconnect_LastConnectionGoesOffline(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.disconnect(bob)

	events := alice.drain()
	if n := countType(events, protocol.TypePresenceChanged); n != 1 {
		t.Fatalf("expected exactly 1 presence_changed, got %d (%v)", n, events)
	}
	got := onlineSet(firstOfType(events, protocol.TypePresenceChanged))
	if len(got) != 1 || got[0] != "alice" {
		t.Errorf("expected online=[alice] after bob left, got %v", got)
	}
	if th.hub.Presence().Online("bob") {
		t.Error("bob should be offline")
	}
}

func TestDisconnect_SecondTabKeepsUserOnline(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bobTab1 := th.connect(t)
	bobTab2 := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bobTab1, "bob")
	th.join(t, bobTab2, "bob")
	alice.drain()
	bobTab1.drain()
	bobTab2.drain()

	th.disconnect(bobTab1)

	if events := alice.drain(); countType(events, protocol.TypePresenceChanged) != 0 {
		t.Errorf("closing one of two tabs must not broadcast, alice got %v", events)
	}
	if !th.hub.Presence().Online("bob") {
		t.Error("bob should still be online via the second tab")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.disconnect(bob)
	th.hub.HandleDisconnect(bob.conn) // duplicate teardown signal

	if n := countType(alice.drain(), protocol.TypePresenceChanged); n != 1 {
		t.Errorf("duplicate disconnect must not re-broadcast, got %d presence_changed", n)
	}
}

func TestReconnect_BeforeDisconnectCleanupStaysOnline(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bobOld := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bobOld, "bob")
	alice.drain()
	bobOld.drain()

	// Bob's socket drops, but the replacement connection joins before the
	// old connection's teardown is processed. The late cleanup must find
	// the address still occupied and compute no offline transition.
	bobNew := th.connect(t)
	th.join(t, bobNew, "bob")
	bobNew.drain()
	th.disconnect(bobOld)

	if events := alice.drain(); countType(events, protocol.TypePresenceChanged) != 0 {
		t.Errorf("late cleanup of a replaced connection must not broadcast, alice got %v", events)
	}
	if !th.hub.Presence().Online("bob") {
		t.Error("bob should remain online through the reconnect")
	}
}

func TestReconnect_RacingDisconnect(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bobOld := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bobOld, "bob")
	alice.drain()
	bobOld.drain()

	bobNew := th.connect(t)
	joinData, err := json.Marshal(protocol.JoinMsg{Type: protocol.TypeJoin, UserID: "bob"})
	if err != nil {
		t.Fatalf("marshal join: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		th.disconnect(bobOld)
	}()
	go func() {
		defer wg.Done()
		th.hub.HandleEvent(bobNew.conn, joinData)
	}()
	wg.Wait()

	// Whichever way the race resolves, bob ends online; and because
	// broadcasts go out in transition order, the last presence_changed any
	// client saw (if there was one at all) must include bob.
	if !th.hub.Presence().Online("bob") {
		t.Fatal("bob should be online after reconnect racing disconnect")
	}
	events := alice.drain()
	var last map[string]interface{}
	for _, e := range events {
		if e["type"] == protocol.TypePresenceChanged {
			last = e
		}
	}
	if last != nil {
		online := onlineSet(last)
		found := false
		for _, id := range online {
			if id == "bob" {
				found = true
			}
		}
		if !found {
			t.Errorf("final presence broadcast must include bob, got %v", online)
		}
	}
}

func TestPresenceBroadcast_StalledClientIsolated(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)

	// A client that never reads: the unbuffered pipe stays full, so only
	// the write deadline unblocks broadcasts to it.
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	stalled := &ws.Connection{ID: "conn-stalled", Conn: server, Fd: 999, WriteTimeout: 50 * time.Millisecond}
	th.conns.Add(stalled)
	_ = th.hub.HandleConnect(stalled)

	joinData, err := json.Marshal(protocol.JoinMsg{Type: protocol.TypeJoin, UserID: "alice"})
	if err != nil {
		t.Fatalf("marshal join: %v", err)
	}

	done := make(chan struct{})
	go func() {
		th.hub.HandleEvent(alice.conn, joinData)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("presence broadcast blocked on a stalled client")
	}

	events := alice.drain()
	if countType(events, protocol.TypePresenceChanged) != 1 {
		t.Errorf("expected 1 presence_changed at alice despite the stalled peer, got %v", events)
	}
	if firstOfType(events, protocol.TypePresenceSnapshot) == nil {
		t.Errorf("expected a presence_snapshot for the joining connection, got %v", events)
	}
}

func TestUserOffline_OwnTabOnly(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bobTab1 := th.connect(t)
	bobTab2 := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bobTab1, "bob")
	th.join(t, bobTab2, "bob")
	alice.drain()
	bobTab1.drain()
	bobTab2.drain()

	// Logout from one tab: the other tab keeps bob online.
	th.send(t, bobTab1, protocol.PresenceMsg{Type: protocol.TypeUserOffline, UserID: "bob"})
	if events := alice.drain(); countType(events, protocol.TypePresenceChanged) != 0 {
		t.Errorf("logout with a second tab open must not broadcast, got %v", events)
	}
	if !th.hub.Presence().Online("bob") {
		t.Error("bob should still be online")
	}

	// Logout from the last tab vacates the address.
	th.send(t, bobTab2, protocol.PresenceMsg{Type: protocol.TypeUserOffline, UserID: "bob"})
	if n := countType(alice.drain(), protocol.TypePresenceChanged); n != 1 {
		t.Errorf("expected 1 presence_changed after final logout, got %d", n)
	}
	if th.hub.Presence().Online("bob") {
		t.Error("bob should be offline after final logout")
	}
}

func TestUserOffline_CannotEvictAnotherUser(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	bob := th.connect(t)
	th.join(t, alice, "alice")
	th.join(t, bob, "bob")
	alice.drain()
	bob.drain()

	th.send(t, alice, protocol.PresenceMsg{Type: protocol.TypeUserOffline, UserID: "bob"})

	errEvent := firstOfType(alice.drain(), protocol.TypeError)
	if errEvent == nil || errEvent["code"] != "identity_conflict" {
		t.Fatalf("expected identity_conflict error, got %v", errEvent)
	}
	if !th.hub.Presence().Online("bob") {
		t.Error("bob must remain online")
	}
}

func TestUserOnline_ResyncIsIdempotent(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	th.join(t, alice, "alice")
	alice.drain()

	th.send(t, alice, protocol.PresenceMsg{Type: protocol.TypeUserOnline, UserID: "alice"})

	events := alice.drain()
	if countType(events, protocol.TypePresenceSnapshot) != 1 {
		t.Errorf("expected a fresh snapshot on resync, got %v", events)
	}
	if countType(events, protocol.TypePresenceChanged) != 0 {
		t.Errorf("resync of an online user must not re-broadcast, got %v", events)
	}
}

// ---------------------------------------------------------------------------
// Keepalive and reports
// ---------------------------------------------------------------------------

func TestPing_Pong(t *testing.T) {
	th := newTestHub()
	tc := th.connect(t)

	before := tc.conn.LastActive()
	time.Sleep(5 * time.Millisecond)
	th.send(t, tc, protocol.PingMsg{Type: protocol.TypePing})

	if countType(tc.drain(), protocol.TypePong) != 1 {
		t.Error("expected a pong response")
	}
	if !tc.conn.LastActive().After(before) {
		t.Error("ping should refresh the connection's activity timestamp")
	}
}

func TestReport_DisabledWithoutStore(t *testing.T) {
	th := newTestHub()
	alice := th.connect(t)
	th.join(t, alice, "alice")
	alice.drain()

	th.send(t, alice, protocol.ReportMsg{
		Type:    protocol.TypeReport,
		ChatID:  "chat-1",
		Members: []string{"alice", "bob"},
		Reason:  "spam",
	})

	errEvent := firstOfType(alice.drain(), protocol.TypeError)
	if errEvent == nil || errEvent["code"] != "unsupported" {
		t.Fatalf("expected unsupported error without a report store, got %v", errEvent)
	}
}
