package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/models"
)

const testSecret = "realtime-test-secret"

func mintToken(t *testing.T, secret, sub string, tenantID uuid.UUID, name string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		TenantID: tenantID.String(),
		FullName: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestGateway(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	svc := NewService(verifier, DefaultConnectionConfig())
	svc.Start(context.Background())

	mux := http.NewServeMux()
	svc.Handler.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		svc.Stop()
	})
	return svc, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// connect dials with a fresh token and consumes the connected frame.
func connect(t *testing.T, srv *httptest.Server, sub string, tenantID uuid.UUID) (*websocket.Conn, ConnectedPayload) {
	t.Helper()
	token := mintToken(t, testSecret, sub, tenantID, "User "+sub, time.Now().Add(time.Hour))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	f := readFrame(t, conn)
	if f.Event != EventConnected {
		t.Fatalf("first frame = %q, want %q", f.Event, EventConnected)
	}
	var payload ConnectedPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("decode connected payload: %v", err)
	}
	return conn, payload
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return f
}

// expectSilence must be the last read on conn: a timed out read poisons it.
func expectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := encodeFrame(event, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func join(t *testing.T, conn *websocket.Conn, convID uuid.UUID) {
	t.Helper()
	send(t, conn, EventJoinRoom, map[string]string{"conversationId": convID.String()})
	f := readFrame(t, conn)
	if f.Event != EventJoined {
		t.Fatalf("join reply = %q (%s), want %q", f.Event, f.Data, EventJoined)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectJoinsTenantRoom(t *testing.T) {
	_, srv := newTestGateway(t)
	tenant := uuid.New()

	_, payload := connect(t, srv, "user-1", tenant)
	if payload.UserID != "user-1" || payload.TenantID != tenant.String() {
		t.Fatalf("connected payload = %+v", payload)
	}
	if len(payload.Rooms) != 1 || payload.Rooms[0] != events.TenantRoom(tenant) {
		t.Fatalf("rooms = %v, want only the tenant room", payload.Rooms)
	}
}

func TestTenantBroadcastIsIsolated(t *testing.T) {
	svc, srv := newTestGateway(t)
	t1, t2 := uuid.New(), uuid.New()

	a, _ := connect(t, srv, "alice", t1)
	b, _ := connect(t, srv, "bob", t2)

	env, err := events.New(events.TenantRoom(t1), events.ConversationUpdated, map[string]string{"conversationId": uuid.NewString()}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if f := readFrame(t, a); f.Event != events.ConversationUpdated {
		t.Fatalf("tenant 1 got %q", f.Event)
	}
	expectSilence(t, b, 200*time.Millisecond)
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	svc, srv := newTestGateway(t)
	tenant := uuid.New()

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong secret", mintToken(t, "other-secret", "u", tenant, "", time.Now().Add(time.Hour))},
		{"expired", mintToken(t, testSecret, "u", tenant, "", time.Now().Add(-time.Minute))},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := wsURL(srv)
			if tt.token != "" {
				url += "?token=" + tt.token
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				conn.Close()
				t.Fatal("handshake succeeded")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("response = %v, want 401", resp)
			}
		})
	}

	if n := svc.Hub.Stats().Connections; n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
}

func TestHandshakeAcceptsAuthorizationHeader(t *testing.T) {
	_, srv := newTestGateway(t)
	token := mintToken(t, testSecret, "header-user", uuid.New(), "", time.Now().Add(time.Hour))

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if f := readFrame(t, conn); f.Event != EventConnected {
		t.Fatalf("first frame = %q", f.Event)
	}
}

func TestEmitNewMessageReachesConversationAndTenantRooms(t *testing.T) {
	svc, srv := newTestGateway(t)
	tenant, conv := uuid.New(), uuid.New()

	a, _ := connect(t, srv, "alice", tenant)
	join(t, a, conv)

	msg := models.OutboundMessage{ID: uuid.New(), TenantID: tenant, ConversationID: conv, Body: "Hello", Status: models.MessageStatusQueued}
	if err := svc.EmitNewMessage(tenant, conv, msg); err != nil {
		t.Fatalf("EmitNewMessage: %v", err)
	}

	f := readFrame(t, a)
	if f.Event != events.MessageNew {
		t.Fatalf("first event = %q, want %q", f.Event, events.MessageNew)
	}
	var payload events.MessagePayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ConversationID != conv || payload.Message.Body != "Hello" {
		t.Fatalf("payload = %+v", payload)
	}
	if f := readFrame(t, a); f.Event != events.ConversationUpdated {
		t.Fatalf("second event = %q, want %q", f.Event, events.ConversationUpdated)
	}
}

func TestTypingIsRelayedToOtherMembersWithVerifiedIdentity(t *testing.T) {
	_, srv := newTestGateway(t)
	tenant, conv := uuid.New(), uuid.New()

	a, _ := connect(t, srv, "alice", tenant)
	b, _ := connect(t, srv, "bob", tenant)
	join(t, a, conv)
	join(t, b, conv)

	send(t, a, EventTyping, map[string]any{
		"conversationId": conv.String(),
		"isTyping":       true,
		"userId":         "mallory",
		"userName":       "Mallory",
	})

	f := readFrame(t, b)
	if f.Event != events.Typing {
		t.Fatalf("event = %q", f.Event)
	}
	var payload TypingPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.UserID != "alice" || payload.UserName != "User alice" || !payload.IsTyping {
		t.Fatalf("payload = %+v", payload)
	}
	expectSilence(t, a, 200*time.Millisecond)
}

func TestTypingRequiresMembership(t *testing.T) {
	_, srv := newTestGateway(t)
	a, _ := connect(t, srv, "alice", uuid.New())

	send(t, a, EventTyping, map[string]any{"conversationId": uuid.NewString(), "isTyping": true})

	f := readFrame(t, a)
	var payload ErrorPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if f.Event != EventError || payload.Code != "not_in_room" {
		t.Fatalf("got %q %+v", f.Event, payload)
	}
}

func TestMalformedInputKeepsConnectionOpen(t *testing.T) {
	_, srv := newTestGateway(t)
	a, _ := connect(t, srv, "alice", uuid.New())

	cases := []struct {
		raw  string
		code string
	}{
		{"not json", "bad_frame"},
		{`{"data":{}}`, "bad_frame"},
		{`{"event":"shout","data":{}}`, "unknown_event"},
		{`{"event":"join-room","data":{"conversationId":"nope"}}`, "bad_payload"},
		{`{"event":"leave-room"}`, "bad_payload"},
	}
	for _, c := range cases {
		if err := a.WriteMessage(websocket.TextMessage, []byte(c.raw)); err != nil {
			t.Fatalf("write %q: %v", c.raw, err)
		}
		f := readFrame(t, a)
		var payload ErrorPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			t.Fatal(err)
		}
		if f.Event != EventError || payload.Code != c.code {
			t.Fatalf("%q: got %q %+v, want error %q", c.raw, f.Event, payload, c.code)
		}
	}

	join(t, a, uuid.New())
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	svc, srv := newTestGateway(t)
	tenant, conv := uuid.New(), uuid.New()

	a, _ := connect(t, srv, "alice", tenant)
	join(t, a, conv)
	send(t, a, EventLeaveRoom, map[string]string{"conversationId": conv.String()})
	if f := readFrame(t, a); f.Event != EventLeft {
		t.Fatalf("leave reply = %q", f.Event)
	}

	env, err := events.New(events.ConversationRoom(conv), events.MessageNew, map[string]string{"conversationId": conv.String()}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	svc.Publish(context.Background(), env)
	expectSilence(t, a, 200*time.Millisecond)
}

func TestDisconnectRemovesConnectionFromAllRooms(t *testing.T) {
	svc, srv := newTestGateway(t)
	a, _ := connect(t, srv, "alice", uuid.New())
	join(t, a, uuid.New())

	if s := svc.Hub.Stats(); s.Connections != 1 || s.Rooms != 2 {
		t.Fatalf("stats before close = %+v", s)
	}
	a.Close()

	eventually(t, func() bool {
		s := svc.Hub.Stats()
		return s.Connections == 0 && s.Rooms == 0
	})
}

func TestStatsEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)
	tenantID := uuid.New()
	convID := uuid.New()
	conn, _ := connect(t, srv, "alice", tenantID)
	join(t, conn, convID)

	resp, err := http.Get(srv.URL + "/ws/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	var stats HubStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Connections != 1 || stats.Rooms != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, leak := range []string{"tenant:", "conversation:", tenantID.String(), convID.String()} {
		if strings.Contains(string(body), leak) {
			t.Fatalf("stats body exposes %q: %s", leak, body)
		}
	}
}
