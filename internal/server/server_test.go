package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/lgbtaye777/ephemerium-chat/internal/broker"
	"github.com/lgbtaye777/ephemerium-chat/internal/protocol"
)

func TestWebSocketPairAndRelay(t *testing.T) {
	ts := newWSTestServer(t)

	alice := wsDial(t, ts)
	bob := wsDial(t, ts)

	wsSend(t, alice, protocol.ClientMessage{Type: protocol.TypeHello, Nickname: "alice"})
	wsExpect(t, alice, protocol.TypeHelloOK)
	wsSend(t, bob, protocol.ClientMessage{Type: protocol.TypeHello, Nickname: "bob"})
	wsExpect(t, bob, protocol.TypeHelloOK)

	wsSend(t, alice, protocol.ClientMessage{Type: protocol.TypeConnect, TargetNickname: "bob"})
	wsExpect(t, alice, protocol.TypeWaiting)
	incoming := wsExpect(t, bob, protocol.TypeIncomingRequest)

	wsSend(t, bob, protocol.ClientMessage{Type: protocol.TypeConnectAccept, RequestID: incoming.RequestID})
	wsExpect(t, alice, protocol.TypePaired)
	wsExpect(t, bob, protocol.TypePaired)
	wsExpect(t, alice, protocol.TypeSystem)
	wsExpect(t, bob, protocol.TypeSystem)

	wsSend(t, alice, protocol.ClientMessage{Type: protocol.TypeMessage, Text: "over the wire"})
	echoA := wsExpect(t, alice, protocol.TypeMessage)
	echoB := wsExpect(t, bob, protocol.TypeMessage)
	if echoA.Text != "over the wire" || echoB.From != "alice" {
		t.Fatalf("relay mismatch: %+v / %+v", echoA, echoB)
	}

	wsSend(t, alice, protocol.ClientMessage{Type: protocol.TypeLeave})
	sys := wsExpect(t, bob, protocol.TypeSystem)
	if sys.SystemKind != protocol.SystemUserLeft {
		t.Fatalf("expected user_left notice, got %+v", sys)
	}
	end := wsExpect(t, bob, protocol.TypeSessionEnd)
	if end.Reason != string(protocol.ReasonUserLeave) {
		t.Fatalf("expected user_leave, got %s", end.Reason)
	}
}

func TestWebSocketParseError(t *testing.T) {
	ts := newWSTestServer(t)

	conn := wsDial(t, ts)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	frame := wsExpect(t, conn, protocol.TypeError)
	if frame.Code != protocol.CodeParseError {
		t.Fatalf("expected PARSE_ERROR, got %+v", frame)
	}

	// The connection survives a bad frame.
	wsSend(t, conn, protocol.ClientMessage{Type: protocol.TypeHello, Nickname: "alice"})
	wsExpect(t, conn, protocol.TypeHelloOK)
}

func TestWebSocketDisconnectCascade(t *testing.T) {
	ts := newWSTestServer(t)

	alice := wsDial(t, ts)
	bob := wsDial(t, ts)

	wsSend(t, alice, protocol.ClientMessage{Type: protocol.TypeHello, Nickname: "alice"})
	wsExpect(t, alice, protocol.TypeHelloOK)
	wsSend(t, bob, protocol.ClientMessage{Type: protocol.TypeHello, Nickname: "bob"})
	wsExpect(t, bob, protocol.TypeHelloOK)

	wsSend(t, alice, protocol.ClientMessage{Type: protocol.TypeConnect, TargetNickname: "bob"})
	wsExpect(t, alice, protocol.TypeWaiting)
	incoming := wsExpect(t, bob, protocol.TypeIncomingRequest)
	wsSend(t, bob, protocol.ClientMessage{Type: protocol.TypeConnectAccept, RequestID: incoming.RequestID})
	wsExpect(t, alice, protocol.TypePaired)
	wsExpect(t, bob, protocol.TypePaired)
	wsExpect(t, alice, protocol.TypeSystem)
	wsExpect(t, bob, protocol.TypeSystem)

	alice.Close()

	sys := wsExpect(t, bob, protocol.TypeSystem)
	if sys.SystemKind != protocol.SystemPeerDisconnected {
		t.Fatalf("expected peer_disconnected notice, got %+v", sys)
	}
	end := wsExpect(t, bob, protocol.TypeSessionEnd)
	if end.Reason != string(protocol.ReasonPeerDisconnected) {
		t.Fatalf("expected peer_disconnected, got %s", end.Reason)
	}
}

func TestUpgraderOriginAllowList(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "https://evil.example", true},
		{"wildcard allows all", []string{"*"}, "https://evil.example", true},
		{"listed origin passes", []string{"https://chat.example"}, "https://chat.example", true},
		{"unlisted origin rejected", []string{"https://chat.example"}, "https://evil.example", false},
		{"no origin header passes", []string{"https://chat.example"}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := makeUpgrader(tc.allowed)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := up.CheckOrigin(req); got != tc.want {
				t.Fatalf("CheckOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

// --- helpers ---

func newWSTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	br := broker.New(log, broker.Options{})
	ts := httptest.NewServer(NewWSHandler(ctx, log, br, WSOptions{}))
	t.Cleanup(ts.Close)
	return ts
}

func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("send %s: %v", msg.Type, err)
	}
}

func wsExpect(t *testing.T, conn *websocket.Conn, wantType string) protocol.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg protocol.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read while waiting for %s: %v", wantType, err)
	}
	if msg.Type != wantType {
		t.Fatalf("expected %s frame, got %+v", wantType, msg)
	}
	return msg
}
