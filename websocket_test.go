package authstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockWSServer accepts one socket per request and hands it to serve.
func mockWSServer(t *testing.T, authorize func(*http.Request) bool, serve func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorize(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.ReadMessage()
}

// ============================================================================
// WebSocket Transport
// ============================================================================

func TestWSTransportHeaderCredential(t *testing.T) {
	srv := mockWSServer(t,
		func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer tok" },
		func(conn *websocket.Conn) {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"message","data":{"a":1},"id":"9"}`))
			conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
			conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat","data":{}}`))
			closeNormally(conn)
		})

	conn, err := (&WSTransport{URL: wsURL(srv)}).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	events := collect(t, conn)
	want := []TransportEventKind{TransportReady, TransportFrame, TransportFrame, TransportClosed}
	if !reflect.DeepEqual(kinds(events), want) {
		t.Fatalf("kinds = %v, want %v", kinds(events), want)
	}
	if got := events[1].Frame; got != (RawFrame{EventType: "message", Data: `{"a":1}`, ID: "9"}) {
		t.Errorf("frame = %+v", got)
	}
	if events[2].Frame.EventType != "heartbeat" {
		t.Errorf("second frame = %+v", events[2].Frame)
	}
	if !errors.Is(events[3].Err, ErrStreamEnded) {
		t.Errorf("close err = %v", events[3].Err)
	}
}

func TestWSTransportQueryCredentialFromHTTPURL(t *testing.T) {
	srv := mockWSServer(t,
		func(r *http.Request) bool { return r.URL.Query().Get("access") == "tok" },
		func(conn *websocket.Conn) { closeNormally(conn) })

	tr := &WSTransport{URL: srv.URL, CredentialMode: CredentialQuery, QueryParam: "access"}
	conn, err := tr.Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := collect(t, conn)
	if got := kinds(events); !reflect.DeepEqual(got, []TransportEventKind{TransportReady, TransportClosed}) {
		t.Fatalf("kinds = %v", got)
	}
}

func TestWSTransportHandshakeRejected(t *testing.T) {
	srv := mockWSServer(t, func(*http.Request) bool { return false }, func(*websocket.Conn) {})

	conn, err := (&WSTransport{URL: wsURL(srv)}).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := collect(t, conn)
	if len(events) != 1 || events[0].Kind != TransportErr {
		t.Fatalf("events = %+v", events)
	}
	var httpErr *HTTPStatusError
	if !errors.As(events[0].Err, &httpErr) || httpErr.StatusCode != http.StatusForbidden {
		t.Errorf("err = %v, want 403", events[0].Err)
	}
}

func TestWSTransportAbnormalClose(t *testing.T) {
	srv := mockWSServer(t,
		func(*http.Request) bool { return true },
		func(conn *websocket.Conn) {
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "oops")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		})

	conn, err := (&WSTransport{URL: wsURL(srv)}).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := collect(t, conn)
	if last := events[len(events)-1]; last.Kind != TransportErr {
		t.Errorf("last event = %s, want error", last.Kind)
	}
}

func TestWSTransportCloseFromClient(t *testing.T) {
	srv := mockWSServer(t,
		func(*http.Request) bool { return true },
		func(conn *websocket.Conn) {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		})

	conn, err := (&WSTransport{URL: wsURL(srv)}).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ev := <-conn.Events(); ev.Kind != TransportReady {
		t.Fatalf("first event = %s", ev.Kind)
	}
	conn.Close()
	if events := collect(t, conn); len(events) != 0 {
		t.Errorf("events after Close = %v", kinds(events))
	}
}

func TestWSTransportRejectsScheme(t *testing.T) {
	if _, err := (&WSTransport{URL: "ftp://example.com"}).Open(context.Background(), "tok"); err == nil {
		t.Error("expected scheme error")
	}
}

func TestDecodeWSFrame(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want RawFrame
	}{
		{"envelope object", `{"event":"FORCE_LOGOUT","data":{"message":"bye"}}`, RawFrame{EventType: "FORCE_LOGOUT", Data: `{"message":"bye"}`}},
		{"string data unquoted", `{"event":"message","data":"{\"x\":1}"}`, RawFrame{EventType: "message", Data: `{"x":1}`}},
		{"missing event", `{"type":"FORCE_LOGOUT","data":{}}`, RawFrame{EventType: "message", Data: `{"type":"FORCE_LOGOUT","data":{}}`}},
		{"plain text", `hello`, RawFrame{EventType: "message", Data: "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeWSFrame([]byte(tt.in)); got != tt.want {
				t.Errorf("decodeWSFrame() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
