package authstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// collect drains a connection until its event channel closes.
func collect(t *testing.T, conn Conn) []TransportEvent {
	t.Helper()
	var out []TransportEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
			return out
		}
	}
}

func kinds(events []TransportEvent) []TransportEventKind {
	out := make([]TransportEventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	flusher := w.(http.Flusher)
	for _, c := range chunks {
		io.WriteString(w, c)
		flusher.Flush()
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

// ============================================================================
// SSE Decoder
// ============================================================================

func TestSSEDecoder(t *testing.T) {
	input := strings.Join([]string{
		": connected",
		"",
		"event: message",
		"data: {\"a\":1}",
		"",
		"event: heartbeat",
		"data: {}",
		"",
		"id: 7",
		"data: line one",
		"data: line two",
		"",
		"event: FORCE_LOGOUT\r",
		"data:{\"message\":\"bye\"}\r",
		"retry: 1000\r",
		"\r",
		"event: no-data",
		"",
		"event: message",
		"data: partial",
	}, "\n")

	dec := newSSEDecoder(strings.NewReader(input))
	want := []RawFrame{
		{EventType: "message", Data: `{"a":1}`},
		{EventType: "heartbeat", Data: "{}"},
		{Data: "line one\nline two", ID: "7"},
		{EventType: "FORCE_LOGOUT", Data: `{"message":"bye"}`},
	}

	var got []RawFrame
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, frame)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("frames = %#v\nwant %#v", got, want)
	}
}

func TestSSEDecoderLineTooLong(t *testing.T) {
	long := "data: " + strings.Repeat("x", maxFrameBytes+1) + "\n\n"
	_, err := newSSEDecoder(strings.NewReader(long)).Next()
	if err == nil || err == io.EOF {
		t.Fatalf("expected scanner error, got %v", err)
	}
}

// ============================================================================
// SSE Transport
// ============================================================================

func TestSSETransportHeaderCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "bad accept", http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Client") != "test" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		sseHeaders(w)
		writeSSE(w,
			"event: message\ndata: {\"course\":\"bio\"}\n\n",
			"event: heartbeat\ndata: {}\n\n",
		)
	}))
	defer srv.Close()

	tr := &SSETransport{URL: srv.URL, Header: http.Header{"X-Client": {"test"}}}
	conn, err := tr.Open(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	events := collect(t, conn)
	wantKinds := []TransportEventKind{TransportReady, TransportFrame, TransportFrame, TransportClosed}
	if !reflect.DeepEqual(kinds(events), wantKinds) {
		t.Fatalf("kinds = %v, want %v", kinds(events), wantKinds)
	}
	if f := events[1].Frame; f.EventType != "message" || f.Data != `{"course":"bio"}` {
		t.Errorf("frame = %+v", f)
	}
	if !errors.Is(events[3].Err, ErrStreamEnded) {
		t.Errorf("close err = %v", events[3].Err)
	}
	if events[1].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
}

func TestSSETransportQueryCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok 2" || r.Header.Get("Authorization") != "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("keep") != "1" {
			http.Error(w, "lost query", http.StatusBadRequest)
			return
		}
		sseHeaders(w)
		writeSSE(w, "data: 1\n\n")
	}))
	defer srv.Close()

	tr := &SSETransport{URL: srv.URL + "/stream?keep=1", CredentialMode: CredentialQuery}
	conn, err := tr.Open(context.Background(), "tok 2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	events := collect(t, conn)
	if got := kinds(events); !reflect.DeepEqual(got, []TransportEventKind{TransportReady, TransportFrame, TransportClosed}) {
		t.Fatalf("kinds = %v", got)
	}
}

func TestSSETransportHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	conn, err := (&SSETransport{URL: srv.URL}).Open(context.Background(), "old")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := collect(t, conn)
	if len(events) != 1 || events[0].Kind != TransportErr {
		t.Fatalf("events = %+v", events)
	}
	var httpErr *HTTPStatusError
	if !errors.As(events[0].Err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 HTTPStatusError", events[0].Err)
	}
	if httpErr.Body != "token expired" {
		t.Errorf("body = %q", httpErr.Body)
	}
}

func TestSSETransportRejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com/stream", "://bad"} {
		if _, err := (&SSETransport{URL: u}).Open(context.Background(), "tok"); err == nil {
			t.Errorf("Open(%q) should fail", u)
		}
	}
}

func TestSSETransportCloseStopsStream(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeSSE(w, ": open\n\n")
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	conn, err := (&SSETransport{URL: srv.URL}).Open(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ev := <-conn.Events(); ev.Kind != TransportReady {
		t.Fatalf("first event = %s, want ready", ev.Kind)
	}
	conn.Close()

	events := collect(t, conn)
	if len(events) != 0 {
		t.Errorf("events after Close = %v", kinds(events))
	}
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("server request was not cancelled")
	}
}

// ============================================================================
// End to end
// ============================================================================

func TestStreamManagerOverSSE(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		sseHeaders(w)
		if n == 1 {
			// First connection drops right after one event.
			writeSSE(w, "event: message\ndata: {\"seq\":1}\n\n")
			return
		}
		writeSSE(w,
			"event: heartbeat\ndata: {}\n\n",
			"event: message\ndata: {\"seq\":2}\n\n",
			fmt.Sprintf("event: FORCE_LOGOUT\ndata: {\"message\":%q}\n\n", "Your account was logged in from another device."),
		)
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := NewStreamManager(&SSETransport{URL: srv.URL}, WithLogger(quietLogger()))
	defer m.Disconnect()

	var seqs []float64
	var logout string
	done := make(chan struct{})
	m.OnMessage(func(ev ParsedEvent) {
		if data, ok := ev.Data.(map[string]any); ok && ev.Type == EventMessage {
			seqs = append(seqs, data["seq"].(float64))
		}
	})
	m.OnForceLogout(func(msg string) { logout = msg })
	m.OnClose(func() { close(done) })

	cfg := &StreamConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxReconnectAttempts: 3}
	if err := m.Connect("tok", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not close, state = %s", m.State())
	}

	if !reflect.DeepEqual(seqs, []float64{1, 2}) {
		t.Errorf("seqs = %v", seqs)
	}
	if logout != "Your account was logged in from another device." {
		t.Errorf("logout message = %q", logout)
	}
	if m.State() != StateClosed {
		t.Errorf("state = %s", m.State())
	}
}
