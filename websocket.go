package authstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// WebSocket Transport
// ============================================================================

// wsEnvelope is the wire format of a server-pushed WebSocket message.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	ID    string          `json:"id,omitempty"`
}

// WSTransport receives events over a WebSocket. The socket is used one-way:
// the client never writes application messages.
type WSTransport struct {
	URL            string
	HTTPClient     *http.Client
	CredentialMode CredentialMode
	QueryParam     string // defaults to "token"
	Header         http.Header
	ReadLimit      int64 // max message size, defaults to 1 MiB
}

// Open dials in the background and returns immediately.
func (t *WSTransport) Open(ctx context.Context, credential string) (Conn, error) {
	u, err := t.dialURL(credential)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, vs := range t.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if t.CredentialMode == CredentialHeader {
		header.Set("Authorization", "Bearer "+credential)
	}

	opts := &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	}

	limit := t.ReadLimit
	if limit <= 0 {
		limit = maxFrameBytes
	}

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c := &wsConn{
		cancel: cancel,
		done:   done,
		out:    emitter{events: make(chan TransportEvent, 64), done: done},
	}
	go c.run(connCtx, u, opts, limit)
	return c, nil
}

func (t *WSTransport) dialURL(credential string) (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	if t.CredentialMode == CredentialQuery {
		param := t.QueryParam
		if param == "" {
			param = defaultQueryParam
		}
		q := u.Query()
		q.Set(param, credential)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type wsConn struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	out       emitter

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Events() <-chan TransportEvent {
	return c.out.events
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			go conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}
		c.cancel()
	})
	return nil
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) run(ctx context.Context, u string, opts *websocket.DialOptions, limit int64) {
	defer close(c.out.events)
	defer c.cancel()

	conn, resp, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		if c.closed() {
			return
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			err = &HTTPStatusError{StatusCode: resp.StatusCode}
		}
		c.out.send(TransportEvent{Kind: TransportErr, Err: fmt.Errorf("websocket dial: %w", err)})
		return
	}
	conn.SetReadLimit(limit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if !c.out.send(TransportEvent{Kind: TransportReady}) {
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if c.closed() {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.out.send(TransportEvent{Kind: TransportClosed, Err: ErrStreamEnded})
			default:
				c.out.send(TransportEvent{Kind: TransportErr, Err: fmt.Errorf("websocket read: %w", err)})
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !c.out.send(TransportEvent{Kind: TransportFrame, Frame: decodeWSFrame(data)}) {
			return
		}
	}
}

// decodeWSFrame maps a text message to a frame. Messages that are not an
// envelope are passed through as "message" frames so the parser can degrade
// them.
func decodeWSFrame(data []byte) RawFrame {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		return RawFrame{EventType: EventNameMessage, Data: string(data)}
	}

	payload := string(env.Data)
	var s string
	if len(env.Data) > 0 && env.Data[0] == '"' && json.Unmarshal(env.Data, &s) == nil {
		payload = s
	}
	return RawFrame{EventType: env.Event, Data: payload, ID: env.ID}
}
