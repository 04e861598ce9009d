package authstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ============================================================================
// SSE Transport
// ============================================================================

// CredentialMode selects how a transport presents the credential.
type CredentialMode int

const (
	// CredentialHeader sends "Authorization: Bearer <token>".
	CredentialHeader CredentialMode = iota
	// CredentialQuery appends the token as a query parameter.
	CredentialQuery
)

// ParseCredentialMode maps "header" / "query" to a CredentialMode.
func ParseCredentialMode(s string) (CredentialMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "header":
		return CredentialHeader, nil
	case "query":
		return CredentialQuery, nil
	default:
		return CredentialHeader, fmt.Errorf("unknown credential mode %q (valid: header, query)", s)
	}
}

func (m CredentialMode) String() string {
	if m == CredentialQuery {
		return "query"
	}
	return "header"
}

const (
	defaultQueryParam = "token"
	maxFrameBytes     = 1 << 20
)

// HTTPStatusError is reported when the stream endpoint answers with a
// non-200 status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("SSE HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("SSE HTTP %d: %s", e.StatusCode, e.Body)
}

// SSETransport opens text/event-stream connections over HTTP.
type SSETransport struct {
	URL            string
	HTTPClient     *http.Client // must not set a Timeout; streams are long-lived
	CredentialMode CredentialMode
	QueryParam     string      // defaults to "token"
	Header         http.Header // extra request headers
}

// Open issues the GET request in the background and returns immediately.
func (t *SSETransport) Open(ctx context.Context, credential string) (Conn, error) {
	u, err := t.streamURL(credential)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.CredentialMode == CredentialHeader {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	done := make(chan struct{})
	c := &sseConn{
		cancel: cancel,
		done:   done,
		out:    emitter{events: make(chan TransportEvent, 64), done: done},
	}
	go c.run(client, req)
	return c, nil
}

func (t *SSETransport) streamURL(credential string) (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
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

type sseConn struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	out       emitter
}

func (c *sseConn) Events() <-chan TransportEvent {
	return c.out.events
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}

func (c *sseConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *sseConn) run(client *http.Client, req *http.Request) {
	defer close(c.out.events)
	defer c.cancel()

	resp, err := client.Do(req)
	if err != nil {
		if !c.closed() {
			c.out.send(TransportEvent{Kind: TransportErr, Err: fmt.Errorf("SSE connect: %w", err)})
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.out.send(TransportEvent{Kind: TransportErr, Err: &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}})
		return
	}

	if !c.out.send(TransportEvent{Kind: TransportReady}) {
		return
	}

	dec := newSSEDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err != nil {
			if c.closed() {
				return
			}
			if err == io.EOF {
				c.out.send(TransportEvent{Kind: TransportClosed, Err: ErrStreamEnded})
			} else {
				c.out.send(TransportEvent{Kind: TransportErr, Err: fmt.Errorf("SSE read: %w", err)})
			}
			return
		}
		if !c.out.send(TransportEvent{Kind: TransportFrame, Frame: frame}) {
			return
		}
	}
}

// ============================================================================
// SSE Decoder
// ============================================================================

// sseDecoder turns a text/event-stream body into frames. Comment lines are
// skipped; fields other than event, data and id are ignored.
type sseDecoder struct {
	scanner *bufio.Scanner
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &sseDecoder{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// A partial event at end of stream is discarded.
func (d *sseDecoder) Next() (RawFrame, error) {
	var (
		frame   RawFrame
		data    strings.Builder
		hasData bool
	)

	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")

		if line == "" {
			if !hasData {
				frame = RawFrame{}
				continue
			}
			frame.Data = strings.TrimSuffix(data.String(), "\n")
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			frame.EventType = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			frame.ID = value
		}
	}

	if err := d.scanner.Err(); err != nil {
		return RawFrame{}, err
	}
	return RawFrame{}, io.EOF
}
