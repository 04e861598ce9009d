// Package authstream is a resilient client for server-pushed account events.
//
// It keeps a long-lived SSE or WebSocket stream open, reconnects with
// bounded exponential backoff, and ends the local session when the server
// sends FORCE_LOGOUT.
//
// Example:
//
//	client := authstream.NewClient(token, authstream.WithBaseURL("https://api.example.com"))
//	stream, _ := client.NewStream(authstream.TransportSSE)
//
//	stream.OnMessage(func(ev authstream.ParsedEvent) { fmt.Println(ev.Name, ev.Data) })
//	stream.OnForceLogout(func(msg string) { clearSession(); showNotice(msg) })
//	stream.OnError(func(kind authstream.ErrorKind, err error) { log.Println(kind, err) })
//
//	if err := stream.Connect(client.Token(), nil); err != nil {
//		log.Fatal(err)
//	}
//	defer stream.Disconnect()
package authstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultSSEPath = "/api/v1/auth/sse/notifications/"
	DefaultWSPath  = "/ws/auth/notifications/"

	// DefaultTimeout bounds how long the server may take to answer a stream
	// request. It does not limit the lifetime of the stream.
	DefaultTimeout = 30 * time.Second
)

// TransportKind selects the wire protocol for a stream.
type TransportKind string

const (
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "ws"
)

// ParseTransportKind accepts "sse", "ws" or "websocket".
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sse":
		return TransportSSE, nil
	case "ws", "websocket":
		return TransportWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport %q (valid: sse, ws)", s)
	}
}

// ============================================================================
// Client
// ============================================================================

// Client knows where the notification endpoints live and how to
// authenticate against them. It builds transports and stream managers.
// SetToken and Token are safe for concurrent use.
type Client struct {
	mu    sync.RWMutex
	token string

	baseURL        string
	ssePath        string
	wsPath         string
	credentialMode CredentialMode
	header         http.Header
	httpClient     *http.Client
	logger         *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout sets how long to wait for the stream response headers. It
// works on a copy, so an HTTP client passed to WithHTTPClient is not
// modified.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		t, ok := base.(*http.Transport)
		if !ok {
			return
		}
		t = t.Clone()
		t.ResponseHeaderTimeout = timeout
		hc := *c.httpClient
		hc.Transport = t
		c.httpClient = &hc
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout must be zero, or the
// stream is cut off after that long.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithCredentialMode(mode CredentialMode) ClientOption {
	return func(c *Client) { c.credentialMode = mode }
}

func WithSSEPath(path string) ClientOption {
	return func(c *Client) { c.ssePath = path }
}

func WithWSPath(path string) ClientOption {
	return func(c *Client) { c.wsPath = path }
}

// WithHeader adds a header to every stream request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithClientLogger sets the logger handed to every stream the client builds.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the given credential. token may be empty
// and set later with SetToken.
func NewClient(token string, opts ...ClientOption) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = DefaultTimeout

	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		ssePath: DefaultSSEPath,
		wsPath:  DefaultWSPath,
		header:  http.Header{},
		httpClient: &http.Client{
			Transport: transport,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the credential, e.g. after a login or refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Endpoints and transports
// ============================================================================

// SSEURL returns the SSE notification endpoint.
func (c *Client) SSEURL() string {
	return c.baseURL + ensureLeadingSlash(c.ssePath)
}

// WSURL returns the WebSocket notification endpoint.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + ensureLeadingSlash(c.wsPath)
}

func (c *Client) SSETransport() *SSETransport {
	return &SSETransport{
		URL:            c.SSEURL(),
		HTTPClient:     c.httpClient,
		CredentialMode: c.credentialMode,
		Header:         c.header.Clone(),
	}
}

func (c *Client) WSTransport() *WSTransport {
	return &WSTransport{
		URL:            c.WSURL(),
		HTTPClient:     c.httpClient,
		CredentialMode: c.credentialMode,
		Header:         c.header.Clone(),
	}
}

// NewStream creates an idle StreamManager over the selected transport. Call
// Connect to start it.
func (c *Client) NewStream(kind TransportKind, opts ...ManagerOption) (*StreamManager, error) {
	var t Transport
	switch kind {
	case TransportSSE, "":
		t = c.SSETransport()
	case TransportWebSocket:
		t = c.WSTransport()
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}

	all := append([]ManagerOption{WithLogger(c.logger.With("transport", string(kind)))}, opts...)
	return NewStreamManager(t, all...), nil
}

func ensureLeadingSlash(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
