package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabsync/backend/internal/ws"
)

// ErrAuthRejected means the server refused this client's credentials at the
// upgrade. Redialing with the same token cannot succeed, so the manager
// treats it as terminal instead of backing off and retrying.
var ErrAuthRejected = errors.New("authentication rejected")

// Transport is one established connection to the sync server. Send must be
// safe for concurrent use; Receive is called from a single goroutine.
type Transport interface {
	Send(msg ws.ClientMessage) error
	Receive() (ws.ServerMessage, error)
	Close() error
}

// Dialer opens transports. The manager redials through it on every reconnect
// attempt, so a dialer must be reusable.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebsocketDialer dials the server's /collab/ws endpoint, passing the access
// token as a query parameter because browser websocket clients cannot set an
// Authorization header.
type WebsocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL   string
	Token string
	// HandshakeTimeout bounds the dial; zero means 10s.
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := d.URL
	if d.Token != "" {
		endpoint += "?token=" + url.QueryEscape(d.Token)
	}
	wd := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := wd.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(msg ws.ClientMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Receive() (ws.ServerMessage, error) {
	var msg ws.ServerMessage
	err := t.conn.ReadJSON(&msg)
	return msg, err
}

func (t *wsTransport) Close() error { return t.conn.Close() }
