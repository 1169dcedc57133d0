package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types pushed by the engine.
const (
	EventStatus               = "status"
	EventExecutionStart       = "execution_start"
	EventExecuting            = "executing"
	EventProgress             = "progress"
	EventExecutionError       = "execution_error"
	EventExecutionInterrupted = "execution_interrupted"
	EventExecutionCached      = "execution_cached"
	EventExecutionSuccess     = "execution_success"
)

// Event is one JSON message from the engine's push channel.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventEnvelope struct {
	PromptID string          `json:"prompt_id"`
	Node     json.RawMessage `json:"node"`
	Value    float64         `json:"value"`
	Max      float64         `json:"max"`
}

func (e Event) envelope() eventEnvelope {
	var env eventEnvelope
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &env)
	}
	return env
}

// PromptID returns the prompt the event belongs to, or "" for global events.
func (e Event) PromptID() string {
	return e.envelope().PromptID
}

// Node returns the node an executing event refers to. finished is true when
// the engine sent node=null, meaning the prompt is done.
func (e Event) Node() (node string, finished bool) {
	env := e.envelope()
	raw := strings.TrimSpace(string(env.Node))
	if raw == "" || raw == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(env.Node, &s); err == nil {
		return s, false
	}
	return raw, false
}

// Progress returns the step counters of a progress event.
func (e Event) Progress() (value, max float64) {
	env := e.envelope()
	return env.Value, env.Max
}

// ErrorData decodes the payload of an execution_error event.
func (e Event) ErrorData() ErrorData {
	var d ErrorData
	_ = json.Unmarshal(e.Data, &d)
	return d
}

// EventsURL derives the websocket endpoint of the engine at base.
func EventsURL(base, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse engine url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("parse engine url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	if clientID != "" {
		u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	}
	return u.String(), nil
}

// DialTimeout bounds the websocket handshake.
const DialTimeout = 10 * time.Second

// EventConn is an owned, reference counted connection to the engine's push
// channel. Dial returns it with one reference held; the connection closes when
// the last reference is released.
type EventConn struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	stop   chan struct{}

	mu     sync.Mutex
	refs   int
	closed bool
	err    error
}

// Dial opens the push channel of the engine at base.
func Dial(ctx context.Context, base, clientID string) (*EventConn, error) {
	wsURL, err := EventsURL(base, clientID)
	if err != nil {
		return nil, err
	}
	origin := OriginOf(strings.TrimRight(base, "/"))
	header := http.Header{}
	header.Set("Origin", origin)
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		header.Set("Host", u.Host)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, unavailable("ws", err)
	}

	c := &EventConn{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		refs:   1,
	}
	go c.readLoop()
	return c, nil
}

// Events delivers decoded text messages. Binary preview frames are dropped.
// The channel is closed once the connection ends.
func (c *EventConn) Events() <-chan Event { return c.events }

// Done is closed after the read loop has stopped.
func (c *EventConn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil for a local close.
func (c *EventConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Acquire adds a reference. It returns false when the connection is already closed.
func (c *EventConn) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.refs++
	return true
}

// Release drops a reference and closes the connection when none remain.
func (c *EventConn) Release() {
	c.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	last := c.refs == 0
	c.mu.Unlock()
	if last {
		c.Close()
	}
}

// Refs returns the current reference count.
func (c *EventConn) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Close tears the connection down regardless of outstanding references.
func (c *EventConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.refs = 0
	c.mu.Unlock()
	close(c.stop)

	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

func (c *EventConn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed && !errors.Is(err, websocket.ErrCloseSent) {
				c.err = err
			}
			c.closed = true
			c.mu.Unlock()
			_ = c.conn.Close()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.stop:
			return
		}
	}
}
