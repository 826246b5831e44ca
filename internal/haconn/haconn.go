// Package haconn maintains the WebSocket connection to Home Assistant:
// authentication, event subscription, request/response correlation,
// and automatic reconnection with a fixed delay.
package haconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukepetko/mirai/internal/bus"
	"github.com/lukepetko/mirai/internal/normalize"
)

// State names the connector's position in its connect/auth/subscribe
// life cycle. Exposed for the health endpoint.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSubscribing    State = "subscribing"
	StateReady          State = "ready"
	StateBackoff        State = "backoff"
)

// reconnectDelay is fixed rather than exponential: a home automation
// controller that drops its connection is expected to come back
// quickly, and a constant retry cadence is easier to reason about for
// a system that otherwise has no other moving parts to back off.
const reconnectDelay = 5 * time.Second

const readTimeout = 30 * time.Second

// Connector owns the Home Assistant WebSocket connection.
type Connector struct {
	host  string
	token string
	tls   bool

	logger *slog.Logger
	bus    *bus.Bus

	connMu sync.Mutex
	conn   *websocket.Conn
	state  atomic.Value // State

	msgID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsResponse

	subscriptionsMu sync.Mutex
	subscriptions   []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// wsMessage is the generic Home Assistant WebSocket message envelope.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// New creates a Connector. host is a bare host:port, without scheme.
func New(host string, tls bool, token string, logger *slog.Logger, b *bus.Bus) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connector{
		host:    host,
		token:   token,
		tls:     tls,
		logger:  logger,
		bus:     b,
		pending: make(map[int64]chan wsResponse),
		stopCh:  make(chan struct{}),
	}
	c.setState(StateDisconnected)
	return c
}

// State returns the connector's current state.
func (c *Connector) State() State {
	return c.state.Load().(State)
}

func (c *Connector) setState(s State) {
	c.state.Store(s)
}

// Run connects and maintains the connection until ctx is canceled,
// reconnecting after reconnectDelay whenever the connection drops. An
// auth_invalid response is treated as fatal: Run returns the error
// immediately rather than retrying forever against a token that will
// never work.
func (c *Connector) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		if err == errAuthInvalid {
			c.setState(StateDisconnected)
			return fmt.Errorf("home assistant rejected the access token")
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.logger.Warn("home assistant connection lost, retrying", "error", err, "delay", reconnectDelay)
		c.setState(StateBackoff)

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

var errAuthInvalid = fmt.Errorf("auth_invalid")

func (c *Connector) connectAndServe(ctx context.Context) error {
	c.setState(StateConnecting)

	scheme := "ws"
	if c.tls {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.host, Path: "/api/websocket"}

	c.logger.Info("connecting to home assistant", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// The read loop must already be running while subscribing: it is
	// what delivers each subscribe result to the waiting Subscribe call.
	readErrCh := make(chan error, 1)
	go func() { readErrCh <- c.readLoop(conn) }()

	c.setState(StateSubscribing)
	if err := c.restoreSubscriptions(ctx); err != nil {
		c.logger.Error("failed to restore subscriptions", "error", err)
	}

	c.setState(StateReady)
	c.logger.Info("home assistant connection ready")

	readErr := <-readErrCh

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	return readErr
}

func (c *Connector) authenticate(conn *websocket.Conn) error {
	c.setState(StateAuthenticating)

	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if authResp.Type == "auth_invalid" {
		return errAuthInvalid
	}
	if authResp.Type != "auth_ok" {
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	c.logger.Info("home assistant authenticated")
	return nil
}

// Subscribe subscribes to an HA event type (e.g. "state_changed").
// The subscription is remembered and automatically restored on
// reconnect.
func (c *Connector) Subscribe(ctx context.Context, eventType string) error {
	id := c.msgID.Add(1)
	msg := map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": eventType,
	}
	if _, err := c.sendAndWait(ctx, id, msg); err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}

	c.subscriptionsMu.Lock()
	c.subscriptions = append(c.subscriptions, eventType)
	c.subscriptionsMu.Unlock()

	return nil
}

// CallService invokes domain.service with the given target and
// service data. Returns an error immediately if the connection is not
// currently ready, rather than queueing — the caller sees the drop and
// can retry through its own logic.
func (c *Connector) CallService(ctx context.Context, domain, service string, target map[string]any, data map[string]any) error {
	if c.State() != StateReady {
		return fmt.Errorf("call_service %s.%s dropped: connection not ready", domain, service)
	}

	id := c.msgID.Add(1)
	msg := map[string]any{
		"id":           id,
		"type":         "call_service",
		"domain":       domain,
		"service":      service,
		"service_data": data,
	}
	if target != nil {
		msg["target"] = target
	}

	_, err := c.sendAndWait(ctx, id, msg)
	return err
}

func (c *Connector) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(readTimeout):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

func (c *Connector) readLoop(conn *websocket.Conn) error {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("connection closed normally")
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event != nil && c.bus != nil {
				c.bus.Publish(bus.TopicHAEvents, normalize.HAEvent(msg.Event))
			}

		case "pong":
			// Keepalive acknowledgment; nothing to do.

		default:
			c.logger.Debug("unhandled home assistant message", "type", msg.Type)
		}
	}
}

// restoreSubscriptions re-issues all previously made subscriptions. It
// clears the tracked list before re-subscribing because Subscribe
// appends to it; without clearing, each reconnect would duplicate
// every prior entry.
func (c *Connector) restoreSubscriptions(ctx context.Context) error {
	c.subscriptionsMu.Lock()
	subs := make([]string, len(c.subscriptions))
	copy(subs, c.subscriptions)
	c.subscriptions = c.subscriptions[:0]
	c.subscriptionsMu.Unlock()

	if len(subs) == 0 {
		subs = []string{"state_changed"}
	}

	var firstErr error
	for _, eventType := range subs {
		if err := c.Subscribe(ctx, eventType); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close shuts down the current connection, if any.
func (c *Connector) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
