/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package pushbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds the configuration for the push channel client
type Config struct {
	URL                         string        // Websocket endpoint of the push service
	HandshakeTimeout            time.Duration // Timeout for the websocket handshake
	AuthTimeout                 time.Duration // Timeout for the authorization reply
	PingInterval                time.Duration // Interval between ping messages
	PongTimeout                 time.Duration // Grace period for a pong after a ping
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Reconnect attempts before giving up
	InitialConnectionMaxRetries int           // Attempts before giving up on the first connection
}

// DefaultConfig returns the default configuration for the push channel client
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:            10 * time.Second,
		AuthTimeout:                 15 * time.Second,
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  10,
		InitialConnectionMaxRetries: 5,
	}
}

// TokenSource supplies the bearer token for each connection attempt.
type TokenSource interface {
	AccessToken() string
}

// EventHandler is a function that handles a push event
type EventHandler func(event *Event)

// Event is one message delivered on a subscribed channel.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Name      string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// EventType is the dispatch key: Name when present, otherwise Channel.
	EventType string `json:"-"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.EventType)
	}
	return json.Unmarshal(e.Data, v)
}

type controlMessage struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Client is the push channel client. Subscriptions survive reconnects: every
// new connection replays the full subscription set after authorization.
type Client struct {
	tokens TokenSource
	config *Config
	logger *zerolog.Logger
	dialer websocket.Dialer

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	connected     bool
	connecting    bool
	hasConnected  bool
	closeCh       chan struct{}
	eventHandlers map[string][]EventHandler
	subscriptions map[string]struct{}

	lastPong atomic.Int64
}

// New creates a new push channel client
func New(tokens TokenSource, config *Config, logger *zerolog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Client{
		tokens:        tokens,
		config:        config,
		logger:        logger,
		dialer:        websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		closeCh:       make(chan struct{}),
		eventHandlers: make(map[string][]EventHandler),
		subscriptions: make(map[string]struct{}),
	}
}

// SetURL overrides the configured websocket endpoint.
func (c *Client) SetURL(url string) {
	c.mu.Lock()
	c.config.URL = url
	c.mu.Unlock()
}

// Connect establishes the websocket connection, retrying with backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	if c.config.URL == "" {
		c.mu.Unlock()
		return fmt.Errorf("no push channel URL configured")
	}
	c.connecting = true
	maxRetries := c.config.MaxRetries
	if !c.hasConnected {
		maxRetries = c.config.InitialConnectionMaxRetries
	}
	closeCh := c.closeCh
	c.mu.Unlock()

	return c.connectWithBackoff(ctx, closeCh, maxRetries)
}

// Disconnect closes the connection and stops reconnecting. Subscriptions and
// handlers are kept for a later Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	close(c.closeCh)
	c.closeCh = make(chan struct{})
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected by client"))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if wasConnected {
		c.dispatchEvent(&Event{EventType: EventDisconnected})
	}
	return nil
}

// IsConnected returns whether the client currently holds a live connection
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// On registers an event handler for a channel or event type. "*" receives
// every event.
func (c *Client) On(eventType string, handler EventHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
	c.mu.Unlock()
}

// Off removes one handler for an event type
func (c *Client) Off(eventType string, handler EventHandler) {
	if handler == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handlers := c.eventHandlers[eventType]
	handlerPtr := fmt.Sprintf("%p", handler)
	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == handlerPtr {
			c.eventHandlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(c.eventHandlers[eventType]) == 0 {
		delete(c.eventHandlers, eventType)
	}
}

// ClearHandlers removes all handlers for an event type
func (c *Client) ClearHandlers(eventType string) {
	c.mu.Lock()
	delete(c.eventHandlers, eventType)
	c.mu.Unlock()
}

// Subscribe adds channels to the subscription set and sends the subscribe
// frames if connected. Already subscribed channels are skipped.
func (c *Client) Subscribe(channels ...string) error {
	var added []string
	c.mu.Lock()
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, ok := c.subscriptions[ch]; ok {
			continue
		}
		c.subscriptions[ch] = struct{}{}
		added = append(added, ch)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.sendControl(conn, "subscribe", added)
}

// Unsubscribe removes channels from the subscription set.
func (c *Client) Unsubscribe(channels ...string) error {
	var removed []string
	c.mu.Lock()
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; ok {
			delete(c.subscriptions, ch)
			removed = append(removed, ch)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.sendControl(conn, "unsubscribe", removed)
}

// Subscriptions returns the current subscription set, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *Client) sendControl(conn *websocket.Conn, kind string, channels []string) error {
	for _, ch := range channels {
		msg := controlMessage{ID: uuid.NewString(), Type: kind, Channel: ch}
		if err := c.writeJSON(conn, msg); err != nil {
			return fmt.Errorf("failed to %s %s: %w", kind, ch, err)
		}
	}
	return nil
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) connectWithBackoff(ctx context.Context, closeCh chan struct{}, maxRetries int) error {
	backoff := c.config.BackoffTimeReset

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = c.attemptConnection(ctx, closeCh); err == nil {
			return nil
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("push channel connection failed")
		if attempt == maxRetries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff *= 2
			if backoff > c.config.BackoffTimeMax {
				backoff = c.config.BackoffTimeMax
			}
		case <-closeCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", maxRetries+1, err)
}

func (c *Client) attemptConnection(ctx context.Context, closeCh chan struct{}) error {
	c.mu.Lock()
	wsURL := c.config.URL
	c.mu.Unlock()

	token := ""
	if c.tokens != nil {
		token = c.tokens.AccessToken()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("TrackingID", "agentphone_"+uuid.NewString())

	conn, _, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	if err := c.authenticate(conn, token); err != nil {
		conn.Close()
		return err
	}

	c.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	c.mu.Lock()
	select {
	case <-closeCh:
		c.mu.Unlock()
		conn.Close()
		return nil
	default:
	}
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.hasConnected = true
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	sort.Strings(channels)
	if err := c.sendControl(conn, "subscribe", channels); err != nil {
		c.logger.Error().Err(err).Msg("failed to replay subscriptions")
	}

	done := make(chan struct{})
	go c.listen(conn, done)
	go c.keepAlive(conn, closeCh, done)

	c.logger.Info().Str("url", wsURL).Int("channels", len(channels)).Msg("push channel connected")
	c.dispatchEvent(&Event{EventType: EventConnected})
	return nil
}

// authenticate sends the token and waits for the server's verdict.
func (c *Client) authenticate(conn *websocket.Conn, token string) error {
	msg := controlMessage{
		ID:   uuid.NewString(),
		Type: "authorization",
		Data: map[string]string{"token": token},
	}
	if err := c.writeJSON(conn, msg); err != nil {
		return fmt.Errorf("failed to send auth message: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.config.AuthTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		var reply Event
		if err := conn.ReadJSON(&reply); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			return fmt.Errorf("error reading auth response: %w", err)
		}
		switch reply.Type {
		case "authorized":
			return nil
		case "error":
			return fmt.Errorf("authorization failed: %s", string(reply.Data))
		}
	}
}

func (c *Client) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(conn, err)
			return
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed push message")
			continue
		}
		c.processEvent(&event)
	}
}

func (c *Client) processEvent(event *Event) {
	switch event.Type {
	case "", "event":
	default:
		// acks, pongs and other control replies
		return
	}
	event.EventType = event.Name
	if event.EventType == "" {
		event.EventType = event.Channel
	}
	if event.EventType == "" {
		return
	}
	c.dispatchEvent(event)
}

// dispatchEvent runs handlers on the reader goroutine so events of one
// connection reach handlers in arrival order.
func (c *Client) dispatchEvent(event *Event) {
	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.eventHandlers[event.EventType]...)
	if event.Channel != "" && event.Channel != event.EventType {
		handlers = append(handlers, c.eventHandlers[event.Channel]...)
	}
	handlers = append(handlers, c.eventHandlers["*"]...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (c *Client) handleConnectionError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	closeCh := c.closeCh
	select {
	case <-closeCh:
		c.mu.Unlock()
		return
	default:
	}
	c.connecting = true
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn().Err(err).Msg("push channel lost, reconnecting")
	c.dispatchEvent(&Event{EventType: EventDisconnected})

	go func() {
		if err := c.connectWithBackoff(context.Background(), closeCh, c.config.MaxRetries); err != nil {
			c.logger.Error().Err(err).Msg("push channel reconnect gave up")
		}
	}()
}

// keepAlive pings on PingInterval and closes the connection when no pong
// arrived within PingInterval+PongTimeout. The reader then reconnects.
func (c *Client) keepAlive(conn *websocket.Conn, closeCh, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastPong.Load())
			if time.Since(last) > c.config.PingInterval+c.config.PongTimeout {
				c.logger.Warn().Time("last_pong", last).Msg("push channel pong timeout")
				conn.Close()
				return
			}
			deadline := time.Now().Add(c.config.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte(uuid.NewString()), deadline); err != nil {
				conn.Close()
				return
			}
		case <-closeCh:
			return
		case <-done:
			return
		}
	}
}
