// Package socketio provides the Socket.IO data connection plugin.
//
// The transport is a plain WebSocket (gorilla/websocket) speaking the
// Engine.IO v4 text framing: "0" open, "2"/"3" ping/pong, "40" namespace
// connect, "42" event. That is the entire surface this connection needs;
// binary attachments and HTTP long-polling are not supported.
package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/unsinfra-organization/unsbroker/broker/connection"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// ConnectionType is the registry key for this plugin.
const ConnectionType = "socketio"

// Config is the typed options document for a Socket.IO connection.
type Config struct {
	ServerURL   string `json:"server_url"`
	Namespace   string `json:"namespace,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	// ReconnectMaxSeconds caps the reconnect backoff. Zero disables
	// automatic reconnect.
	ReconnectMaxSeconds int `json:"reconnect_max_seconds"`
}

// eventPayload is the JSON shape expected as the event argument. A payload
// without a topic falls back to the event name.
type eventPayload struct {
	Topic     string         `json:"topic,omitempty"`
	Value     any            `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Quality   string         `json:"quality,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Connection is the Socket.IO DataConnection variant.
type Connection struct {
	id     string
	name   string
	cfg    *Config
	logger logging.Logger

	conn     *websocket.Conn
	events   map[string]struct{} // event names from inputs; empty accepts all
	outputs  map[string]model.OutputSpec
	dataCb   connection.DataCallback
	statusCb connection.StatusCallback
	status   model.ConnectionStatus
	stopCh   chan struct{}
	running  bool
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func newConnection(id, name string, cfg *Config, logger logging.Logger) *Connection {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Connection{
		id:      id,
		name:    name,
		cfg:     cfg,
		logger:  logger,
		events:  make(map[string]struct{}),
		outputs: make(map[string]model.OutputSpec),
		status:  model.StatusDisconnected,
	}
}

// =============================================================================
// CAPABILITY SURFACE
// =============================================================================

// Validate checks the typed configuration without touching the network.
func (c *Connection) Validate() error {
	if c.cfg.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url scheme %q is not supported", u.Scheme)
	}
	return nil
}

// Initialize is a no-op; the websocket is dialed in Start.
func (c *Connection) Initialize(ctx context.Context) error {
	return nil
}

// ConfigureInput registers one event name to listen for. Options: "event"
// (defaults to the input name).
func (c *Connection) ConfigureInput(ctx context.Context, input model.InputSpec) error {
	event := input.Options["event"]
	if event == "" {
		event = input.Name
	}
	if event == "" {
		return fmt.Errorf("input %s has no event name", input.ID)
	}
	c.mu.Lock()
	c.events[event] = struct{}{}
	c.mu.Unlock()
	return nil
}

// ConfigureOutput records an emit target. Options: "event" (defaults to the
// output name).
func (c *Connection) ConfigureOutput(ctx context.Context, output model.OutputSpec) error {
	c.mu.Lock()
	c.outputs[output.ID] = output
	c.mu.Unlock()
	return nil
}

// Start dials the server and launches the read loop.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.setStatus(model.StatusConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.setStatus(model.StatusError)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(model.StatusConnected)

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Stop closes the websocket and waits for the read loop to exit.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.setStatus(model.StatusDisconnected)
		return nil
	}
	c.running = false
	close(c.stopCh)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.setStatus(model.StatusStopping)
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.setStatus(model.StatusDisconnected)
	return nil
}

// Send emits a datapoint as a Socket.IO event.
func (c *Connection) Send(ctx context.Context, dp *model.DataPoint, outputID string) error {
	c.mu.Lock()
	conn := c.conn
	event := dp.Topic
	if outputID != "" {
		output, ok := c.outputs[outputID]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("unknown output %s", outputID)
		}
		if e := output.Options["event"]; e != "" {
			event = e
		} else if output.Name != "" {
			event = output.Name
		}
	}
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("connection %s is not connected", c.id)
	}

	ts := dp.Timestamp
	body, err := json.Marshal([]any{event, eventPayload{
		Topic:     dp.Topic,
		Value:     dp.Value,
		Timestamp: &ts,
		Quality:   string(dp.Quality),
		Metadata:  dp.Metadata,
	}})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event, err)
	}
	return conn.WriteMessage(websocket.TextMessage, append([]byte("42"), body...))
}

// Status returns the current connection status.
func (c *Connection) Status() model.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetDataCallback registers the datapoint sink.
func (c *Connection) SetDataCallback(cb connection.DataCallback) {
	c.mu.Lock()
	c.dataCb = cb
	c.mu.Unlock()
}

// SetStatusCallback registers the status sink.
func (c *Connection) SetStatusCallback(cb connection.StatusCallback) {
	c.mu.Lock()
	c.statusCb = cb
	c.mu.Unlock()
}

// Close releases all resources.
func (c *Connection) Close() error {
	return c.Stop(context.Background())
}

// =============================================================================
// TRANSPORT
// =============================================================================

// dial opens the websocket and completes the Engine.IO/Socket.IO handshake.
func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := websocketURL(c.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	// Engine.IO open frame ("0{...}") then namespace connect ("40").
	if _, _, err := conn.ReadMessage(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("engine.io handshake: %w", err)
	}
	ns := ""
	if c.cfg.Namespace != "" && c.cfg.Namespace != "/" {
		ns = c.cfg.Namespace + ","
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+ns)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("namespace connect: %w", err)
	}
	return conn, nil
}

// websocketURL converts the configured server URL to the Engine.IO
// websocket endpoint.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.Contains(u.Path, "/socket.io") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop consumes frames until stop, reconnecting on failure when
// configured.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Warn("socketio_read_failed", "connection_id", c.id, "error", err.Error())
			c.setStatus(model.StatusError)
			if !c.reconnect() {
				return
			}
			continue
		}
		c.handleFrame(conn, data)
	}
}

// reconnect re-dials with exponential backoff until success or stop.
func (c *Connection) reconnect() bool {
	if c.cfg.ReconnectMaxSeconds <= 0 {
		return false
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = time.Duration(c.cfg.ReconnectMaxSeconds) * time.Second
	policy.MaxElapsedTime = 0 // retry until stopped

	for {
		wait := policy.NextBackOff()
		select {
		case <-c.stopCh:
			return false
		case <-time.After(wait):
		}

		c.setStatus(model.StatusConnecting)
		conn, err := c.dial(context.Background())
		if err != nil {
			c.logger.Warn("socketio_reconnect_failed", "connection_id", c.id, "error", err.Error())
			c.setStatus(model.StatusError)
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setStatus(model.StatusConnected)
		c.logger.Info("socketio_reconnected", "connection_id", c.id)
		return true
	}
}

// handleFrame dispatches one Engine.IO text frame.
func (c *Connection) handleFrame(conn *websocket.Conn, data []byte) {
	frame := string(data)
	switch {
	case frame == "2": // ping
		_ = conn.WriteMessage(websocket.TextMessage, []byte("3"))
	case strings.HasPrefix(frame, "42"):
		c.handleEvent(frame[2:])
	}
}

// handleEvent decodes a `["event", payload]` message into a DataPoint.
func (c *Connection) handleEvent(body string) {
	// Strip a namespace prefix like "/telemetry,".
	if strings.HasPrefix(body, "/") {
		if idx := strings.Index(body, ","); idx >= 0 {
			body = body[idx+1:]
		}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil || len(raw) == 0 {
		c.logger.Debug("socketio_event_undecodable", "connection_id", c.id)
		return
	}
	var event string
	if err := json.Unmarshal(raw[0], &event); err != nil {
		return
	}

	c.mu.Lock()
	cb := c.dataCb
	_, wanted := c.events[event]
	filterActive := len(c.events) > 0
	c.mu.Unlock()
	if cb == nil || (filterActive && !wanted) {
		return
	}

	var payload eventPayload
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &payload); err != nil {
			payload = eventPayload{Value: string(raw[1])}
		}
	}

	topic := payload.Topic
	if topic == "" {
		topic = event
	}
	if c.cfg.TopicPrefix != "" {
		topic = strings.TrimSuffix(c.cfg.TopicPrefix, "/") + "/" + strings.TrimPrefix(topic, "/")
	}

	dp := &model.DataPoint{
		Topic:     topic,
		Value:     payload.Value,
		Timestamp: time.Now().UTC(),
		Source:    c.name,
		Quality:   model.QualityGood,
	}
	if payload.Timestamp != nil {
		dp.Timestamp = payload.Timestamp.UTC()
	}
	if payload.Quality != "" {
		dp.Quality = model.Quality(payload.Quality)
	}
	dp.Metadata = payload.Metadata

	cb(dp)
}

// setStatus flips the status under the mutex and fires the callback
// outside it.
func (c *Connection) setStatus(newStatus model.ConnectionStatus) {
	c.mu.Lock()
	oldStatus := c.status
	if oldStatus == newStatus {
		c.mu.Unlock()
		return
	}
	c.status = newStatus
	cb := c.statusCb
	c.mu.Unlock()
	if cb != nil {
		cb(oldStatus, newStatus)
	}
}

var _ connection.DataConnection = (*Connection)(nil)
