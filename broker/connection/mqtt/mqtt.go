package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/unsinfra-organization/unsbroker/broker/connection"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// subscription is one configured input: an MQTT topic filter with QoS.
type subscription struct {
	filter string
	qos    byte
}

// wirePayload is the JSON shape published and accepted on the wire.
// Non-JSON payloads are passed through as raw string values.
type wirePayload struct {
	Value     any            `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Quality   string         `json:"quality,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Connection is the MQTT DataConnection variant.
type Connection struct {
	id     string
	name   string
	cfg    *Config
	logger logging.Logger

	client        pahomqtt.Client
	subscriptions []subscription
	outputs       map[string]model.OutputSpec

	dataCb   connection.DataCallback
	statusCb connection.StatusCallback
	status   model.ConnectionStatus
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
		outputs: make(map[string]model.OutputSpec),
		status:  model.StatusDisconnected,
	}
}

// =============================================================================
// CAPABILITY SURFACE
// =============================================================================

// Validate checks the typed configuration without touching the network.
func (c *Connection) Validate() error {
	if c.cfg.BrokerURL == "" {
		return fmt.Errorf("broker_url is required")
	}
	if c.cfg.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", c.cfg.QoS)
	}
	return nil
}

// Initialize builds the Paho client. No network traffic yet.
func (c *Connection) Initialize(ctx context.Context) error {
	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "unsbroker-" + c.id
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(c.cfg.CleanSession).
		SetKeepAlive(time.Duration(c.cfg.KeepAliveSeconds) * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(false)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.mu.Lock()
	c.client = pahomqtt.NewClient(opts)
	c.mu.Unlock()
	return nil
}

// ConfigureInput records an MQTT subscription. Options: "topic" (filter,
// defaults to the input name), "qos".
func (c *Connection) ConfigureInput(ctx context.Context, input model.InputSpec) error {
	filter := input.Options["topic"]
	if filter == "" {
		filter = input.Name
	}
	if filter == "" {
		return fmt.Errorf("input %s has no topic filter", input.ID)
	}
	qos := c.cfg.QoS
	if raw, ok := input.Options["qos"]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > 2 {
			return fmt.Errorf("input %s has invalid qos %q", input.ID, raw)
		}
		qos = byte(parsed)
	}
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, subscription{filter: filter, qos: qos})
	c.mu.Unlock()
	return nil
}

// ConfigureOutput records a publish target. Options: "topic" (defaults to
// the datapoint's own topic).
func (c *Connection) ConfigureOutput(ctx context.Context, output model.OutputSpec) error {
	c.mu.Lock()
	c.outputs[output.ID] = output
	c.mu.Unlock()
	return nil
}

// Start connects to the broker and subscribes all configured inputs.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("connection %s is not initialized", c.id)
	}

	c.setStatus(model.StatusConnecting)
	token := client.Connect()
	if !waitToken(ctx, token) {
		c.setStatus(model.StatusError)
		return fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL, ctx.Err())
	}
	if err := token.Error(); err != nil {
		c.setStatus(model.StatusError)
		return fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL, err)
	}
	// Subscriptions are applied in onConnect so they survive reconnects.
	return nil
}

// Stop disconnects from the broker. Safe to call on a stopped connection.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		c.setStatus(model.StatusDisconnected)
		return nil
	}
	c.setStatus(model.StatusStopping)
	client.Disconnect(250)
	c.setStatus(model.StatusDisconnected)
	return nil
}

// Send publishes a datapoint to an output. An empty outputID uses the
// "topic" option of one configured output (which one is not defined when
// several exist), or the datapoint's own topic when none exist or that
// output sets no topic.
func (c *Connection) Send(ctx context.Context, dp *model.DataPoint, outputID string) error {
	c.mu.Lock()
	client := c.client
	target := dp.Topic
	if outputID != "" {
		output, ok := c.outputs[outputID]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("unknown output %s", outputID)
		}
		if t := output.Options["topic"]; t != "" {
			target = t
		}
	} else {
		for _, output := range c.outputs {
			if t := output.Options["topic"]; t != "" {
				target = t
			}
			break
		}
	}
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("connection %s is not connected", c.id)
	}

	ts := dp.Timestamp
	payload, err := json.Marshal(wirePayload{
		Value:     dp.Value,
		Timestamp: &ts,
		Quality:   string(dp.Quality),
		Metadata:  dp.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode datapoint for %s: %w", target, err)
	}
	token := client.Publish(target, c.cfg.QoS, false, payload)
	if !waitToken(ctx, token) {
		return ctx.Err()
	}
	return token.Error()
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

// Close releases the client.
func (c *Connection) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(100)
	}
	return nil
}

// =============================================================================
// PAHO HANDLERS
// =============================================================================

// onConnect (re)applies all subscriptions after every successful connect.
func (c *Connection) onConnect(client pahomqtt.Client) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subscriptions))
	copy(subs, c.subscriptions)
	c.mu.Unlock()

	for _, sub := range subs {
		token := client.Subscribe(sub.filter, sub.qos, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt_subscribe_failed",
				"connection_id", c.id, "topic", sub.filter, "error", err.Error())
		}
	}
	c.setStatus(model.StatusConnected)
	c.logger.Info("mqtt_connected", "connection_id", c.id, "subscriptions", len(subs))
}

func (c *Connection) onConnectionLost(client pahomqtt.Client, err error) {
	c.logger.Warn("mqtt_connection_lost", "connection_id", c.id, "error", err.Error())
	c.setStatus(model.StatusError)
}

// onMessage decodes an inbound MQTT message into a DataPoint.
func (c *Connection) onMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	c.mu.Lock()
	cb := c.dataCb
	c.mu.Unlock()
	if cb == nil {
		return
	}

	topic := msg.Topic()
	if c.cfg.TopicPrefix != "" {
		topic = strings.TrimPrefix(topic, c.cfg.TopicPrefix)
		topic = strings.TrimPrefix(topic, "/")
	}

	dp := &model.DataPoint{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Source:    c.name,
		Quality:   model.QualityGood,
	}

	var payload wirePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err == nil && payload.Value != nil {
		dp.Value = payload.Value
		if payload.Timestamp != nil {
			dp.Timestamp = payload.Timestamp.UTC()
		}
		if payload.Quality != "" {
			dp.Quality = model.Quality(payload.Quality)
		}
		dp.Metadata = payload.Metadata
	} else {
		dp.Value = string(msg.Payload())
	}

	cb(dp)
}

// =============================================================================
// HELPERS
// =============================================================================

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

// waitToken waits for a Paho token respecting context cancellation.
func waitToken(ctx context.Context, token pahomqtt.Token) bool {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ connection.DataConnection = (*Connection)(nil)
