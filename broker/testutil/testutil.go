// Package testutil provides shared test utilities and mocks for the broker
// core.
//
// All mocks are designed for testing components in isolation without
// external dependencies: no broker process, no network.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/unsinfra-organization/unsbroker/broker/connection"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
	"github.com/unsinfra-organization/unsbroker/broker/storage"
	"github.com/unsinfra-organization/unsbroker/eventbus"
)

// =============================================================================
// MOCK DATA CONNECTION
// =============================================================================

// MockConnectionConfig is the typed options document of the mock plugin.
type MockConnectionConfig struct {
	Endpoint string `json:"endpoint"`
}

// MockConnection implements connection.DataConnection for testing.
// Configure failures via the exported error fields; drive inbound data with
// EmitData and status flips with EmitStatus.
type MockConnection struct {
	ID   string
	Name string

	// Failure injection.
	ValidateErr   error
	InitializeErr error
	StartErr      error
	StopErr       error
	SendErr       error
	InputErr      error

	// Call recording.
	StartCalls int
	StopCalls  int
	CloseCalls int
	SentData   []*model.DataPoint
	Inputs     []model.InputSpec
	Outputs    []model.OutputSpec

	status   model.ConnectionStatus
	dataCb   connection.DataCallback
	statusCb connection.StatusCallback
	mu       sync.Mutex
}

// NewMockConnection creates a mock connection in Disconnected state.
func NewMockConnection(id, name string) *MockConnection {
	return &MockConnection{ID: id, Name: name, status: model.StatusDisconnected}
}

// Validate implements connection.DataConnection.
func (m *MockConnection) Validate() error { return m.ValidateErr }

// Initialize implements connection.DataConnection.
func (m *MockConnection) Initialize(ctx context.Context) error { return m.InitializeErr }

// ConfigureInput implements connection.DataConnection.
func (m *MockConnection) ConfigureInput(ctx context.Context, input model.InputSpec) error {
	if m.InputErr != nil {
		return m.InputErr
	}
	m.mu.Lock()
	m.Inputs = append(m.Inputs, input)
	m.mu.Unlock()
	return nil
}

// ConfigureOutput implements connection.DataConnection.
func (m *MockConnection) ConfigureOutput(ctx context.Context, output model.OutputSpec) error {
	m.mu.Lock()
	m.Outputs = append(m.Outputs, output)
	m.mu.Unlock()
	return nil
}

// Start implements connection.DataConnection.
func (m *MockConnection) Start(ctx context.Context) error {
	m.mu.Lock()
	m.StartCalls++
	m.mu.Unlock()
	if m.StartErr != nil {
		m.EmitStatus(model.StatusError)
		return m.StartErr
	}
	m.EmitStatus(model.StatusConnecting)
	m.EmitStatus(model.StatusConnected)
	return nil
}

// Stop implements connection.DataConnection.
func (m *MockConnection) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.StopCalls++
	m.mu.Unlock()
	if m.StopErr != nil {
		return m.StopErr
	}
	m.EmitStatus(model.StatusDisconnected)
	return nil
}

// Send implements connection.DataConnection.
func (m *MockConnection) Send(ctx context.Context, dp *model.DataPoint, outputID string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	m.SentData = append(m.SentData, dp)
	m.mu.Unlock()
	return nil
}

// Status implements connection.DataConnection.
func (m *MockConnection) Status() model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetDataCallback implements connection.DataConnection.
func (m *MockConnection) SetDataCallback(cb connection.DataCallback) {
	m.mu.Lock()
	m.dataCb = cb
	m.mu.Unlock()
}

// SetStatusCallback implements connection.DataConnection.
func (m *MockConnection) SetStatusCallback(cb connection.StatusCallback) {
	m.mu.Lock()
	m.statusCb = cb
	m.mu.Unlock()
}

// Close implements connection.DataConnection.
func (m *MockConnection) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()
	return nil
}

// EmitData fires the data callback as the protocol would.
func (m *MockConnection) EmitData(dp *model.DataPoint) {
	m.mu.Lock()
	cb := m.dataCb
	m.mu.Unlock()
	if cb != nil {
		cb(dp)
	}
}

// EmitStatus flips the status and fires the status callback.
func (m *MockConnection) EmitStatus(newStatus model.ConnectionStatus) {
	m.mu.Lock()
	oldStatus := m.status
	m.status = newStatus
	cb := m.statusCb
	m.mu.Unlock()
	if cb != nil && oldStatus != newStatus {
		cb(oldStatus, newStatus)
	}
}

var _ connection.DataConnection = (*MockConnection)(nil)

// =============================================================================
// MOCK DESCRIPTOR
// =============================================================================

// MockDescriptor implements connection.Descriptor and hands out
// pre-created or fresh MockConnections.
type MockDescriptor struct {
	TypeName string

	// Connections maps connection id to a pre-created mock. Ids not in the
	// map get a fresh MockConnection.
	Connections map[string]*MockConnection

	// CreateErr causes Create to fail.
	CreateErr error

	// Created records every connection handed out, keyed by id.
	Created map[string]*MockConnection
	mu      sync.Mutex
}

// NewMockDescriptor creates a descriptor for the given type key.
func NewMockDescriptor(typeName string) *MockDescriptor {
	return &MockDescriptor{
		TypeName:    typeName,
		Connections: make(map[string]*MockConnection),
		Created:     make(map[string]*MockConnection),
	}
}

// Type implements connection.Descriptor.
func (d *MockDescriptor) Type() string { return d.TypeName }

// DisplayName implements connection.Descriptor.
func (d *MockDescriptor) DisplayName() string { return "Mock " + d.TypeName }

// DefaultConfig implements connection.Descriptor.
func (d *MockDescriptor) DefaultConfig() any {
	return &MockConnectionConfig{Endpoint: "mock://localhost"}
}

// DecodeConfig implements connection.Descriptor.
func (d *MockDescriptor) DecodeConfig(doc json.RawMessage) (any, error) {
	cfg := &MockConnectionConfig{}
	if len(doc) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncodeConfig implements connection.Descriptor.
func (d *MockDescriptor) EncodeConfig(cfg any) (json.RawMessage, error) {
	return json.Marshal(cfg)
}

// Create implements connection.Descriptor.
func (d *MockDescriptor) Create(id, name string, cfg any, logger logging.Logger) (connection.DataConnection, error) {
	if d.CreateErr != nil {
		return nil, d.CreateErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.Connections[id]
	if !ok {
		conn = NewMockConnection(id, name)
	}
	d.Created[id] = conn
	return conn, nil
}

var _ connection.Descriptor = (*MockDescriptor)(nil)

// =============================================================================
// FLAKY STORAGE
// =============================================================================

// FlakyRealtime wraps an InMemoryRealtime, failing the first FailTimes
// batch writes with Err. Used for retry-policy tests.
type FlakyRealtime struct {
	*storage.InMemoryRealtime

	FailTimes int
	Err       error
	Delay     time.Duration

	BatchCalls int
	mu         sync.Mutex
}

// NewFlakyRealtime creates a flaky realtime store.
func NewFlakyRealtime(failTimes int, err error) *FlakyRealtime {
	return &FlakyRealtime{
		InMemoryRealtime: storage.NewInMemoryRealtime(),
		FailTimes:        failTimes,
		Err:              err,
	}
}

// StoreBatch fails the first FailTimes calls, then delegates.
func (f *FlakyRealtime) StoreBatch(ctx context.Context, dps []*model.DataPoint) error {
	f.mu.Lock()
	f.BatchCalls++
	failing := f.BatchCalls <= f.FailTimes
	f.mu.Unlock()
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return f.Err
	}
	return f.InMemoryRealtime.StoreBatch(ctx, dps)
}

// Calls returns the number of batch writes attempted.
func (f *FlakyRealtime) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BatchCalls
}

// =============================================================================
// EVENT CAPTURE
// =============================================================================

// EventCapture subscribes to one event kind and records deliveries in
// order.
type EventCapture struct {
	events      []eventbus.Event
	unsubscribe func()
	mu          sync.Mutex
}

// NewEventCapture subscribes to a kind on the bus.
func NewEventCapture(bus eventbus.Bus, kind string) *EventCapture {
	c := &EventCapture{}
	c.unsubscribe = bus.Subscribe(kind, func(ctx context.Context, event eventbus.Event) error {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
		return nil
	})
	return c
}

// Events returns a snapshot of delivered events in delivery order.
func (c *EventCapture) Events() []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]eventbus.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns the number of delivered events.
func (c *EventCapture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Close unsubscribes.
func (c *EventCapture) Close() { c.unsubscribe() }

// =============================================================================
// HELPERS
// =============================================================================

// NewDataPoint builds a datapoint for tests.
func NewDataPoint(topic string, value any) *model.DataPoint {
	return &model.DataPoint{
		Topic:     topic,
		Value:     value,
		Timestamp: time.Now().UTC(),
		Source:    "test",
		Quality:   model.QualityGood,
	}
}

// NewConnectionConfig builds a connection configuration for the mock
// descriptor type.
func NewConnectionConfig(id, typeName string, autoStart bool) *model.ConnectionConfiguration {
	doc, _ := json.Marshal(&MockConnectionConfig{Endpoint: fmt.Sprintf("mock://%s", id)})
	now := time.Now().UTC()
	return &model.ConnectionConfiguration{
		ID:               id,
		Name:             id,
		ConnectionType:   typeName,
		ConnectionConfig: doc,
		IsEnabled:        true,
		AutoStart:        autoStart,
		CreatedAt:        now,
		ModifiedAt:       now,
	}
}
