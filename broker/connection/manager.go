package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unsinfra-organization/unsbroker/broker/config"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
	"github.com/unsinfra-organization/unsbroker/broker/observability"
	"github.com/unsinfra-organization/unsbroker/broker/repository"
	"github.com/unsinfra-organization/unsbroker/eventbus"
)

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// DataSink accepts datapoints from the manager for ingestion.
// Enqueue must never block; it reports whether the datapoint was accepted.
type DataSink interface {
	Enqueue(dp *model.DataPoint) bool
}

// RestartPolicy is the hook the health loop calls for connections in Error
// or Disconnected. The default policy does nothing; auto-restart is a
// deliberate non-feature until operators ask for it.
type RestartPolicy interface {
	OnUnhealthy(ctx context.Context, connectionID string, status model.ConnectionStatus)
}

// noopRestartPolicy leaves unhealthy connections alone.
type noopRestartPolicy struct{}

func (noopRestartPolicy) OnUnhealthy(ctx context.Context, connectionID string, status model.ConnectionStatus) {
}

// NoopRestartPolicy returns the default do-nothing restart policy.
func NoopRestartPolicy() RestartPolicy { return noopRestartPolicy{} }

// =============================================================================
// MANAGER
// =============================================================================

// Manager reconciles persisted ConnectionConfigurations with live
// DataConnections and their status.
//
// Locking: one mutex guards the active-connection map, the configuration
// cache, and the status map. Long-running I/O (start/stop/initialize/send)
// and all callback/bus work happen outside the mutex.
type Manager struct {
	registry *Registry
	repo     repository.ConnectionConfigurationRepository
	bus      eventbus.Bus
	sink     DataSink
	cfg      *config.BrokerConfig
	restart  RestartPolicy
	logger   logging.Logger

	active   map[string]DataConnection
	configs  map[string]*model.ConnectionConfiguration
	statuses map[string]model.ConnectionStatus
	mu       sync.Mutex

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(
	registry *Registry,
	repo repository.ConnectionConfigurationRepository,
	bus eventbus.Bus,
	sink DataSink,
	cfg *config.BrokerConfig,
	logger logging.Logger,
) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg == nil {
		cfg = config.DefaultBrokerConfig()
	}
	return &Manager{
		registry: registry,
		repo:     repo,
		bus:      bus,
		sink:     sink,
		cfg:      cfg,
		restart:  NoopRestartPolicy(),
		logger:   logger,
		active:   make(map[string]DataConnection),
		configs:  make(map[string]*model.ConnectionConfiguration),
		statuses: make(map[string]model.ConnectionStatus),
		stopCh:   make(chan struct{}),
	}
}

// SetRestartPolicy installs a restart policy for the health loop.
// Must be called before Start.
func (m *Manager) SetRestartPolicy(p RestartPolicy) {
	if p != nil {
		m.restart = p
	}
}

// =============================================================================
// SERVICE LIFECYCLE
// =============================================================================

// Start loads all persisted configurations into the cache, creates and
// starts the AutoStart subset, and launches the health loop.
func (m *Manager) Start(ctx context.Context) error {
	all, err := m.repo.GetAll(ctx, false)
	if err != nil {
		return fmt.Errorf("load connection configurations: %w", err)
	}
	m.mu.Lock()
	for _, cfg := range all {
		m.configs[cfg.ID] = cfg
		m.statuses[cfg.ID] = model.StatusDisconnected
	}
	m.mu.Unlock()
	m.logger.Info("connection_configs_loaded", "count", len(all))

	autoStart, err := m.repo.GetAutoStart(ctx)
	if err != nil {
		return fmt.Errorf("load auto-start configurations: %w", err)
	}
	for _, cfg := range autoStart {
		if err := m.CreateConnection(ctx, cfg, false); err != nil {
			m.logger.Error("auto_start_create_failed", "connection_id", cfg.ID, "error", err.Error())
			continue
		}
		if !m.StartConnection(ctx, cfg.ID) {
			m.logger.Warn("auto_start_failed", "connection_id", cfg.ID)
		}
	}

	m.wg.Add(1)
	go m.healthLoop()
	return nil
}

// Stop terminates the health loop and stops every live connection, bounding
// each stop by the configured stop timeout.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	conns := make(map[string]DataConnection, len(m.active))
	for id, conn := range m.active {
		conns[id] = conn
	}
	m.mu.Unlock()

	m.wg.Wait()

	for id, conn := range conns {
		stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
		if err := conn.Stop(stopCtx); err != nil {
			m.logger.Warn("connection_stop_failed", "connection_id", id, "error", err.Error())
		}
		cancel()
		conn.SetDataCallback(nil)
		conn.SetStatusCallback(nil)
		if err := conn.Close(); err != nil {
			m.logger.Warn("connection_close_failed", "connection_id", id, "error", err.Error())
		}
	}

	m.mu.Lock()
	m.active = make(map[string]DataConnection)
	m.mu.Unlock()
	m.logger.Info("connection_manager_stopped", "count", len(conns))
}

// healthLoop periodically logs connections needing attention and invokes
// the restart policy hook.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.Lock()
	unhealthy := make(map[string]model.ConnectionStatus)
	for id, status := range m.statuses {
		if status == model.StatusError || status == model.StatusDisconnected {
			unhealthy[id] = status
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for id, status := range unhealthy {
		m.logger.Warn("connection_unhealthy", "connection_id", id, "status", string(status))
		m.restart.OnUnhealthy(ctx, id, status)
	}
}

// =============================================================================
// CONNECTION CRUD
// =============================================================================

// CreateConnection instantiates a connection from its configuration, wires
// callbacks, applies inputs and outputs, and registers it. On any failure
// the partially constructed connection is disposed.
func (m *Manager) CreateConnection(ctx context.Context, cfg *model.ConnectionConfiguration, saveToRepo bool) error {
	desc, err := m.registry.Get(cfg.ConnectionType)
	if err != nil {
		m.logger.Error("descriptor_unknown", "connection_id", cfg.ID, "connection_type", cfg.ConnectionType)
		return err
	}

	typed, err := desc.DecodeConfig(cfg.ConnectionConfig)
	if err != nil {
		return NewInvalidConfigError(cfg.ID, err)
	}

	conn, err := desc.Create(cfg.ID, cfg.Name, typed, m.logger)
	if err != nil {
		return NewInvalidConfigError(cfg.ID, err)
	}

	id, name := cfg.ID, cfg.Name
	conn.SetDataCallback(func(dp *model.DataPoint) { m.handleDataReceived(id, name, dp) })
	conn.SetStatusCallback(func(oldStatus, newStatus model.ConnectionStatus) {
		m.handleStatusChanged(id, newStatus)
	})

	if err := conn.Validate(); err != nil {
		_ = conn.Close()
		return NewInvalidConfigError(cfg.ID, err)
	}
	if err := conn.Initialize(ctx); err != nil {
		_ = conn.Close()
		return NewInitFailedError(cfg.ID, err)
	}
	for _, input := range cfg.Inputs {
		if err := conn.ConfigureInput(ctx, input); err != nil {
			_ = conn.Close()
			return NewInitFailedError(cfg.ID, fmt.Errorf("input %s: %w", input.Name, err))
		}
	}
	for _, output := range cfg.Outputs {
		if err := conn.ConfigureOutput(ctx, output); err != nil {
			_ = conn.Close()
			return NewInitFailedError(cfg.ID, fmt.Errorf("output %s: %w", output.Name, err))
		}
	}

	m.mu.Lock()
	if _, exists := m.active[cfg.ID]; exists {
		m.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connection %s is already registered", cfg.ID)
	}
	m.active[cfg.ID] = conn
	m.configs[cfg.ID] = cfg.Clone()
	if _, ok := m.statuses[cfg.ID]; !ok {
		m.statuses[cfg.ID] = model.StatusDisconnected
	}
	m.mu.Unlock()

	if saveToRepo {
		if err := m.repo.Save(ctx, cfg); err != nil {
			m.unregister(cfg.ID)
			_ = conn.Close()
			return fmt.Errorf("persist connection %s: %w", cfg.ID, err)
		}
	}

	m.logger.Info("connection_created", "connection_id", cfg.ID, "connection_type", cfg.ConnectionType)
	return nil
}

// StartConnection starts a registered connection. If the connection is not
// registered but a persisted configuration exists, it is created first
// (without re-saving). Returns whether the start succeeded.
func (m *Manager) StartConnection(ctx context.Context, id string) bool {
	m.mu.Lock()
	conn, live := m.active[id]
	cached := m.configs[id]
	m.mu.Unlock()

	if !live {
		cfg := cached
		if cfg == nil {
			var err error
			cfg, err = m.repo.GetByID(ctx, id)
			if err != nil {
				m.logger.Error("connection_lookup_failed", "connection_id", id, "error", err.Error())
				return false
			}
		}
		if cfg == nil {
			m.logger.Warn("start_unknown_connection", "connection_id", id)
			return false
		}
		if err := m.CreateConnection(ctx, cfg, false); err != nil {
			m.logger.Error("connection_create_failed", "connection_id", id, "error", err.Error())
			return false
		}
		m.mu.Lock()
		conn = m.active[id]
		m.mu.Unlock()
		if conn == nil {
			return false
		}
	}

	ctx, span := observability.Tracer().Start(ctx, "connection.start")
	span.SetAttributes(attribute.String("connection.id", id))
	defer span.End()

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	connType := ""
	m.mu.Lock()
	if cfg := m.configs[id]; cfg != nil {
		connType = cfg.ConnectionType
	}
	m.mu.Unlock()
	if err := conn.Start(startCtx); err != nil {
		m.logger.Error("connection_start_failed", "connection_id", id, "error", err.Error())
		observability.RecordConnectionStart(connType, "error")
		return false
	}
	observability.RecordConnectionStart(connType, "success")
	m.logger.Info("connection_started", "connection_id", id)
	return true
}

// StopConnection stops a live connection. Returns whether the stop
// succeeded.
func (m *Manager) StopConnection(ctx context.Context, id string) bool {
	m.mu.Lock()
	conn, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("stop_unknown_connection", "connection_id", id)
		return false
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := conn.Stop(stopCtx); err != nil {
		m.logger.Error("connection_stop_failed", "connection_id", id, "error", err.Error())
		return false
	}
	m.logger.Info("connection_stopped", "connection_id", id)
	return true
}

// RemoveConnection unregisters a connection, unsubscribes its callbacks,
// stops and disposes it, and deletes the persisted configuration.
func (m *Manager) RemoveConnection(ctx context.Context, id string) error {
	conn := m.unregister(id)
	if conn != nil {
		conn.SetDataCallback(nil)
		conn.SetStatusCallback(nil)
		stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
		if err := conn.Stop(stopCtx); err != nil {
			m.logger.Warn("connection_stop_failed", "connection_id", id, "error", err.Error())
		}
		cancel()
		if err := conn.Close(); err != nil {
			m.logger.Warn("connection_close_failed", "connection_id", id, "error", err.Error())
		}
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	m.logger.Info("connection_removed", "connection_id", id)
	return nil
}

// unregister removes a connection from the maps and returns the live
// instance, if any.
func (m *Manager) unregister(id string) DataConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.active[id]
	delete(m.active, id)
	delete(m.configs, id)
	delete(m.statuses, id)
	return conn
}

// SendData forwards a datapoint to a connection output.
func (m *Manager) SendData(ctx context.Context, id string, dp *model.DataPoint, outputID string) error {
	m.mu.Lock()
	conn, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s is not live", id)
	}
	return conn.Send(ctx, dp, outputID)
}

// UpdateConnection upserts the repository and replaces the cached
// configuration. Live reconfiguration requires a restart of the connection.
func (m *Manager) UpdateConnection(ctx context.Context, cfg *model.ConnectionConfiguration) error {
	if err := m.repo.Save(ctx, cfg); err != nil {
		return fmt.Errorf("persist connection %s: %w", cfg.ID, err)
	}
	m.mu.Lock()
	m.configs[cfg.ID] = cfg.Clone()
	live := m.active[cfg.ID] != nil
	m.mu.Unlock()
	if live {
		m.logger.Info("connection_updated_restart_required", "connection_id", cfg.ID)
	}
	return nil
}

// GetStatus returns the status of a connection: Unknown for unknown ids,
// Disconnected for configured connections with no live instance, else the
// live status.
func (m *Manager) GetStatus(id string) model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.active[id]; live {
		if status, ok := m.statuses[id]; ok {
			return status
		}
		return model.StatusDisconnected
	}
	if _, configured := m.configs[id]; configured {
		return model.StatusDisconnected
	}
	return model.StatusUnknown
}

// ConnectionIDs returns the ids of all cached configurations, live or not.
func (m *Manager) ConnectionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// CALLBACK HANDLERS
// =============================================================================

// handleDataReceived canonicalizes a datapoint from a connection and hands
// it to the ingestion sink. Called on the connection's execution context,
// never under the manager mutex.
func (m *Manager) handleDataReceived(id, name string, dp *model.DataPoint) {
	if dp == nil {
		return
	}
	canonical := dp.Clone()
	if canonical.Timestamp.IsZero() {
		canonical.Timestamp = time.Now().UTC()
	}
	if canonical.Source == "" {
		canonical.Source = name
	}
	if canonical.Quality == "" {
		canonical.Quality = model.QualityGood
	}
	if canonical.Metadata == nil {
		canonical.Metadata = make(map[string]any, 1)
	}
	canonical.Metadata["connection_id"] = id

	_ = m.bus.Publish(context.Background(), &eventbus.DataReceived{
		ConnectionID: id,
		DataPoint:    canonical,
	})

	if m.sink != nil && !m.sink.Enqueue(canonical) {
		observability.RecordDataPointDropped("queue_overflow")
		m.logger.Warn("datapoint_dropped_queue_full", "connection_id", id, "topic", canonical.Topic)
	}
}

// handleStatusChanged records a status transition and publishes it.
// Called on the connection's execution context, never under the mutex.
func (m *Manager) handleStatusChanged(id string, newStatus model.ConnectionStatus) {
	m.mu.Lock()
	oldStatus, known := m.statuses[id]
	if !known {
		oldStatus = model.StatusUnknown
	}
	if oldStatus == newStatus {
		m.mu.Unlock()
		return
	}
	if known && !oldStatus.CanTransition(newStatus) {
		m.logger.Debug("unexpected_status_transition",
			"connection_id", id, "from", string(oldStatus), "to", string(newStatus))
	}
	m.statuses[id] = newStatus
	m.mu.Unlock()

	observability.RecordConnectionStatus(id, string(oldStatus), string(newStatus))
	_ = m.bus.Publish(context.Background(), &eventbus.ConnectionStatusChanged{
		ConnectionID: id,
		OldStatus:    oldStatus,
		NewStatus:    newStatus,
	})
	m.logger.Info("connection_status_changed",
		"connection_id", id, "status", string(newStatus))
}
