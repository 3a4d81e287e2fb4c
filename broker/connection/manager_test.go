package connection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsinfra-organization/unsbroker/broker/config"
	"github.com/unsinfra-organization/unsbroker/broker/connection"
	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
	"github.com/unsinfra-organization/unsbroker/broker/repository"
	"github.com/unsinfra-organization/unsbroker/broker/testutil"
	"github.com/unsinfra-organization/unsbroker/eventbus"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// collectingSink records datapoints handed to the pipeline.
type collectingSink struct {
	points chan *model.DataPoint
	full   bool
}

func newCollectingSink() *collectingSink {
	return &collectingSink{points: make(chan *model.DataPoint, 128)}
}

func (s *collectingSink) Enqueue(dp *model.DataPoint) bool {
	if s.full {
		return false
	}
	s.points <- dp
	return true
}

type managerFixture struct {
	manager  *connection.Manager
	registry *connection.Registry
	desc     *testutil.MockDescriptor
	repo     *repository.InMemoryConnectionConfigurations
	bus      *eventbus.InMemoryBus
	sink     *collectingSink
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	registry := connection.NewRegistry()
	desc := testutil.NewMockDescriptor("mock")
	require.NoError(t, registry.Register(desc))

	cfg := config.DefaultBrokerConfig()
	cfg.StartTimeout = 2 * time.Second
	cfg.StopTimeout = 2 * time.Second
	cfg.HealthCheckInterval = 50 * time.Millisecond

	repo := repository.NewInMemoryConnectionConfigurations()
	bus := eventbus.NewInMemoryBus(eventbus.NopLogger())
	sink := newCollectingSink()
	manager := connection.NewManager(registry, repo, bus, sink, cfg, logging.NewNop())
	return &managerFixture{
		manager:  manager,
		registry: registry,
		desc:     desc,
		repo:     repo,
		bus:      bus,
		sink:     sink,
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistryRejectsDuplicateAndUnknownTypes(t *testing.T) {
	registry := connection.NewRegistry()
	require.NoError(t, registry.Register(testutil.NewMockDescriptor("mock")))

	err := registry.Register(testutil.NewMockDescriptor("mock"))
	var dup *connection.DescriptorAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)

	_, err = registry.Get("opcua")
	var unknown *connection.UnknownConnectionTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "opcua", unknown.ConnectionType)

	assert.Equal(t, []string{"mock"}, registry.Types())
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateConnectionRegistersAndPersists(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	cfg := testutil.NewConnectionConfig("conn-1", "mock", false)
	cfg.Inputs = []model.InputSpec{{ID: "in-1", Name: "sensors/#"}}
	require.NoError(t, f.manager.CreateConnection(ctx, cfg, true))

	saved, err := f.repo.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, saved)

	mock := f.desc.Created["conn-1"]
	require.NotNil(t, mock)
	require.Len(t, mock.Inputs, 1)
	assert.Equal(t, "sensors/#", mock.Inputs[0].Name)
	assert.Equal(t, model.StatusDisconnected, f.manager.GetStatus("conn-1"))
}

func TestCreateConnectionUnknownTypeFails(t *testing.T) {
	f := newManagerFixture(t)

	cfg := testutil.NewConnectionConfig("conn-1", "opcua", false)
	err := f.manager.CreateConnection(context.Background(), cfg, false)
	var unknown *connection.UnknownConnectionTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, model.StatusUnknown, f.manager.GetStatus("conn-1"))
}

func TestCreateConnectionDisposesOnValidateFailure(t *testing.T) {
	f := newManagerFixture(t)

	mock := testutil.NewMockConnection("conn-1", "conn-1")
	mock.ValidateErr = errors.New("missing broker url")
	f.desc.Connections["conn-1"] = mock

	err := f.manager.CreateConnection(context.Background(), testutil.NewConnectionConfig("conn-1", "mock", false), false)
	var invalid *connection.InvalidConfigError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, mock.CloseCalls)
	assert.Equal(t, model.StatusUnknown, f.manager.GetStatus("conn-1"))
}

func TestCreateConnectionDisposesOnInitFailure(t *testing.T) {
	f := newManagerFixture(t)

	mock := testutil.NewMockConnection("conn-1", "conn-1")
	mock.InitializeErr = errors.New("client construction failed")
	f.desc.Connections["conn-1"] = mock

	err := f.manager.CreateConnection(context.Background(), testutil.NewConnectionConfig("conn-1", "mock", false), false)
	var initFailed *connection.InitFailedError
	require.ErrorAs(t, err, &initFailed)
	assert.Equal(t, 1, mock.CloseCalls)
}

// =============================================================================
// START / STOP / AUTO-START
// =============================================================================

func TestAutoStartSequence(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Save(ctx, testutil.NewConnectionConfig("conn-1", "mock", true)))
	require.NoError(t, f.repo.Save(ctx, testutil.NewConnectionConfig("conn-2", "mock", false)))

	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Stop(ctx)

	require.Eventually(t, func() bool {
		return f.manager.GetStatus("conn-1") == model.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StatusDisconnected, f.manager.GetStatus("conn-2"))
	assert.Equal(t, 1, f.desc.Created["conn-1"].StartCalls)
	assert.Nil(t, f.desc.Created["conn-2"])
}

func TestStartConnectionCreatesFromPersistedConfig(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Save(ctx, testutil.NewConnectionConfig("conn-1", "mock", false)))

	assert.True(t, f.manager.StartConnection(ctx, "conn-1"))
	require.Eventually(t, func() bool {
		return f.manager.GetStatus("conn-1") == model.StatusConnected
	}, time.Second, 10*time.Millisecond)
}

func TestStartConnectionUnknownIDReturnsFalse(t *testing.T) {
	f := newManagerFixture(t)
	assert.False(t, f.manager.StartConnection(context.Background(), "ghost"))
}

func TestStartFailureLeavesErrorStatus(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	mock := testutil.NewMockConnection("conn-1", "conn-1")
	mock.StartErr = errors.New("broker unreachable")
	f.desc.Connections["conn-1"] = mock
	require.NoError(t, f.manager.CreateConnection(ctx, testutil.NewConnectionConfig("conn-1", "mock", false), false))

	assert.False(t, f.manager.StartConnection(ctx, "conn-1"))
	require.Eventually(t, func() bool {
		return f.manager.GetStatus("conn-1") == model.StatusError
	}, time.Second, 10*time.Millisecond)
}

func TestStopConnection(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.CreateConnection(ctx, testutil.NewConnectionConfig("conn-1", "mock", false), false))
	require.True(t, f.manager.StartConnection(ctx, "conn-1"))

	assert.True(t, f.manager.StopConnection(ctx, "conn-1"))
	require.Eventually(t, func() bool {
		return f.manager.GetStatus("conn-1") == model.StatusDisconnected
	}, time.Second, 10*time.Millisecond)
	assert.False(t, f.manager.StopConnection(ctx, "ghost"))
}

// =============================================================================
// REMOVE / UPDATE / SEND
// =============================================================================

func TestRemoveConnectionStopsAndDeletes(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.CreateConnection(ctx, testutil.NewConnectionConfig("conn-1", "mock", true), true))
	require.True(t, f.manager.StartConnection(ctx, "conn-1"))

	require.NoError(t, f.manager.RemoveConnection(ctx, "conn-1"))

	mock := f.desc.Created["conn-1"]
	assert.Equal(t, 1, mock.StopCalls)
	assert.Equal(t, 1, mock.CloseCalls)
	assert.Equal(t, model.StatusUnknown, f.manager.GetStatus("conn-1"))

	saved, err := f.repo.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestUpdateConnectionReplacesCachedConfig(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	cfg := testutil.NewConnectionConfig("conn-1", "mock", false)
	require.NoError(t, f.manager.CreateConnection(ctx, cfg, true))

	updated := cfg.Clone()
	updated.Name = "renamed"
	require.NoError(t, f.manager.UpdateConnection(ctx, updated))

	saved, err := f.repo.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", saved.Name)
}

func TestSendDataForwardsToConnection(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.CreateConnection(ctx, testutil.NewConnectionConfig("conn-1", "mock", false), false))

	dp := testutil.NewDataPoint("commands/speed", 42)
	require.NoError(t, f.manager.SendData(ctx, "conn-1", dp, ""))
	mock := f.desc.Created["conn-1"]
	require.Len(t, mock.SentData, 1)

	assert.Error(t, f.manager.SendData(ctx, "ghost", dp, ""))
}

// =============================================================================
// CALLBACK FLOW
// =============================================================================

func TestDataReceivedIsCanonicalizedAndForwarded(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	received := testutil.NewEventCapture(f.bus, eventbus.KindDataReceived)
	defer received.Close()

	require.NoError(t, f.manager.CreateConnection(ctx, testutil.NewConnectionConfig("conn-1", "mock", false), false))
	mock := f.desc.Created["conn-1"]

	mock.EmitData(&model.DataPoint{Topic: "sensors/x", Value: 7})

	var dp *model.DataPoint
	select {
	case dp = <-f.sink.points:
	case <-time.After(time.Second):
		t.Fatal("sink never received the datapoint")
	}
	assert.Equal(t, "conn-1", dp.Metadata["connection_id"])
	assert.Equal(t, model.QualityGood, dp.Quality)
	assert.Equal(t, "conn-1", dp.Source)
	assert.False(t, dp.Timestamp.IsZero())

	require.Eventually(t, func() bool { return received.Count() == 1 }, time.Second, 5*time.Millisecond)
	event := received.Events()[0].(*eventbus.DataReceived)
	assert.Equal(t, "conn-1", event.ConnectionID)
}

func TestStatusChangesArePublished(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	capture := testutil.NewEventCapture(f.bus, eventbus.KindConnectionStatusChanged)
	defer capture.Close()

	require.NoError(t, f.manager.CreateConnection(ctx, testutil.NewConnectionConfig("conn-1", "mock", false), false))
	require.True(t, f.manager.StartConnection(ctx, "conn-1"))

	// Disconnected -> Connecting -> Connected.
	require.Eventually(t, func() bool { return capture.Count() >= 2 }, time.Second, 5*time.Millisecond)
	events := capture.Events()
	first := events[0].(*eventbus.ConnectionStatusChanged)
	assert.Equal(t, model.StatusConnecting, first.NewStatus)
	last := events[len(events)-1].(*eventbus.ConnectionStatusChanged)
	assert.Equal(t, model.StatusConnected, last.NewStatus)
}

func TestOverflowingSinkDropsWithoutPanic(t *testing.T) {
	f := newManagerFixture(t)
	f.sink.full = true
	ctx := context.Background()

	require.NoError(t, f.manager.CreateConnection(ctx, testutil.NewConnectionConfig("conn-1", "mock", false), false))
	mock := f.desc.Created["conn-1"]
	for i := 0; i < 100; i++ {
		mock.EmitData(testutil.NewDataPoint("sensors/x", i))
	}
}
