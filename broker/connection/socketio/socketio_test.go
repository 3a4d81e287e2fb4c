package socketio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
)

func newTestConn(cfg *Config) *Connection {
	return newConnection("c1", "stream", cfg, logging.NewNop())
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://host:3000", "ws://host:3000/socket.io/?EIO=4&transport=websocket"},
		{"https://host", "wss://host/socket.io/?EIO=4&transport=websocket"},
		{"ws://host/socket.io/", "ws://host/socket.io/?EIO=4&transport=websocket"},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidate(t *testing.T) {
	assert.Error(t, newTestConn(&Config{}).Validate())
	assert.Error(t, newTestConn(&Config{ServerURL: "ftp://host"}).Validate())
	assert.NoError(t, newTestConn(&Config{ServerURL: "http://host:3000"}).Validate())
	assert.NoError(t, newTestConn(&Config{ServerURL: "wss://host"}).Validate())
}

func TestHandleEventDecodesPayload(t *testing.T) {
	conn := newTestConn(&Config{ServerURL: "http://host", TopicPrefix: "sio"})
	require.NoError(t, conn.ConfigureInput(context.Background(), model.InputSpec{ID: "in-1", Name: "telemetry"}))

	var received []*model.DataPoint
	var mu sync.Mutex
	conn.SetDataCallback(func(dp *model.DataPoint) {
		mu.Lock()
		received = append(received, dp)
		mu.Unlock()
	})

	ts := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	conn.handleEvent(`["telemetry",{"topic":"line1/temp","value":21.5,"timestamp":"` + ts.Format(time.RFC3339) + `","quality":"good"}]`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "sio/line1/temp", received[0].Topic)
	assert.Equal(t, 21.5, received[0].Value)
	assert.Equal(t, ts, received[0].Timestamp)
	assert.Equal(t, model.QualityGood, received[0].Quality)
	assert.Equal(t, "stream", received[0].Source)
}

func TestHandleEventFallsBackToEventNameAsTopic(t *testing.T) {
	conn := newTestConn(&Config{ServerURL: "http://host"})

	var received []*model.DataPoint
	conn.SetDataCallback(func(dp *model.DataPoint) { received = append(received, dp) })

	// No input filter configured: all events accepted; payload without a
	// topic uses the event name.
	conn.handleEvent(`["pressure",{"value":3}]`)

	require.Len(t, received, 1)
	assert.Equal(t, "pressure", received[0].Topic)
}

func TestHandleEventFiltersUnconfiguredEvents(t *testing.T) {
	conn := newTestConn(&Config{ServerURL: "http://host"})
	require.NoError(t, conn.ConfigureInput(context.Background(), model.InputSpec{ID: "in-1", Name: "telemetry"}))

	var received []*model.DataPoint
	conn.SetDataCallback(func(dp *model.DataPoint) { received = append(received, dp) })

	conn.handleEvent(`["chatter",{"value":1}]`)
	assert.Empty(t, received)
}

func TestHandleEventStripsNamespacePrefix(t *testing.T) {
	conn := newTestConn(&Config{ServerURL: "http://host", Namespace: "/plant"})

	var received []*model.DataPoint
	conn.SetDataCallback(func(dp *model.DataPoint) { received = append(received, dp) })

	conn.handleEvent(`/plant,["telemetry",{"topic":"x/y","value":1}]`)
	require.Len(t, received, 1)
	assert.Equal(t, "x/y", received[0].Topic)
}

func TestHandleEventIgnoresGarbage(t *testing.T) {
	conn := newTestConn(&Config{ServerURL: "http://host"})
	var received []*model.DataPoint
	conn.SetDataCallback(func(dp *model.DataPoint) { received = append(received, dp) })

	conn.handleEvent(`not json`)
	conn.handleEvent(`[]`)
	assert.Empty(t, received)
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := NewDescriptor()
	assert.Equal(t, "socketio", d.Type())

	cfg := &Config{ServerURL: "http://host:3000", Namespace: "/plant", ReconnectMaxSeconds: 10}
	doc, err := d.EncodeConfig(cfg)
	require.NoError(t, err)
	decoded, err := d.DecodeConfig(doc)
	require.NoError(t, err)
	assert.Equal(t, cfg, decoded)
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	conn := newTestConn(&Config{ServerURL: "http://host"})
	assert.NoError(t, conn.Stop(context.Background()))
	assert.Equal(t, model.StatusDisconnected, conn.Status())
}
