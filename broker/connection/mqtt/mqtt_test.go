package mqtt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsinfra-organization/unsbroker/broker/logging"
	"github.com/unsinfra-organization/unsbroker/broker/model"
)

func TestDescriptorConfigRoundTrip(t *testing.T) {
	d := NewDescriptor()
	assert.Equal(t, "mqtt", d.Type())

	cfg := &Config{
		BrokerURL:        "tcp://plant:1883",
		ClientID:         "uns-1",
		Username:         "operator",
		QoS:              2,
		KeepAliveSeconds: 30,
		TopicPrefix:      "plant",
	}
	doc, err := d.EncodeConfig(cfg)
	require.NoError(t, err)

	decoded, err := d.DecodeConfig(doc)
	require.NoError(t, err)
	assert.Equal(t, cfg, decoded)
}

func TestDecodeEmptyDocumentYieldsDefaults(t *testing.T) {
	d := NewDescriptor()
	decoded, err := d.DecodeConfig(nil)
	require.NoError(t, err)

	cfg := decoded.(*Config)
	assert.Equal(t, "tcp://localhost:1883", cfg.BrokerURL)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.True(t, cfg.CleanSession)
}

func TestDecodeRejectsMalformedDocument(t *testing.T) {
	d := NewDescriptor()
	_, err := d.DecodeConfig(json.RawMessage(`{"qos": "high"}`))
	assert.Error(t, err)
}

func TestEncodeRejectsForeignConfigType(t *testing.T) {
	d := NewDescriptor()
	_, err := d.EncodeConfig(struct{ X int }{1})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"valid", &Config{BrokerURL: "tcp://x:1883", QoS: 1}, false},
		{"missing url", &Config{QoS: 1}, true},
		{"bad qos", &Config{BrokerURL: "tcp://x:1883", QoS: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newConnection("c1", "c1", tt.cfg, logging.NewNop())
			err := conn.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigureInputParsesOptions(t *testing.T) {
	conn := newConnection("c1", "c1", &Config{BrokerURL: "tcp://x:1883", QoS: 1}, logging.NewNop())
	ctx := context.Background()

	require.NoError(t, conn.ConfigureInput(ctx, model.InputSpec{
		ID: "in-1", Name: "fallback", Options: map[string]string{"topic": "sensors/#", "qos": "2"},
	}))
	require.NoError(t, conn.ConfigureInput(ctx, model.InputSpec{ID: "in-2", Name: "plant/+/temp"}))

	require.Len(t, conn.subscriptions, 2)
	assert.Equal(t, "sensors/#", conn.subscriptions[0].filter)
	assert.Equal(t, byte(2), conn.subscriptions[0].qos)
	assert.Equal(t, "plant/+/temp", conn.subscriptions[1].filter)
	assert.Equal(t, byte(1), conn.subscriptions[1].qos)

	assert.Error(t, conn.ConfigureInput(ctx, model.InputSpec{ID: "in-3"}))
	assert.Error(t, conn.ConfigureInput(ctx, model.InputSpec{
		ID: "in-4", Name: "x", Options: map[string]string{"qos": "9"},
	}))
}

func TestStartWithoutInitializeFails(t *testing.T) {
	conn := newConnection("c1", "c1", &Config{BrokerURL: "tcp://x:1883"}, logging.NewNop())
	assert.Error(t, conn.Start(context.Background()))
}
