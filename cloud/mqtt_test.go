package cloud

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	client, err := ConnectMQTT(MQTTConfig{})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestBrokerSettings_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_CLIENT_ID", "")
	t.Setenv("MQTT_USERNAME", "envuser")
	t.Setenv("MQTT_PASSWORD", "")

	broker, clientID, username, password := brokerSettings(MQTTConfig{
		Broker:   "tcp://config:1883",
		Username: "cfguser",
		Password: "cfgpass",
	})
	assert.Equal(t, "tcp://env:1883", broker)
	assert.Equal(t, "sparseclean", clientID)
	assert.Equal(t, "envuser", username)
	assert.Equal(t, "cfgpass", password)
}

func TestMQTTClient_IsConnected(t *testing.T) {
	// Test initial state
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected(), "Client should be connected after setConnected(true)")

	client.setConnected(false)
	assert.False(t, client.IsConnected(), "Client should not be connected after setConnected(false)")
}

func TestMQTTClient_ConnectWithRetry(t *testing.T) {
	mock := NewMockClient()
	client := newMQTTClientWithMock(mock)

	require.NoError(t, client.connectWithRetry(3, time.Millisecond))
	assert.True(t, client.IsConnected())
	assert.Equal(t, 1, mock.ConnectCalls())
}

func TestMQTTClient_ConnectWithRetry_GivesUp(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("connection refused"))
	client := newMQTTClientWithMock(mock)

	err := client.connectWithRetry(3, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, mock.ConnectCalls())
	assert.False(t, client.IsConnected())
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	client := newMQTTClientWithMock(mock)
	require.True(t, client.IsConnected())

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected())
	assert.Same(t, mock, client.GetClient())
}
