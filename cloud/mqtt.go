package cloud

import (
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// connectAttempts bounds how often a command line run retries the broker
// before giving up and running without publishing.
const connectAttempts = 4

// MQTTClient owns the broker connection used to publish run results.
type MQTTClient struct {
	client      mqtt.Client
	isConnected bool
	mu          sync.RWMutex
}

// brokerSettings resolves connection settings; environment variables take
// precedence over the configuration file.
func brokerSettings(cfg MQTTConfig) (broker, clientID, username, password string) {
	pick := func(env, fallback string) string {
		if v := os.Getenv(env); v != "" {
			return v
		}
		return fallback
	}
	broker = pick("MQTT_BROKER", cfg.Broker)
	clientID = pick("MQTT_CLIENT_ID", cfg.ClientID)
	if clientID == "" {
		clientID = "sparseclean"
	}
	username = pick("MQTT_USERNAME", cfg.Username)
	password = pick("MQTT_PASSWORD", cfg.Password)
	return broker, clientID, username, password
}

// ConnectMQTT connects to the configured broker. If no broker is set in the
// environment or the configuration, MQTT is disabled and nil is returned.
func ConnectMQTT(cfg MQTTConfig) (*MQTTClient, error) {
	broker, clientID, username, password := brokerSettings(cfg)
	if broker == "" {
		Logf("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	c := &MQTTClient{}
	opts.SetOnConnectHandler(func(mqtt.Client) { c.setConnected(true) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		Logf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
		c.setConnected(false)
	})
	c.client = mqtt.NewClient(opts)

	if err := c.connectWithRetry(connectAttempts, time.Second); err != nil {
		return nil, err
	}
	return c, nil
}

// newMQTTClientWithMock wraps an existing client, used with MockClient.
func newMQTTClientWithMock(client mqtt.Client) *MQTTClient {
	return &MQTTClient{client: client, isConnected: client.IsConnected()}
}

// connectWithRetry attempts to connect with exponential backoff.
func (c *MQTTClient) connectWithRetry(attempts int, retryDelay time.Duration) error {
	maxRetryDelay := 30 * time.Second
	var lastErr error
	for i := 0; i < attempts; i++ {
		Logf("[MQTT] connecting to broker (attempt %d/%d)...", i+1, attempts)
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("[MQTT] connected")
				c.setConnected(true)
				return nil
			}
			lastErr = token.Error()
			Logf("[MQTT] connection failed: %v", lastErr)
		} else {
			lastErr = fmt.Errorf("connection timeout")
			Logf("[MQTT] connection timeout")
		}

		if i == attempts-1 {
			break
		}
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
	return fmt.Errorf("connecting to MQTT broker: %w", lastErr)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		Logf("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
