package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

const (
	connectTimeout       = 10 * time.Second
	publishTimeout       = 5 * time.Second
	reconnectInterval    = 2 * time.Second
	maxReconnectInterval = time.Minute
	disconnectQuiesce    = 250
)

// mqttBackend reaches the upstream through a regular MQTT client session.
type mqttBackend struct {
	addr      string
	client    paho.Client
	wildcards subscription.Options

	mu        sync.RWMutex
	filters   map[string]byte
	onMessage func(*mqtt.Message)
	closed    bool
}

// NewMQTTBackend builds a backend speaking MQTT 3.1.1 to cfg.Host. The
// client reconnects on its own and re-subscribes after every reconnect.
func NewMQTTBackend(cfg config.BackendConfig, env Env) (Backend, error) {
	if cfg.Host == "" {
		return nil, errors.New("mqtt backend requires a host")
	}
	port := cfg.Port
	if port == 0 {
		port = 1883
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "treemq-" + env.InstanceID
	}

	b := &mqttBackend{
		addr:      fmt.Sprintf("tcp://%s:%d", cfg.Host, port),
		filters:   make(map[string]byte),
		wildcards: subscription.Options{WildcardOne: cfg.WildcardOne, WildcardSome: cfg.WildcardSome},
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(b.addr)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(reconnectInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(connectTimeout)
	// subscriptions are restored by the connect handler
	opts.SetResumeSubs(false)
	if env.Keepalive > 0 {
		opts.SetKeepAlive(env.Keepalive)
	}
	opts.SetOnConnectHandler(b.handleConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.WarnF("Bridge lost connection to %s, details: %v", b.addr, err)
	})

	b.client = paho.NewClient(opts)
	return b, nil
}

func (b *mqttBackend) Start(ctx context.Context, onMessage func(*mqtt.Message)) error {
	b.mu.Lock()
	b.onMessage = onMessage
	b.mu.Unlock()

	token := b.client.Connect()
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to %s: %w", b.addr, err)
		}
	case <-timer.C:
		logger.WarnF("Bridge upstream %s not reachable yet, retrying in background", b.addr)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (b *mqttBackend) handleConnect(client paho.Client) {
	b.mu.RLock()
	filters := make(map[string]byte, len(b.filters))
	for f, q := range b.filters {
		filters[f] = q
	}
	b.mu.RUnlock()

	logger.InfoF("Bridge connected to %s, restoring %d subscriptions", b.addr, len(filters))
	if len(filters) == 0 {
		return
	}
	token := client.SubscribeMultiple(filters, b.handleMessage)
	go b.await(token, "restore subscriptions")
}

func (b *mqttBackend) handleMessage(_ paho.Client, m paho.Message) {
	b.mu.RLock()
	onMessage := b.onMessage
	b.mu.RUnlock()
	if onMessage == nil {
		return
	}
	onMessage(&mqtt.Message{
		Topic:   m.Topic(),
		Payload: m.Payload(),
		QoS:     m.Qos(),
		Retain:  m.Retained(),
	})
}

func (b *mqttBackend) Subscribe(filter string, qos byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBackendClosed
	}
	b.filters[filter] = qos
	b.mu.Unlock()

	if !b.client.IsConnectionOpen() {
		return nil
	}
	go b.await(b.client.Subscribe(filter, qos, b.handleMessage), "subscribe "+filter)
	return nil
}

func (b *mqttBackend) Unsubscribe(filter string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBackendClosed
	}
	delete(b.filters, filter)
	b.mu.Unlock()

	if !b.client.IsConnectionOpen() {
		return nil
	}
	go b.await(b.client.Unsubscribe(filter), "unsubscribe "+filter)
	return nil
}

func (b *mqttBackend) Publish(msg *mqtt.Message) error {
	if !b.client.IsConnectionOpen() {
		return ErrUpstreamDown
	}
	token := b.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out after %s", msg.Topic, publishTimeout)
	}
	return token.Error()
}

func (b *mqttBackend) Options() subscription.Options {
	return b.wildcards
}

// Echoes is true: MQTT 3.1.1 has no way to opt out of receiving our own
// publishes.
func (b *mqttBackend) Echoes() bool {
	return true
}

func (b *mqttBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.client.Disconnect(disconnectQuiesce)
	return nil
}

func (b *mqttBackend) await(token paho.Token, what string) {
	if !token.WaitTimeout(publishTimeout) {
		logger.WarnF("Bridge %s on %s timed out", what, b.addr)
		return
	}
	if err := token.Error(); err != nil {
		logger.WarnF("Bridge %s on %s failed, details: %v", what, b.addr, err)
	}
}
