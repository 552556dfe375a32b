package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/config"
)

// Logger is the subset of the bridge logger the client writes to.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler receives one message. A returned error is logged; it does
// not affect delivery.
type MessageHandler func(topic string, payload []byte) error

type route struct {
	qos     byte
	handler MessageHandler
}

// Client is the replica's link to the coordination broker.
//
// It announces the replica online when connected, registers a Last Will
// that announces it offline if the process dies, and re-subscribes every
// route after paho reconnects. All methods are safe for concurrent use.
type Client struct {
	paho      pahomqtt.Client
	replicaID string
	qos       byte

	connected atomic.Bool

	mu           sync.Mutex
	routes       map[string]route
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Connect dials the broker described by cfg on behalf of replicaID and
// waits for the CONNACK.
//
// Returns:
//   - *Client: Connected client; the replica status is already online
//   - error: Wrapping ErrConnectionFailed when the broker is unreachable
func Connect(cfg config.MQTTConfig, replicaID string) (*Client, error) {
	c := &Client{
		replicaID: replicaID,
		qos:       byte(cfg.QoS),
		routes:    make(map[string]route),
	}

	opts := newClientOptions(cfg, replicaID).
		SetOnConnectHandler(func(pahomqtt.Client) { c.linkUp() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.linkDown(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			c.log().Info("MQTT reconnecting", "replica", replicaID)
		})

	c.paho = pahomqtt.NewClient(opts)
	tok := c.paho.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: no CONNACK from %s within %s", ErrConnectionFailed, brokerURL(cfg.Broker), connectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(cfg.Broker), err)
	}

	// The OnConnect handler runs on its own goroutine and may not have
	// fired yet.
	c.connected.Store(true)
	return c, nil
}

// linkUp runs on every (re)connect.
func (c *Client) linkUp() {
	c.connected.Store(true)

	c.mu.Lock()
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	cb := c.onConnect
	c.mu.Unlock()

	for topic, r := range routes {
		c.paho.Subscribe(topic, r.qos, c.dispatch(r.handler)) //nolint:errcheck // Fire and forget; a failure shows up as missing traffic
	}
	c.paho.Publish(Topics{}.ReplicaStatus(c.replicaID), c.qos, true, //nolint:errcheck // Re-sent on next reconnect
		statusPayload(c.replicaID, StatusOnline, ""))

	if cb != nil {
		cb()
	}
}

func (c *Client) linkDown(err error) {
	c.connected.Store(false)
	c.log().Warn("MQTT connection lost", "replica", c.replicaID, "error", err)

	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Close announces a graceful offline status and disconnects. Peers react
// to it exactly as to the Last Will. Close on an unconnected or nil client
// is a no-op.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.connected.Load() {
		tok := c.paho.Publish(Topics{}.ReplicaStatus(c.replicaID), c.qos, true,
			statusPayload(c.replicaID, StatusOffline, ReasonShutdown))
		tok.WaitTimeout(publishTimeout)
	}
	c.paho.Disconnect(closeQuiesceMS)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker link is up.
func (c *Client) IsConnected() bool {
	if c == nil || c.paho == nil {
		return false
	}
	return c.connected.Load() && c.paho.IsConnectionOpen()
}

func (c *Client) ReplicaID() string { return c.replicaID }

// QoS returns the configured default QoS.
func (c *Client) QoS() byte { return c.qos }

// SetOnConnect registers fn to run after every (re)connect, once routes
// are restored.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers fn to run when the link drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}

// dispatch adapts a MessageHandler to paho. A panicking handler is logged
// and swallowed so it cannot take down paho's router goroutine.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panicked", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
