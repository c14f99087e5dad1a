package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/volition/gcs-core/internal/infrastructure/config"
)

// Client wraps one physical paho.mqtt.golang connection for a single
// device and connection class.
//
// It provides idempotent connection establishment, message publishing,
// subscription handling with restore-on-reconnect, and connection state
// notifications that suppress internal retry churn.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	deviceID string
	class    Class
	cfg      config.MQTTConfig
	options  *pahomqtt.ClientOptions
	client   pahomqtt.Client

	// subscriptions tracks active subscriptions for re-subscription on
	// reconnect. The subscription set belongs to the device connection,
	// not the socket.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// state is the externally-visible connection state. lastNotified is
	// the last state surfaced to the handler; transitions that land on
	// the same notified state are suppressed so a retry cycle absorbed
	// by auto-reconnect fires disconnected→connected at most once.
	state        State
	lastNotified State
	connUp       chan struct{}
	attempts     int
	connMu       sync.Mutex

	onStateChange StateHandler
	callbackMu    sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// newPahoClient constructs the underlying paho client. Tests swap it
// to inject a fake transport.
var newPahoClient = pahomqtt.NewClient

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: The raw message payload (typically JSON)
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// New creates an unconnected transport client for one device connection.
//
// The client identity is derived deterministically from class and
// device serial; constructing a second client for the same pair and
// connecting both causes broker-side eviction, so ownership of Client
// instances belongs to the connection pool.
//
// Parameters:
//   - cfg: MQTT broker configuration from config.yaml
//   - deviceID: The aircraft serial this client serves
//   - class: Connection class (primary or heartbeat)
func New(cfg config.MQTTConfig, deviceID string, class Class) *Client {
	c := &Client{
		deviceID:      deviceID,
		class:         class,
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
		state:         StateIdle,
		lastNotified:  StateIdle,
		connUp:        make(chan struct{}),
	}

	opts := buildClientOptions(cfg, deviceID, class)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.handleReconnectAttempt()
	})
	c.options = opts

	return c
}

// Connect establishes the connection to the MQTT broker.
//
// Idempotent: calling it while already connected returns immediately;
// calling it while a connect or auto-reconnect is in flight waits for
// that attempt's outcome instead of opening a second socket. Exactly
// one underlying paho client is created per Client for its lifetime.
//
// Parameters:
//   - ctx: Context bounding the wait for connection establishment
//
// Returns:
//   - error: nil once connected, ErrClosed after Close(), or a wrapped
//     ErrConnectionFailed if the attempt fails or times out
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()

	switch c.state {
	case StateClosed:
		c.connMu.Unlock()
		return ErrClosed
	case StateConnected:
		c.connMu.Unlock()
		return nil
	}

	// First caller creates the physical client (or revives one whose
	// retry budget ran out); everyone else waits on the same outcome.
	attempt := c.client == nil || c.state == StateError
	if c.client == nil {
		c.client = newPahoClient(c.options)
	}
	if attempt {
		c.attempts = 0
	}
	change, notify := c.applyStateLocked(StateConnecting)
	up := c.connUp
	c.connMu.Unlock()
	if notify {
		c.emit(change)
	}

	if attempt {
		token := c.client.Connect()
		if !token.WaitTimeout(defaultConnectTimeout) {
			return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
		}
		if err := token.Error(); err != nil {
			c.setState(StateError)
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}

		// Set connected state immediately after successful connection.
		// The OnConnectHandler callback runs asynchronously and may not
		// have executed yet; the duplicate transition is suppressed.
		c.setState(StateConnected)
		return nil
	}

	// A connect or auto-reconnect is already in flight; wait for it.
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
}

// handleConnect is called by paho when the connection is established,
// both on initial connect and on every successful auto-reconnect.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.attempts = 0
	change, notify := c.applyStateLocked(StateConnected)
	c.connMu.Unlock()

	// Restore subscriptions before surfacing the state change so
	// observers see a connection that is already receiving traffic.
	c.restoreSubscriptions()

	if notify {
		c.emit(change)
	}
}

// handleConnectionLost is called by paho once per user-visible outage.
func (c *Client) handleConnectionLost(err error) {
	c.connMu.Lock()
	if c.state == StateClosed {
		c.connMu.Unlock()
		return
	}
	change, notify := c.applyStateLocked(StateReconnecting)
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT connection lost",
			"device_id", c.deviceID,
			"class", c.class,
			"error", err,
		)
	}
	if notify {
		c.emit(change)
	}
}

// handleReconnectAttempt is called by paho before each reconnect attempt.
// It enforces the configured attempt cap; zero means retry forever.
func (c *Client) handleReconnectAttempt() {
	maxAttempts := c.cfg.Reconnect.MaxAttempts
	if maxAttempts <= 0 {
		return
	}

	c.connMu.Lock()
	c.attempts++
	exhausted := c.attempts > maxAttempts
	var change StateChange
	var notify bool
	if exhausted {
		change, notify = c.applyStateLocked(StateError)
	}
	c.connMu.Unlock()

	if !exhausted {
		return
	}

	if logger := c.getLogger(); logger != nil {
		logger.Error("MQTT reconnect attempts exhausted",
			"device_id", c.deviceID,
			"class", c.class,
			"max_attempts", maxAttempts,
		)
	}
	c.client.Disconnect(0)
	if notify {
		c.emit(change)
	}
}

// applyStateLocked records a state transition and reports whether it is
// externally visible. Callers must hold connMu and emit the returned
// change after unlocking.
func (c *Client) applyStateLocked(next State) (StateChange, bool) {
	prev := c.state
	c.state = next

	// connUp is closed exactly while Connected; waiters in Connect()
	// block on it.
	if next == StateConnected && prev != StateConnected {
		close(c.connUp)
	}
	if next != StateConnected && prev == StateConnected {
		c.connUp = make(chan struct{})
	}

	if next == c.lastNotified {
		return StateChange{}, false
	}
	change := StateChange{
		DeviceID: c.deviceID,
		Class:    c.class,
		State:    next,
		Previous: c.lastNotified,
	}
	c.lastNotified = next
	return change, true
}

// setState applies a transition and emits the notification if visible.
func (c *Client) setState(next State) {
	c.connMu.Lock()
	change, notify := c.applyStateLocked(next)
	c.connMu.Unlock()
	if notify {
		c.emit(change)
	}
}

// emit delivers a state change to the registered handler, guarded
// against handler panics.
func (c *Client) emit(change StateChange) {
	c.callbackMu.RLock()
	handler := c.onStateChange
	c.callbackMu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("state change handler panic recovered",
					"device_id", c.deviceID,
					"panic", r,
				)
			}
		}
	}()
	handler(change)
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// Re-subscribe (ignore errors during reconnection)
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// Close gracefully disconnects from the MQTT broker.
//
// The client transitions to Closed and cannot be reconnected; the pool
// creates a fresh Client if the device comes back.
//
// Returns:
//   - error: Always nil (closing an unconnected client is not an error)
func (c *Client) Close() error {
	c.connMu.Lock()
	if c.state == StateClosed {
		c.connMu.Unlock()
		return nil
	}
	client := c.client
	change, notify := c.applyStateLocked(StateClosed)
	c.connMu.Unlock()

	if client != nil {
		// Disconnect with quiesce period for pending operations
		client.Disconnect(defaultDisconnectQuiesce)
	}
	if notify {
		c.emit(change)
	}

	return nil
}

// HealthCheck verifies the MQTT connection is alive and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	connected := c.state == StateConnected
	c.connMu.Unlock()
	return connected && c.client != nil && c.client.IsConnected()
}

// State returns the current externally-visible connection state.
func (c *Client) State() State {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

// DeviceID returns the aircraft serial this client serves.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Class returns the connection class (primary or heartbeat).
func (c *Client) Class() Class {
	return c.class
}

// SetOnStateChange sets a handler invoked on externally-visible state
// transitions. Internal retry attempts absorbed by auto-reconnect do
// not fire the handler.
func (c *Client) SetOnStateChange(handler StateHandler) {
	c.callbackMu.Lock()
	c.onStateChange = handler
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
