package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/volition/gcs-core/internal/infrastructure/config"
	"github.com/volition/gcs-core/internal/infrastructure/logging"
	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
	"github.com/volition/gcs-core/internal/router"
)

// Client is the slice of the transport client the pool manages. The
// concrete implementation is mqtt.Client; tests substitute fakes.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Publish(topic string, payload []byte, qos byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	HasSubscription(topic string) bool
	Subscriptions() []string
	IsConnected() bool
	State() mqtt.State
	SetOnStateChange(handler mqtt.StateHandler)
	SetLogger(logger mqtt.Logger)
}

// Factory builds a transport client for one (device, class) pair.
type Factory func(cfg config.MQTTConfig, deviceID string, class mqtt.Class) Client

// defaultFactory builds real MQTT clients.
func defaultFactory(cfg config.MQTTConfig, deviceID string, class mqtt.Class) Client {
	return mqtt.New(cfg, deviceID, class)
}

// livenessRuleID names the router rule watching device status topics.
const livenessRuleID = "pool:liveness"

// StateListener receives connection state transitions for every pooled
// client.
type StateListener func(change mqtt.StateChange)

// device is the pool's record for one aircraft.
type device struct {
	primary   Client
	heartbeat Client
}

// DeviceConnection is a point-in-time view of one device's connections,
// safe to hand to the API layer.
type DeviceConnection struct {
	DeviceID       string     `json:"device_id"`
	PrimaryState   mqtt.State `json:"primary_state"`
	HeartbeatState mqtt.State `json:"heartbeat_state,omitempty"`
	Subscriptions  []string   `json:"subscriptions,omitempty"`
	Current        bool       `json:"current"`
}

// Pool owns all device connections: one primary client per aircraft,
// plus an optional heartbeat-class client for the DRC channel.
//
// Ensure operations are idempotent — an existing live connection is
// reused, never replaced, so repeated calls while connected are cheap
// no-ops. Switching the current device never disconnects the others;
// teardown is explicit via DisconnectDevice or driven by the device's
// own offline signal on its status topic.
type Pool struct {
	cfg     *config.Config
	routes  *router.Router
	factory Factory

	mu      sync.Mutex
	devices map[string]*device
	current string
	closed  bool

	listenerMu sync.RWMutex
	listeners  []StateListener

	logger   *logging.Logger
	loggerMu sync.RWMutex
}

// New creates an empty pool and installs its liveness rule on the
// router.
func New(cfg *config.Config, routes *router.Router) *Pool {
	p := &Pool{
		cfg:     cfg,
		routes:  routes,
		factory: defaultFactory,
		devices: make(map[string]*device),
	}
	routes.Register(livenessRuleID, router.TopicPattern(`/status$`), p.handleStatus)
	return p
}

// SetFactory replaces the transport client factory. Tests use this.
func (p *Pool) SetFactory(f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory = f
}

// SetLogger wires structured logging.
func (p *Pool) SetLogger(logger *logging.Logger) {
	p.loggerMu.Lock()
	defer p.loggerMu.Unlock()
	p.logger = logger
}

func (p *Pool) log() *logging.Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

// AddStateListener registers a callback for connection state changes
// across all pooled clients. Listeners run on transport goroutines and
// must not block.
func (p *Pool) AddStateListener(l StateListener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, l)
}

// handleStateChange logs and fans out one transition.
func (p *Pool) handleStateChange(change mqtt.StateChange) {
	if logger := p.log(); logger != nil {
		logger.Info("connection state changed",
			"device_id", change.DeviceID,
			"class", string(change.Class),
			"state", string(change.State),
			"previous", string(change.Previous))
	}

	p.listenerMu.RLock()
	listeners := make([]StateListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if logger := p.log(); logger != nil {
						logger.Error("state listener panicked", "panic", fmt.Sprintf("%v", r))
					}
				}
			}()
			l(change)
		}()
	}
}

// EnsureConnection returns a connected primary client for the device,
// creating and connecting one if needed. Safe to call repeatedly and
// concurrently; an existing client is reused, not replaced.
func (p *Pool) EnsureConnection(ctx context.Context, deviceID string) (Client, error) {
	client, err := p.ensure(ctx, deviceID, mqtt.ClassPrimary)
	if err != nil {
		return nil, err
	}
	if err := p.ensureDefaultSubscriptions(deviceID, client); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureHeartbeatConnection returns a connected heartbeat-class client
// for the device, creating and connecting one if needed. The heartbeat
// connection carries the DRC channel: heart_beat frames go down on
// drc/down and the aircraft's command traffic comes back on drc/up.
func (p *Pool) EnsureHeartbeatConnection(ctx context.Context, deviceID string) (Client, error) {
	client, err := p.ensure(ctx, deviceID, mqtt.ClassHeartbeat)
	if err != nil {
		return nil, err
	}

	topic := mqtt.Topics.DRCUp(deviceID)
	if !client.HasSubscription(topic) {
		if err := client.Subscribe(topic, 0, p.routeHandler(deviceID)); err != nil {
			return nil, fmt.Errorf("subscribing %s: %w", topic, err)
		}
	}
	return client, nil
}

// ensure finds or creates the client for (device, class) and connects
// it. Client creation happens under the pool lock; the blocking connect
// does not, relying on the client's own idempotent Connect.
func (p *Pool) ensure(ctx context.Context, deviceID string, class mqtt.Class) (Client, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	d, ok := p.devices[deviceID]
	if !ok {
		d = &device{}
		p.devices[deviceID] = d
	}

	var client Client
	switch class {
	case mqtt.ClassHeartbeat:
		if d.heartbeat == nil {
			d.heartbeat = p.newClient(deviceID, class)
		}
		client = d.heartbeat
	default:
		if d.primary == nil {
			d.primary = p.newClient(deviceID, class)
		}
		client = d.primary
	}
	p.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrConnectFailed, deviceID, class, err)
	}
	return client, nil
}

// newClient builds and wires one transport client. Caller holds p.mu.
func (p *Pool) newClient(deviceID string, class mqtt.Class) Client {
	client := p.factory(p.cfg.MQTT, deviceID, class)
	client.SetOnStateChange(p.handleStateChange)
	if logger := p.log(); logger != nil {
		client.SetLogger(logger)
	}
	return client
}

// defaultSubscriptions are the topics every primary connection carries.
// The transport client restores them across reconnects; this only fills
// gaps on a fresh or revived connection.
func (p *Pool) ensureDefaultSubscriptions(deviceID string, client Client) error {
	subs := []struct {
		topic string
		qos   byte
	}{
		{mqtt.Topics.ServicesReply(deviceID), 1},
		{mqtt.Topics.Events(deviceID), 1},
		{mqtt.Topics.OSD(deviceID), 0},
		{mqtt.Topics.DeviceState(deviceID), 1},
		{mqtt.Topics.Status(deviceID), 1},
	}

	handler := p.routeHandler(deviceID)
	for _, s := range subs {
		if client.HasSubscription(s.topic) {
			continue
		}
		if err := client.Subscribe(s.topic, s.qos, handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", s.topic, err)
		}
	}
	return nil
}

// routeHandler feeds inbound frames into the router with the device
// identity already known.
func (p *Pool) routeHandler(deviceID string) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		p.routes.RouteFor(deviceID, topic, payload)
		return nil
	}
}

// handleStatus watches device status traffic for offline signals. A
// topo update with no sub-devices means the aircraft dropped off its
// gateway; the pooled connections are torn down so the next ensure
// starts clean.
func (p *Pool) handleStatus(msg *router.Message) {
	if msg.Envelope.Method != "update_topo" {
		return
	}
	if subDevices, ok := msg.Envelope.Data["sub_devices"].([]any); ok && len(subDevices) > 0 {
		return
	}

	if logger := p.log(); logger != nil {
		logger.Warn("device reported offline, tearing down connections",
			"device_id", msg.DeviceID)
	}
	if err := p.DisconnectDevice(msg.DeviceID); err != nil {
		if logger := p.log(); logger != nil {
			logger.Warn("offline teardown failed",
				"device_id", msg.DeviceID,
				"error", err)
		}
	}
}

// DisconnectDevice closes and removes both of a device's connections.
func (p *Pool) DisconnectDevice(deviceID string) error {
	p.mu.Lock()
	d, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	delete(p.devices, deviceID)
	if p.current == deviceID {
		p.current = ""
	}
	p.mu.Unlock()

	return closeDevice(d)
}

// DisconnectHeartbeat closes only the heartbeat-class connection,
// leaving the primary untouched. Used when leaving DRC mode.
func (p *Pool) DisconnectHeartbeat(deviceID string) error {
	p.mu.Lock()
	d, ok := p.devices[deviceID]
	if !ok || d.heartbeat == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s (heartbeat)", ErrUnknownDevice, deviceID)
	}
	hb := d.heartbeat
	d.heartbeat = nil
	p.mu.Unlock()

	return hb.Close()
}

func closeDevice(d *device) error {
	var firstErr error
	if d.primary != nil {
		if err := d.primary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.heartbeat != nil {
		if err := d.heartbeat.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetConnection returns the primary client for a device, if pooled.
func (p *Pool) GetConnection(deviceID string) (Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.devices[deviceID]
	if !ok || d.primary == nil {
		return nil, false
	}
	return d.primary, true
}

// GetHeartbeatConnection returns the heartbeat client for a device, if
// pooled.
func (p *Pool) GetHeartbeatConnection(deviceID string) (Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.devices[deviceID]
	if !ok || d.heartbeat == nil {
		return nil, false
	}
	return d.heartbeat, true
}

// SetCurrentDevice marks the device the operator is flying. Other
// devices' connections are left alone.
func (p *Pool) SetCurrentDevice(deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.devices[deviceID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	p.current = deviceID
	return nil
}

// CurrentDevice returns the operator's active device serial, if set.
func (p *Pool) CurrentDevice() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.current != ""
}

// GetCurrentConnection returns the primary client of the active device.
func (p *Pool) GetCurrentConnection() (Client, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	if current == "" {
		return nil, fmt.Errorf("%w: no current device", ErrUnknownDevice)
	}
	client, ok := p.GetConnection(current)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, current)
	}
	return client, nil
}

// Connections returns a snapshot of every pooled device, sorted by
// serial.
func (p *Pool) Connections() []DeviceConnection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]DeviceConnection, 0, len(p.devices))
	for id, d := range p.devices {
		conn := DeviceConnection{
			DeviceID: id,
			Current:  id == p.current,
		}
		if d.primary != nil {
			conn.PrimaryState = d.primary.State()
			conn.Subscriptions = d.primary.Subscriptions()
		}
		if d.heartbeat != nil {
			conn.HeartbeatState = d.heartbeat.State()
		}
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close tears down every pooled connection and rejects further ensures.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	devices := p.devices
	p.devices = make(map[string]*device)
	p.current = ""
	p.mu.Unlock()

	p.routes.Unregister(livenessRuleID)

	var firstErr error
	for _, d := range devices {
		if err := closeDevice(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
