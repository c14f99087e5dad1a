package mqtt

// Class identifies which transport session a client carries for a device.
//
// Each device has at most one client per class. The primary class carries
// business calls and telemetry; the heartbeat class carries only DRC
// liveness frames so they cannot be starved by primary-channel
// backpressure.
type Class string

// Connection classes.
const (
	ClassPrimary   Class = "primary"
	ClassHeartbeat Class = "heartbeat"
)

// State is the externally-visible connection state of a transport client.
type State string

// Connection states.
//
// Idle → Connecting → Connected → Reconnecting → Error, with
// Connected → Closed on intentional teardown.
const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// StateChange describes a connection state transition for one device
// connection. Previous is the last externally-visible state; internal
// retry cycles that the auto-reconnect absorbs are never surfaced.
type StateChange struct {
	DeviceID string `json:"device_id"`
	Class    Class  `json:"class"`
	State    State  `json:"state"`
	Previous State  `json:"previous_state"`
}

// StateHandler receives connection state change notifications.
type StateHandler func(change StateChange)
