// Package pool manages the station's MQTT connections, one set per
// aircraft.
//
// Each device gets a primary connection carrying services, telemetry
// and status, and optionally a heartbeat-class connection carrying the
// DRC command channel. Ensure operations are idempotent: a live client
// is reused, never torn down and replaced, so subscriptions and broker
// identity survive repeated calls. Deterministic client IDs mean a
// process restart displaces its previous broker session instead of
// leaking it.
//
// The pool feeds every inbound frame into the message router tagged
// with the owning device's serial, and tears a device down when its
// status topic reports the aircraft gone from its gateway.
package pool
