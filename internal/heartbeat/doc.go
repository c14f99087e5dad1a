// Package heartbeat maintains the DRC keep-alive for aircraft in
// direct remote control mode.
//
// Once an aircraft enters DRC mode it expects a steady stream of
// heart_beat frames on thing/product/{sn}/drc/down; silence makes it
// drop the channel. A Session publishes those frames at a fixed cadence
// over the device's heartbeat-class connection and nothing else — the
// primary connection and its subscriptions stay out of its hands.
package heartbeat
