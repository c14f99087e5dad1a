// Package telemetry keeps the latest known picture of every aircraft.
//
// The store subscribes (via the message router) to each device's osd,
// state and events topics. OSD and state frames are merged into
// per-device snapshots — DJI pushes are partial, so each frame overlays
// the last — and events accumulate in a short ring. Snapshots back the
// HTTP API's device views; numeric OSD fields and event counts are
// optionally streamed to InfluxDB for history.
package telemetry
