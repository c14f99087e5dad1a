// Package influxdb provides time-series storage for flight telemetry.
//
// It wraps the official InfluxDB v2 Go client with the configuration,
// batching and health-check conventions used across the station. All
// writes are non-blocking: points are buffered and flushed on a timer
// or batch-size threshold, so telemetry recording never slows the MQTT
// receive path. Async write failures surface through SetOnError.
//
// Measurements:
//   - osd: numeric OSD frame fields, tagged by device_id
//   - events: event occurrences, tagged by device_id and method
//   - connection_state: link transitions, tagged by device_id and class
//
// The integration is optional; when disabled in config, Connect returns
// ErrDisabled and callers run without a recorder.
package influxdb
