package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteOSDFields writes one OSD frame's numeric fields for an aircraft.
//
// The write is non-blocking; points are batched and sent
// asynchronously. Non-numeric OSD fields should be filtered out by the
// caller.
//
// Parameters:
//   - deviceID: Aircraft serial number
//   - fields: Numeric OSD values (height, latitude, battery percent...)
//   - at: Frame timestamp
func (c *Client) WriteOSDFields(deviceID string, fields map[string]interface{}, at time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"osd",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		at,
	)

	c.writeAPI.WritePoint(point)
}

// WriteEvent records one device event occurrence.
//
// Parameters:
//   - deviceID: Aircraft serial number
//   - method: Event method name from the envelope
func (c *Client) WriteEvent(deviceID string, method string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"events",
		map[string]string{
			"device_id": deviceID,
			"method":    method,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnectionState records a connection state transition, giving
// link stability a queryable history.
func (c *Client) WriteConnectionState(deviceID, class, state string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"connection_state",
		map[string]string{
			"device_id": deviceID,
			"class":     class,
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
