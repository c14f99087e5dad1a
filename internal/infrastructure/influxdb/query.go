package influxdb

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// HistoryPoint is one sample of one telemetry field.
type HistoryPoint struct {
	Time  time.Time `json:"time"`
	Field string    `json:"field"`
	Value float64   `json:"value"`
}

// QueryOSDHistory returns recorded OSD samples for a device over a time
// window, optionally restricted to a single field.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Aircraft serial
//   - field: Field name to restrict to; empty returns all fields
//   - since: Start of the window
//
// Returns:
//   - []HistoryPoint: Samples in ascending time order
//   - error: nil on success, otherwise the query error
func (c *Client) QueryOSDHistory(ctx context.Context, deviceID, field string, since time.Time) ([]HistoryPoint, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, `from(bucket: %q)`, c.cfg.Bucket)
	fmt.Fprintf(&b, ` |> range(start: %s)`, since.UTC().Format(time.RFC3339))
	b.WriteString(` |> filter(fn: (r) => r._measurement == "osd")`)
	fmt.Fprintf(&b, ` |> filter(fn: (r) => r.device_id == %q)`, deviceID)
	if field != "" {
		fmt.Fprintf(&b, ` |> filter(fn: (r) => r._field == %q)`, field)
	}
	b.WriteString(` |> sort(columns: ["_time"])`)

	queryAPI := c.client.QueryAPI(c.cfg.Org)
	result, err := queryAPI.Query(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("querying osd history: %w", err)
	}
	defer result.Close()

	var points []HistoryPoint
	for result.Next() {
		record := result.Record()
		value, ok := toFloat(record.Value())
		if !ok {
			continue
		}
		points = append(points, HistoryPoint{
			Time:  record.Time(),
			Field: record.Field(),
			Value: value,
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("reading osd history: %w", result.Err())
	}

	return points, nil
}

// toFloat normalises the numeric types the query API can return.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
