package influxdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/volition/gcs-core/internal/infrastructure/config"
)

// ============================================================================
// Connect validation
// ============================================================================

func TestConnectDisabled(t *testing.T) {
	cfg := config.InfluxDBConfig{Enabled: false}

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

// ============================================================================
// Disconnected client behaviour
// ============================================================================

// Write helpers must be safe no-ops on a zero/disconnected client.

func TestWritesOnDisconnectedClientAreNoOps(t *testing.T) {
	c := &Client{}

	c.WriteOSDFields("SN123", map[string]interface{}{"height": 42.0}, time.Now())
	c.WriteEvent("SN123", "hms")
	c.WriteConnectionState("SN123", "primary", "connected")
	c.WritePoint("custom", nil, map[string]interface{}{"v": 1})
	c.Flush()

	if c.IsConnected() {
		t.Error("zero client reports connected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on zero client: %v", err)
	}
}

func TestHealthCheckNotConnected(t *testing.T) {
	c := &Client{}

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}
