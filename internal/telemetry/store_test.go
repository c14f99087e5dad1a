package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
	"github.com/volition/gcs-core/internal/router"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeRecorder struct {
	mu     sync.Mutex
	osd    []map[string]interface{}
	events []string
}

func (f *fakeRecorder) WriteOSDFields(deviceID string, fields map[string]interface{}, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.osd = append(f.osd, fields)
}

func (f *fakeRecorder) WriteEvent(deviceID string, method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, method)
}

func newAttachedStore(t *testing.T) (*Store, *router.Router) {
	t.Helper()
	s := NewStore()
	routes := router.New()
	s.Attach(routes)
	return s, routes
}

// ============================================================================
// Snapshot merging
// ============================================================================

func TestIngestOSDMergesPartialFrames(t *testing.T) {
	s, routes := newAttachedStore(t)

	routes.Route("thing/product/SN1/osd", []byte(`{"data":{"height":50.5,"battery":90}}`))
	routes.Route("thing/product/SN1/osd", []byte(`{"data":{"height":51.0}}`))

	snap, ok := s.Device("SN1")
	if !ok {
		t.Fatal("no snapshot for SN1")
	}
	if snap.OSD["height"] != 51.0 {
		t.Errorf("height = %v, want 51.0 (latest frame)", snap.OSD["height"])
	}
	if snap.OSD["battery"] != 90.0 {
		t.Errorf("battery = %v, want 90 (carried from earlier frame)", snap.OSD["battery"])
	}
	if snap.OSDUpdatedAt.IsZero() {
		t.Error("OSDUpdatedAt not set")
	}
}

func TestIngestStateSeparateFromOSD(t *testing.T) {
	s, routes := newAttachedStore(t)

	routes.Route("thing/product/SN1/osd", []byte(`{"data":{"height":10}}`))
	routes.Route("thing/product/SN1/state", []byte(`{"data":{"mode_code":3}}`))

	snap, _ := s.Device("SN1")
	if snap.State["mode_code"] != 3.0 {
		t.Errorf("state mode_code = %v, want 3", snap.State["mode_code"])
	}
	if _, ok := snap.OSD["mode_code"]; ok {
		t.Error("state field leaked into OSD section")
	}
}

func TestIngestEventsRing(t *testing.T) {
	s, routes := newAttachedStore(t)

	for i := 0; i < maxRecentEvents+5; i++ {
		payload := fmt.Sprintf(`{"method":"hms","data":{"n":%d}}`, i)
		routes.Route("thing/product/SN1/events", []byte(payload))
	}

	snap, _ := s.Device("SN1")
	if len(snap.RecentEvents) != maxRecentEvents {
		t.Fatalf("events = %d, want capped at %d", len(snap.RecentEvents), maxRecentEvents)
	}
	last := snap.RecentEvents[len(snap.RecentEvents)-1]
	if last.Data["n"] != float64(maxRecentEvents+4) {
		t.Errorf("last event n = %v, want newest retained", last.Data["n"])
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s, routes := newAttachedStore(t)

	routes.Route("thing/product/SN1/osd", []byte(`{"data":{"height":10}}`))

	snap, _ := s.Device("SN1")
	snap.OSD["height"] = 999.0

	again, _ := s.Device("SN1")
	if again.OSD["height"] != 10.0 {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestDevicesSortedAndForget(t *testing.T) {
	s, routes := newAttachedStore(t)

	routes.Route("thing/product/SN2/osd", []byte(`{"data":{}}`))
	routes.Route("thing/product/SN1/osd", []byte(`{"data":{}}`))

	devices := s.Devices()
	if len(devices) != 2 || devices[0].DeviceID != "SN1" || devices[1].DeviceID != "SN2" {
		t.Errorf("devices = %+v, want sorted SN1, SN2", devices)
	}

	s.Forget("SN1")
	if _, ok := s.Device("SN1"); ok {
		t.Error("device survived Forget")
	}
}

// ============================================================================
// Recorder feed
// ============================================================================

func TestRecorderGetsNumericOSDFieldsOnly(t *testing.T) {
	s, routes := newAttachedStore(t)
	rec := &fakeRecorder{}
	s.SetRecorder(rec)

	routes.Route("thing/product/SN1/osd",
		[]byte(`{"data":{"height":42.5,"country":"GB","position":{"lat":51.5}}}`))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.osd) != 1 {
		t.Fatalf("osd writes = %d, want 1", len(rec.osd))
	}
	fields := rec.osd[0]
	if fields["height"] != 42.5 {
		t.Errorf("height = %v", fields["height"])
	}
	if _, ok := fields["country"]; ok {
		t.Error("string field sent to recorder")
	}
	if _, ok := fields["position"]; ok {
		t.Error("nested object sent to recorder")
	}
}

func TestRecorderGetsEvents(t *testing.T) {
	s, routes := newAttachedStore(t)
	rec := &fakeRecorder{}
	s.SetRecorder(rec)

	routes.Route("thing/product/SN1/events", []byte(`{"method":"flyto_way_point_progress"}`))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0] != "flyto_way_point_progress" {
		t.Errorf("events = %v", rec.events)
	}
}

func TestStateChangeForgetsClosedDevice(t *testing.T) {
	s, routes := newAttachedStore(t)

	routes.Route("thing/product/SN1/osd", []byte(`{"data":{"height":120.5}}`))
	routes.Route("thing/product/SN2/osd", []byte(`{"data":{"height":30.0}}`))

	// A heartbeat-class close keeps the snapshot; the device is still
	// flying on its primary connection.
	s.HandleStateChange(mqtt.StateChange{
		DeviceID: "SN1",
		Class:    mqtt.ClassHeartbeat,
		State:    mqtt.StateClosed,
		Previous: mqtt.StateConnected,
	})
	if _, ok := s.Device("SN1"); !ok {
		t.Fatal("snapshot dropped on heartbeat-class close")
	}

	// A reconnect cycle on the primary keeps it too.
	s.HandleStateChange(mqtt.StateChange{
		DeviceID: "SN1",
		Class:    mqtt.ClassPrimary,
		State:    mqtt.StateReconnecting,
		Previous: mqtt.StateConnected,
	})
	if _, ok := s.Device("SN1"); !ok {
		t.Fatal("snapshot dropped on reconnect")
	}

	// Primary teardown drops the snapshot and leaves other devices.
	s.HandleStateChange(mqtt.StateChange{
		DeviceID: "SN1",
		Class:    mqtt.ClassPrimary,
		State:    mqtt.StateClosed,
		Previous: mqtt.StateConnected,
	})
	if _, ok := s.Device("SN1"); ok {
		t.Error("snapshot survived primary teardown")
	}
	if _, ok := s.Device("SN2"); !ok {
		t.Error("unrelated device forgotten")
	}
}
