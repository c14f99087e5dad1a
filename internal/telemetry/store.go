package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/volition/gcs-core/internal/infrastructure/logging"
	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
	"github.com/volition/gcs-core/internal/router"
)

// maxRecentEvents caps the per-device event ring.
const maxRecentEvents = 32

// ingestRuleID names the store's router rule.
const ingestRuleID = "telemetry:ingest"

// Recorder receives telemetry for time-series storage. The influxdb
// client implements this; a nil recorder means snapshots only.
type Recorder interface {
	WriteOSDFields(deviceID string, fields map[string]interface{}, at time.Time)
	WriteEvent(deviceID string, method string)
}

// Event is one recent device event.
type Event struct {
	Method     string         `json:"method"`
	Data       map[string]any `json:"data,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Snapshot is a point-in-time copy of one device's telemetry.
type Snapshot struct {
	DeviceID     string         `json:"device_id"`
	OSD          map[string]any `json:"osd,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	RecentEvents []Event        `json:"recent_events,omitempty"`
	OSDUpdatedAt time.Time      `json:"osd_updated_at,omitzero"`
	UpdatedAt    time.Time      `json:"updated_at,omitzero"`
}

// deviceTelemetry is the store's mutable record for one aircraft.
type deviceTelemetry struct {
	osd          map[string]any
	state        map[string]any
	events       []Event
	osdUpdatedAt time.Time
	updatedAt    time.Time
}

// Store keeps the latest OSD frame, device state and recent events per
// aircraft, keyed by serial. It feeds the HTTP API's device views and,
// when a recorder is wired, streams numeric OSD fields and event
// occurrences into time-series storage.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceTelemetry

	recorderMu sync.RWMutex
	recorder   Recorder

	logger   *logging.Logger
	loggerMu sync.RWMutex
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*deviceTelemetry),
	}
}

// SetRecorder wires time-series recording. Optional.
func (s *Store) SetRecorder(r Recorder) {
	s.recorderMu.Lock()
	defer s.recorderMu.Unlock()
	s.recorder = r
}

func (s *Store) rec() Recorder {
	s.recorderMu.RLock()
	defer s.recorderMu.RUnlock()
	return s.recorder
}

// SetLogger wires structured logging.
func (s *Store) SetLogger(logger *logging.Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	s.logger = logger
}

// Attach registers the store's ingest rule on the router.
func (s *Store) Attach(routes *router.Router) {
	routes.Register(ingestRuleID, router.TopicPattern(`/(osd|state|events)$`), s.Ingest)
}

// Ingest folds one telemetry message into the device's snapshot.
func (s *Store) Ingest(msg *router.Message) {
	if msg.DeviceID == "" || msg.Type != router.TypeTelemetry {
		return
	}

	now := time.Now()

	s.mu.Lock()
	d, ok := s.devices[msg.DeviceID]
	if !ok {
		d = &deviceTelemetry{}
		s.devices[msg.DeviceID] = d
	}
	d.updatedAt = now

	switch {
	case strings.HasSuffix(msg.Topic, "/osd"):
		d.osd = mergeInto(d.osd, msg.Envelope.Data)
		d.osdUpdatedAt = now
	case strings.HasSuffix(msg.Topic, "/state"):
		d.state = mergeInto(d.state, msg.Envelope.Data)
	case strings.HasSuffix(msg.Topic, "/events"):
		d.events = append(d.events, Event{
			Method:     msg.Envelope.Method,
			Data:       msg.Envelope.Data,
			ReceivedAt: now,
		})
		if len(d.events) > maxRecentEvents {
			d.events = d.events[len(d.events)-maxRecentEvents:]
		}
	}
	s.mu.Unlock()

	s.record(msg, now)
}

// record forwards the message to the time-series recorder, if wired.
func (s *Store) record(msg *router.Message, at time.Time) {
	r := s.rec()
	if r == nil {
		return
	}

	switch {
	case strings.HasSuffix(msg.Topic, "/osd"):
		if fields := numericFields(msg.Envelope.Data); len(fields) > 0 {
			r.WriteOSDFields(msg.DeviceID, fields, at)
		}
	case strings.HasSuffix(msg.Topic, "/events"):
		if msg.Envelope.Method != "" {
			r.WriteEvent(msg.DeviceID, msg.Envelope.Method)
		}
	}
}

// Device returns a copy of one device's snapshot.
func (s *Store) Device(deviceID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return d.snapshot(deviceID), true
}

// Devices returns snapshots for every known device, sorted by serial.
func (s *Store) Devices() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.devices))
	for id, d := range s.devices {
		out = append(out, d.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Forget drops a device's snapshot, e.g. after pool teardown.
func (s *Store) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}

// HandleStateChange drops a device's snapshot when its primary
// connection closes. Register with the pool's AddStateListener so
// offline aircraft do not linger in the device list.
func (s *Store) HandleStateChange(change mqtt.StateChange) {
	if change.Class != mqtt.ClassPrimary || change.State != mqtt.StateClosed {
		return
	}
	s.Forget(change.DeviceID)
}

// snapshot copies the record. Caller holds at least a read lock.
func (d *deviceTelemetry) snapshot(deviceID string) Snapshot {
	snap := Snapshot{
		DeviceID:     deviceID,
		OSD:          copyMap(d.osd),
		State:        copyMap(d.state),
		OSDUpdatedAt: d.osdUpdatedAt,
		UpdatedAt:    d.updatedAt,
	}
	if len(d.events) > 0 {
		snap.RecentEvents = make([]Event, len(d.events))
		copy(snap.RecentEvents, d.events)
	}
	return snap
}

// mergeInto overlays src onto dst, allocating dst if needed. DJI OSD
// pushes are partial; later frames only carry the fields that changed.
func mergeInto(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// copyMap shallow-copies a snapshot section.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// numericFields extracts the float fields a time-series point can
// carry. Nested objects and strings stay in the snapshot only.
func numericFields(data map[string]any) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for k, v := range data {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		}
	}
	return out
}
