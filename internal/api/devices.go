package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/volition/gcs-core/internal/heartbeat"
	"github.com/volition/gcs-core/internal/pool"
	"github.com/volition/gcs-core/internal/telemetry"
)

// deviceSummary is one entry in the device list: connection state from
// the pool overlaid with telemetry freshness and heartbeat status.
type deviceSummary struct {
	pool.DeviceConnection
	Heartbeat   bool                `json:"heartbeat_running"`
	Telemetry   *telemetry.Snapshot `json:"telemetry,omitempty"`
	HasSnapshot bool                `json:"has_snapshot"`
}

// handleListDevices returns every device the pool has connected this
// session, with heartbeat and telemetry status attached.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	conns := s.pool.Connections()

	devices := make([]deviceSummary, 0, len(conns))
	for _, conn := range conns {
		entry := deviceSummary{DeviceConnection: conn}
		if s.heartbeat != nil {
			entry.Heartbeat = s.heartbeat.Running(conn.DeviceID)
		}
		if snap, ok := s.telemetry.Device(conn.DeviceID); ok {
			entry.Telemetry = &snap
			entry.HasSnapshot = true
		}
		devices = append(devices, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetTelemetry returns the latest merged telemetry snapshot for a device.
func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	snap, ok := s.telemetry.Device(sn)
	if !ok {
		writeNotFound(w, "no telemetry for device")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleTelemetryHistory returns recorded OSD samples from the
// time-series store.
//
// Query parameters:
//   - field: restrict to one OSD field (optional)
//   - since: lookback window as a duration, default 1h
func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	if s.history == nil {
		writeUnavailable(w, "telemetry recording not configured")
		return
	}

	window := time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeBadRequest(w, "since must be a positive duration (e.g. 30m, 2h)")
			return
		}
		window = d
	}

	points, err := s.history.QueryOSDHistory(r.Context(), sn, r.URL.Query().Get("field"), time.Now().Add(-window))
	if err != nil {
		s.logger.Error("telemetry history query failed", "device_id", sn, "error", err)
		writeInternalError(w, "failed to query telemetry history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": sn,
		"points":    points,
		"count":     len(points),
	})
}

// connectionRequest is the optional body for POST /api/devices/{sn}/connection.
type connectionRequest struct {
	SetCurrent bool `json:"set_current"`
}

// handleEnsureConnection connects the device's primary MQTT session and
// sets up default subscriptions. Idempotent for already-connected devices.
func (s *Server) handleEnsureConnection(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	var req connectionRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	if _, err := s.pool.EnsureConnection(r.Context(), sn); err != nil {
		switch {
		case errors.Is(err, pool.ErrInvalidDevice):
			writeBadRequest(w, "invalid device serial")
		case errors.Is(err, pool.ErrPoolClosed):
			writeUnavailable(w, "connection pool is shut down")
		default:
			s.logger.Error("device connect failed", "device_id", sn, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeDevice, "failed to connect device")
		}
		return
	}

	if req.SetCurrent {
		if err := s.pool.SetCurrentDevice(sn); err != nil {
			writeInternalError(w, "failed to set current device")
			return
		}
	}

	writeJSON(w, http.StatusOK, s.connectionEntry(sn))
}

// handleDisconnect tears down all MQTT sessions for the device. Any
// running heartbeat is stopped first so the session does not spin
// against a closed connection.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	if s.heartbeat != nil && s.heartbeat.Running(sn) {
		if err := s.heartbeat.Stop(sn); err != nil && !errors.Is(err, heartbeat.ErrNotRunning) {
			s.logger.Warn("heartbeat stop during disconnect failed", "device_id", sn, "error", err)
		}
	}

	if err := s.pool.DisconnectDevice(sn); err != nil {
		if errors.Is(err, pool.ErrUnknownDevice) {
			writeNotFound(w, "device not connected")
			return
		}
		writeInternalError(w, "failed to disconnect device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"device_id": sn, "disconnected": true})
}

// heartbeatRequest is the body for POST /api/devices/{sn}/heartbeat.
type heartbeatRequest struct {
	Action string `json:"action"`
}

// handleHeartbeat starts or stops the DRC heartbeat session for a device.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	if s.heartbeat == nil {
		writeUnavailable(w, "heartbeat manager not configured")
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	switch req.Action {
	case "start":
		if err := s.heartbeat.Start(r.Context(), sn); err != nil {
			if errors.Is(err, heartbeat.ErrAlreadyRunning) {
				writeJSON(w, http.StatusOK, map[string]any{"device_id": sn, "running": true})
				return
			}
			s.logger.Error("heartbeat start failed", "device_id", sn, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeDevice, "failed to start heartbeat")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"device_id": sn, "running": true})

	case "stop":
		if err := s.heartbeat.Stop(sn); err != nil {
			if errors.Is(err, heartbeat.ErrNotRunning) {
				writeNotFound(w, "heartbeat not running")
				return
			}
			writeInternalError(w, "failed to stop heartbeat")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"device_id": sn, "running": false})

	default:
		writeBadRequest(w, "action must be \"start\" or \"stop\"")
	}
}

// connectionEntry builds the response body for a single device's
// connection state.
func (s *Server) connectionEntry(sn string) deviceSummary {
	for _, conn := range s.pool.Connections() {
		if conn.DeviceID != sn {
			continue
		}
		entry := deviceSummary{DeviceConnection: conn}
		if s.heartbeat != nil {
			entry.Heartbeat = s.heartbeat.Running(sn)
		}
		if snap, ok := s.telemetry.Device(sn); ok {
			entry.Telemetry = &snap
			entry.HasSnapshot = true
		}
		return entry
	}
	return deviceSummary{DeviceConnection: pool.DeviceConnection{DeviceID: sn}}
}
