package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/volition/gcs-core/internal/service"
)

// callRequest is the body for POST /api/devices/{sn}/calls.
type callRequest struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	TimeoutMs int            `json:"timeout_ms"`
	NoWait    bool           `json:"no_wait"`
}

// callResponse is the success body for a completed service call.
type callResponse struct {
	DeviceID string         `json:"device_id"`
	Method   string         `json:"method"`
	Result   int            `json:"result"`
	Output   map[string]any `json:"output,omitempty"`
	Sent     bool           `json:"sent,omitempty"`
}

// handleServiceCall invokes a catalogued service method on a device and
// waits for the reply (unless the template or request opts out).
func (s *Server) handleServiceCall(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Method == "" {
		writeBadRequest(w, "method is required")
		return
	}

	var opts []service.CallOption
	if req.TimeoutMs > 0 {
		opts = append(opts, service.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}
	if req.NoWait {
		opts = append(opts, service.WithNoWait())
	}

	output, err := s.caller.Call(r.Context(), sn, req.Method, req.Params, opts...)
	if err != nil {
		s.writeCallError(w, sn, req.Method, err)
		return
	}

	resp := callResponse{
		DeviceID: sn,
		Method:   req.Method,
		Output:   output,
	}
	if req.NoWait {
		resp.Sent = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListServices returns the catalogued service methods.
func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "service catalog not configured")
		return
	}

	methods := s.catalog.Methods()
	services := make([]service.Template, 0, len(methods))
	for _, m := range methods {
		tmpl, err := s.catalog.Lookup(m)
		if err != nil {
			continue
		}
		services = append(services, tmpl)
	}

	writeJSON(w, http.StatusOK, map[string]any{"services": services, "count": len(services)})
}

// writeCallError maps service call failures onto HTTP statuses. A
// business rejection carries the device's result code and output
// through to the client.
func (s *Server) writeCallError(w http.ResponseWriter, sn, method string, err error) {
	if be, ok := service.AsBusinessError(err); ok {
		writeJSON(w, http.StatusBadGateway, Error{
			Status:  http.StatusBadGateway,
			Code:    ErrCodeDevice,
			Message: be.Error(),
			Result:  be.Code,
			Output:  be.Output,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrUnknownService):
		writeNotFound(w, "unknown service method: "+method)
	case errors.Is(err, service.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, service.ErrCatalogNotReady):
		writeUnavailable(w, "service catalog still loading")
	case errors.Is(err, service.ErrNoConnection):
		writeUnavailable(w, "no connection to device")
	case errors.Is(err, service.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "device did not reply in time")
	default:
		s.logger.Error("service call failed", "device_id", sn, "method", method, "error", err)
		writeInternalError(w, "service call failed")
	}
}
