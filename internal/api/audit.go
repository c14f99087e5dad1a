package api

import (
	"net/http"
	"strconv"

	"github.com/volition/gcs-core/internal/audit"
)

// handleListAudit returns the service-call audit trail, newest first.
//
// Query parameters:
//   - device_id: filter by aircraft serial
//   - method: filter by service method
//   - status: filter by outcome (ok, business_error, timeout, failed, sent)
//   - limit: page size (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "call audit not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: q.Get("device_id"),
		Method:   q.Get("method"),
		Status:   q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		writeInternalError(w, "failed to list call records")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
