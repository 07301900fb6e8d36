package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-siegenia/internal/device"
	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

// commandSource labels API-originated commands in metrics.
const commandSource = "http"

// DeviceResponse is returned by GET /devices/{id}.
type DeviceResponse struct {
	device.Status
	Snapshot poller.Snapshot `json:"snapshot"`
}

// handleListDevices returns the status of every configured device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	statuses := s.registry.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": statuses,
		"count":   len(statuses),
	})
}

// handleGetDevice returns one device's status and current snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	u, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeviceResponse{
		Status:   u.Status(),
		Snapshot: u.Poller.Snapshot(),
	})
}

// handleDeviceHistory lists recorded snapshots, newest first.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		writeDeviceError(w, err)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "snapshot history is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing snapshot history", "device_id", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}

// handleSetParams writes the request body as a setDeviceParams document.
func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var params siegenia.Document
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeBadRequest(w, "request body must be a JSON object")
		return
	}
	if len(params) == 0 {
		writeBadRequest(w, "at least one parameter is required")
		return
	}
	s.execute(w, r, device.ActionSetParams, params)
}

// handleAction runs reboot, reset, renew-cert or refresh.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := device.NormalizeAction(chi.URLParam(r, "action"))
	if action == device.ActionSetParams || !device.IsAction(action) {
		writeBadRequest(w, "unknown action: "+chi.URLParam(r, "action"))
		return
	}
	s.execute(w, r, action, nil)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, action string, params siegenia.Document) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		writeDeviceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.registry.Execute(ctx, id, action, params)
	if s.metrics != nil {
		s.metrics.ObserveBridgeCommand(commandSource, action, err)
	}
	s.recordCommand(id, action, params, time.Since(start), err)
	if err != nil {
		s.logger.Warn("device action failed", "device_id", id, "action", action, "error", err)
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeDeviceError maps device, client and poller errors to HTTP statuses.
func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, device.ErrUnknownAction):
		writeBadRequest(w, err.Error())
	case errors.Is(err, siegenia.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, siegenia.ErrDevice):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, err.Error())
	case errors.Is(err, siegenia.ErrTransport),
		errors.Is(err, siegenia.ErrNotConnected),
		errors.Is(err, siegenia.ErrConnectionLost),
		errors.Is(err, siegenia.ErrClosed),
		errors.Is(err, poller.ErrRefreshFailed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
