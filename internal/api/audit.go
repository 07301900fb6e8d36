package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/audit"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
)

// auditWriteTimeout bounds one command log insert.
const auditWriteTimeout = 5 * time.Second

// handleListAudit returns executed commands, newest first.
// Query parameters: device_id, action, source, result, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command log is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: q.Get("device_id"),
		Action:   q.Get("action"),
		Source:   q.Get("source"),
		Result:   q.Get("result"),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, p.name+" must be a non-negative integer")
			return
		}
		*p.dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing command log", "error", err)
		writeInternalError(w, "failed to read command log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// recordCommand writes an HTTP-originated command to the command log.
func (s *Server) recordCommand(deviceID, action string, params siegenia.Document, elapsed time.Duration, err error) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	entry := audit.NewEntry(deviceID, action, commandSource, params, elapsed, err)
	if aerr := s.audit.Create(ctx, entry); aerr != nil {
		s.logger.Warn("failed to record command", "device_id", deviceID, "action", action, "error", aerr)
	}
}
