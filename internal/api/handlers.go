package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status             string `json:"status"`
	Transport          string `json:"transport"`
	PendingEscalations int    `json:"pending_escalations"`
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("TriagePipe is running\n")); err != nil {
		slog.Error("Server.rootHandler: failed to write response", "error", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	pending := 0
	if s.scheduler != nil {
		pending = len(s.scheduler.ListActive())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(HealthStatus{
		Status:             "ok",
		Transport:          s.transport,
		PendingEscalations: pending,
	}))
}

func (s *Server) escalationsHandler(w http.ResponseWriter, r *http.Request) {
	active := []models.EscalationInfo{}
	if s.scheduler != nil {
		active = append(active, s.scheduler.ListActive()...)
	}
	slog.Debug("Server.escalationsHandler: listing pending follow-ups", "count", len(active))
	writeJSONResponse(w, http.StatusOK, models.Success(active))
}
