package frontend

import (
	"encoding/json"
	"net/http"

	"github.com/collabmesh/gateway/entity"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/fx"
)

// handleVersion serves GET /api/v1/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleStatistics serves GET /api/v1/statistics. An unauthenticated or
// malformed token yields 404, deliberately indistinguishable from a
// missing route (spec.md §4.E).
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token, err := s.verifyAdminToken(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	stats := s.manager.Stats(r.Context(), token.IsAdmin())
	writeJSON(w, http.StatusOK, stats)
}

// handleManage serves PUT /api/v1/manage?operation=...
func (s *Server) handleManage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token, err := s.verifyAdminToken(r)
	if err != nil || !token.IsAdmin() {
		http.NotFound(w, r)
		return
	}

	switch r.URL.Query().Get("operation") {
	case "maintenance":
		s.manager.ScheduleMaintenance(1)
	case "wipe-statistics":
		s.manager.WipeStatistics(r.Context())
	case "force-close":
		workspaceKey := r.URL.Query().Get("workspace")
		if err := s.manager.ForceClose(r.Context(), workspaceKey); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case "reboot":
		writeJSON(w, http.StatusOK, map[string]string{"status": "rebooting"})
		go s.reboot()
		return
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyAdminToken decodes and verifies the token query parameter. It does
// not itself check the admin flag; callers that require admin should check
// token.IsAdmin() explicitly.
func (s *Server) verifyAdminToken(r *http.Request) (*entity.Token, error) {
	raw := r.URL.Query().Get("token")
	return s.verifier.Verify(r.Context(), raw)
}

// reboot terminates the process with exit code 0; the supervisor is
// expected to restart it (spec.md §6 exit codes).
func (s *Server) reboot() {
	if err := s.shutdowner.Shutdown(fx.ExitCode(0)); err != nil {
		s.logger.Errorw("shutdown failed during reboot", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
