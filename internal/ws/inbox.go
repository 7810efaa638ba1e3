package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/agent-chat/backend/internal/agents"
)

// handleReports serves the operator inbox: GET lists reports with the
// unread count, POST files one from an agent hook.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var acknowledged *bool
		if v := r.URL.Query().Get("acknowledged"); v != "" {
			b := strings.EqualFold(v, "true")
			acknowledged = &b
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		reports, err := s.store.ListReports(r.Context(), acknowledged, limit)
		if err != nil {
			log.Printf("listing reports: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list reports")
			return
		}
		unread, err := s.store.UnacknowledgedCount(r.Context())
		if err != nil {
			log.Printf("counting reports: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list reports")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "unread_count": unread})

	case http.MethodPost:
		var req agents.NewReport
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		report, err := s.store.AddReport(r.Context(), req)
		if err != nil {
			log.Printf("adding report from %s: %v", req.AgentID, err)
			writeError(w, http.StatusInternalServerError, "failed to add report")
			return
		}
		log.Printf("report from %s: %s", report.AgentName, report.Title)
		writeJSON(w, http.StatusCreated, map[string]any{"report": report})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleReportAction serves POST /api/reports/acknowledge-all and
// POST /api/reports/{id}/acknowledge.
func (s *Server) handleReportAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reports/"), "/")

	if rest == "acknowledge-all" {
		n, err := s.store.AcknowledgeAllReports(r.Context())
		if err != nil {
			log.Printf("acknowledging reports: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to acknowledge reports")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"acknowledged": n})
		return
	}

	idPart, ok := strings.CutSuffix(rest, "/acknowledge")
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid report id")
		return
	}
	err = s.store.AcknowledgeReport(r.Context(), id)
	switch {
	case errors.Is(err, agents.ErrReportNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Report not found"})
	case err != nil:
		log.Printf("acknowledging report %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to acknowledge report")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
