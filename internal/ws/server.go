package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/agent-chat/backend/internal/activity"
	"github.com/agent-chat/backend/internal/agents"
	"github.com/agent-chat/backend/internal/config"
	"github.com/agent-chat/backend/internal/frontend"
	"github.com/agent-chat/backend/internal/heartbeat"
	"github.com/agent-chat/backend/internal/terminal"
)

type Server struct {
	config          *config.Config
	registry        *terminal.Registry
	hub             *Hub
	gateway         *Gateway
	store           *agents.Store
	tracker         *activity.Tracker
	beats           *heartbeat.Service
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
}

func NewServer(cfg *config.Config, registry *terminal.Registry, hub *Hub, store *agents.Store, tracker *activity.Tracker, beats *heartbeat.Service) *Server {
	s := &Server{
		config:         cfg,
		registry:       registry,
		hub:            hub,
		store:          store,
		tracker:        tracker,
		beats:          beats,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.gateway = NewGateway(registry, hub, store, tracker, beats, beats)
	s.gateway.CheckOrigin = s.checkOrigin
	s.gateway.DefaultRows = dimension(cfg.Terminal.DefaultRows, 24)
	s.gateway.DefaultCols = dimension(cfg.Terminal.DefaultCols, 80)
	s.gateway.DefaultModel = cfg.Terminal.DefaultModel
	return s
}

// SetFrontend configures static file serving. Must be called before
// SetupRoutes.
func (s *Server) SetFrontend(dir string, dev bool, embedded http.Handler) {
	s.frontendDir = dir
	s.dev = dev
	s.embeddedHandler = embedded
}

func (s *Server) Gateway() *Gateway {
	return s.gateway
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/terminal/", s.gateway)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgent)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.HandleFunc("/api/orchestrator/heartbeats", s.handleHeartbeats)
	mux.HandleFunc("/api/orchestrator/briefing", s.handleBriefing)
	mux.HandleFunc("/api/heartbeat", s.handleHeartbeatHook)
	mux.HandleFunc("/api/reports", s.handleReports)
	mux.HandleFunc("/api/reports/", s.handleReportAction)
	mux.HandleFunc("/api/browse", s.handleBrowse)

	if s.dev && s.frontendDir != "" {
		log.Printf("Serving frontend from filesystem: %s", s.frontendDir)
		mux.Handle("/", frontend.Dir(s.frontendDir))
	} else if s.embeddedHandler != nil {
		log.Println("Serving embedded frontend")
		mux.Handle("/", s.embeddedHandler)
	}
}

// Handler returns the routed mux wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathID returns the single id segment after prefix.
func pathID(path, prefix string) (string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.registry.ListActive()),
		"clients":  s.hub.Total(),
	})
}

type agentView struct {
	*agents.Agent
	Session  *terminal.Info     `json:"session,omitempty"`
	Activity *activity.Snapshot `json:"activity,omitempty"`
}

func (s *Server) viewOf(a *agents.Agent) agentView {
	v := agentView{Agent: a}
	if info, ok := s.registry.Info(a.ID); ok {
		v.Session = &info
		snap := s.tracker.Snapshot(a.ID)
		v.Activity = &snap
	}
	return v
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.List(r.Context())
		if err != nil {
			log.Printf("listing agents: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list agents")
			return
		}
		views := make([]agentView, 0, len(list))
		for _, a := range list {
			views = append(views, s.viewOf(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": views})

	case http.MethodPost:
		var req agents.NewAgent
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a, err := s.store.Create(r.Context(), req)
		if err != nil {
			log.Printf("creating agent: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create agent")
			return
		}
		log.Printf("agent created: %s (%s)", a.Label(), a.ID)
		writeJSON(w, http.StatusCreated, map[string]any{"agent": a})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.URL.Path, "/api/agents/")
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.agentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": s.viewOf(a)})

	case http.MethodPut:
		var patch agents.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if patch.Role != nil && *patch.Role != agents.RoleWorker && *patch.Role != agents.RoleOrchestrator {
			writeError(w, http.StatusBadRequest, "role must be worker or orchestrator")
			return
		}
		a, err := s.store.Update(r.Context(), id, patch)
		if err != nil {
			s.agentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": a})

	case http.MethodDelete:
		s.endSession(id)
		if err := s.store.Delete(r.Context(), id); err != nil {
			s.agentError(w, err)
			return
		}
		s.tracker.Forget(id)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) agentError(w http.ResponseWriter, err error) {
	if errors.Is(err, agents.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Agent not found")
		return
	}
	log.Printf("agent store error: %v", err)
	writeError(w, http.StatusInternalServerError, "agent store error")
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	type sessionView struct {
		terminal.Info
		Activity activity.Snapshot `json:"activity"`
		Clients  int               `json:"clients"`
	}
	views := []sessionView{}
	for _, id := range s.registry.ListActive() {
		info, ok := s.registry.Info(id)
		if !ok {
			continue
		}
		views = append(views, sessionView{Info: info, Activity: s.tracker.Snapshot(id), Clients: s.hub.Count(id)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.URL.Path, "/api/sessions/")
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, ok := s.registry.Info(id)
		if !ok {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": info, "activity": s.tracker.Snapshot(id)})

	case http.MethodDelete:
		if !s.endSession(id) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		if err := s.store.SetStatus(r.Context(), id, agents.StatusOffline); err != nil && !errors.Is(err, agents.ErrNotFound) {
			log.Printf("marking %s offline: %v", id, err)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// endSession kills the agent's session, if any, and stops its heartbeat.
func (s *Server) endSession(id string) bool {
	if !s.registry.Kill(id) {
		return false
	}
	log.Printf("session killed for agent %s", id)
	s.beats.SessionEnded(id)
	s.tracker.Forget(id)
	return true
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	beats, err := s.beats.Heartbeats()
	if err != nil {
		log.Printf("reading heartbeats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read heartbeats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"heartbeats": beats})
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	briefing, err := s.beats.Briefing()
	if err != nil {
		log.Printf("building briefing: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to build briefing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"briefing": briefing})
}

type heartbeatRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	heartbeat.Update
}

func (s *Server) handleHeartbeatHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.AgentID == "" || req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: agent_id, agent_name")
		return
	}
	if err := s.beats.Record(req.AgentID, req.AgentName, req.Update); err != nil {
		log.Printf("recording heartbeat for %s: %v", req.AgentID, err)
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// checkOrigin admits browsers on the configured origins. With none
// configured it admits same-host pages and loopback dev servers.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if len(s.allowedOrigins) > 0 {
		return s.allowedHosts[parsed.Host]
	}
	return parsed.Host == r.Host || isLoopback(parsed.Hostname())
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CloseViewers stops session creation, refuses new terminal viewers and
// disconnects the current ones. Sessions keep running.
func (s *Server) CloseViewers() {
	s.gateway.Close()
	if n := s.hub.CloseAll(); n > 0 {
		log.Printf("closed %d terminal clients", n)
	}
}

// Shutdown closes the viewers, if not done already, then kills every
// session. Nothing can spawn a session afterwards.
func (s *Server) Shutdown() {
	s.CloseViewers()
	if n := s.registry.KillAll(); n > 0 {
		log.Printf("killed %d pty sessions", n)
	}
}
