package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/gateway/internal/auth"
)

// adminAuth guards the admin subrouter with a bearer token. A bcrypt hash
// (ADMIN_TOKEN_HASH) takes precedence over the plain token; with neither
// configured the surface stays locked.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}

		if !s.adminTokenValid(token) {
			s.logger.Printf("🔒 Admin request rejected: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminTokenValid(token string) bool {
	if token == "" {
		return false
	}
	if s.cfg.Admin.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.TokenHash), []byte(token)) == nil
	}
	if s.cfg.Admin.Token == "" {
		return false
	}
	return auth.TimingSafeEqual([]byte(token), []byte(s.cfg.Admin.Token))
}

// handleChannels reports every registered adapter with its configured and
// initialized flags.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": s.registry.Status(s.cfg.Channels),
	})
}

// allowlistMutation is the body for allowlist add/remove. At least one of
// user_id and group_id must be set.
type allowlistMutation struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

func (s *Server) handleAllowlistStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowlist": s.allow.Status(),
	})
}

func (s *Server) handleAllowlistAdd(w http.ResponseWriter, r *http.Request) {
	var req allowlistMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Channel == "" || (req.UserID == "" && req.GroupID == "") {
		http.Error(w, "channel and user_id or group_id are required", http.StatusBadRequest)
		return
	}

	if req.UserID != "" {
		s.allow.AddUser(req.Channel, req.UserID)
	}
	if req.GroupID != "" {
		s.allow.AddGroup(req.Channel, req.GroupID)
	}
	s.logger.Printf("➕ Allowlist add on %s (user=%q group=%q)", req.Channel, req.UserID, req.GroupID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "added", "channel": req.Channel})
}

func (s *Server) handleAllowlistRemove(w http.ResponseWriter, r *http.Request) {
	var req allowlistMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Channel == "" || (req.UserID == "" && req.GroupID == "") {
		http.Error(w, "channel and user_id or group_id are required", http.StatusBadRequest)
		return
	}

	removedUser := req.UserID != "" && s.allow.RemoveUser(req.Channel, req.UserID)
	removedGroup := req.GroupID != "" && s.allow.RemoveGroup(req.Channel, req.GroupID)
	if !removedUser && !removedGroup {
		http.Error(w, "no matching entry", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "channel": req.Channel})
}

func (s *Server) handleAllowlistMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
		Mode    string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	if err := s.allow.SetMode(req.Channel, req.Mode); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"channel": req.Channel,
		"mode":    req.Mode,
	})
}

// limiterTarget identifies one channel:user bucket.
type limiterTarget struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
}

func (t limiterTarget) validate() error {
	if t.Channel == "" || t.UserID == "" {
		return fmt.Errorf("channel and user_id are required")
	}
	return nil
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func (s *Server) handleRateLimitUnban(w http.ResponseWriter, r *http.Request) {
	var req limiterTarget
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.limiter.Unban(req.Channel, req.UserID) {
		http.Error(w, "no ban on record", http.StatusNotFound)
		return
	}
	s.logger.Printf("♻️ Unbanned %s on %s", auth.AuditTag(req.UserID), req.Channel)

	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req limiterTarget
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.limiter.Reset(req.Channel, req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleHeartbeatRun triggers one proactive cycle and returns its report.
// Overlap with the scheduled cycle is refused by the engine itself.
func (s *Server) handleHeartbeatRun(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "heartbeat disabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Run(r.Context()))
}

// handleEventStream streams gateway audit events over Server-Sent Events.
// An optional ?events=a,b query filters by event type.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	if s.bus == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var eventTypes []string
	if filter := r.URL.Query().Get("events"); filter != "" {
		eventTypes = strings.Split(filter, ",")
	}

	ch := s.bus.Subscribe(eventTypes...)
	defer s.bus.Unsubscribe(ch)

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := event.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
