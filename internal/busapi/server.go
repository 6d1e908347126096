// Package busapi implements the HTTP collaborator described in spec
// §6: a REST surface for server-originated broadcasts plus read-only
// channel/health introspection, adapted from the teacher's
// tetrisapi.Server routing-by-string-switch idiom (manual path
// trimming over http.ServeMux, shared writeJSON/writeError/
// writeNoContent helpers) applied to the bus's own routes instead of
// tetris player/room routes.
package busapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"channelbus/internal/busauth"
	"channelbus/internal/busserver"
)

// Server exposes the bus's HTTP surface. bus is required; verifier is
// optional and, when set, gates POST /api/broadcast behind a bearer
// token (spec §6 "If auth is enabled, the route requires a bearer
// token").
type Server struct {
	bus      *busserver.Server
	verifier busauth.Verifier
}

// NewServer constructs a Server. A nil verifier leaves the broadcast
// route open.
func NewServer(bus *busserver.Server, verifier busauth.Verifier) *Server {
	return &Server{bus: bus, verifier: verifier}
}

// Register wires this Server's routes onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/broadcast", s.handleBroadcast)
	mux.HandleFunc("/api/channels/", s.handleChannel)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.verifier != nil {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
	}

	var req struct {
		Topic   string          `json:"topic"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "topic and event are required")
		return
	}

	body := struct {
		Type    string          `json:"type"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}{Type: "broadcast", Event: req.Event, Payload: req.Payload}
	raw, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload could not be encoded")
		return
	}

	count, err := s.bus.PublishAPIBroadcast(req.Topic, req.Event, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "recipientCount": count})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	topic := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	topic = strings.Trim(topic, "/")
	if topic == "" {
		writeError(w, http.StatusNotFound, "topic missing")
		return
	}

	members := s.bus.Registry().Members(topic)
	memberList := make([]map[string]string, 0, len(members))
	for _, m := range members {
		memberList = append(memberList, map[string]string{"clientId": m.LinkID})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":       topic,
		"memberCount": len(members),
		"members":     memberList,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"totalChannels": s.bus.Registry().TotalChannels(),
		"totalMembers":  s.bus.Registry().TotalMembers(),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{"status": "error", "reason": reason})
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
