package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
)

// handleICE hands clients the STUN/TURN set both sides of a call gather
// against. When TURN REST is configured, each response carries fresh
// ephemeral credentials scoped to the requesting peer.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers

	if s.turn != nil {
		creds, err := s.turn.Generate(r.URL.Query().Get("peerId"))
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": servers,
			"expiry":     creds.ExpiryUnix,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// withTURNCredentials overlays minted credentials on every TURN entry,
// leaving STUN entries untouched.
func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep empty non-nil slices encoding as [] rather than null.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
