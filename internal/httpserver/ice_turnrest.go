package httpserver

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/turnrest"
)

// stampTURNCredentials returns a copy of servers with the minted ephemeral
// credentials applied to every entry carrying a turn: or turns: URL. STUN
// entries pass through untouched, as do any configured static credentials on
// non-TURN servers. The input slice is never mutated.
func stampTURNCredentials(servers []webrtc.ICEServer, creds turnrest.Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
