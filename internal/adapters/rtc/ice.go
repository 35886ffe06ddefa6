package rtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEServer is the configuration shape of one STUN/TURN entry.
type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

// ICEServers converts and validates configured servers. TURN entries must
// carry credentials.
func ICEServers(in []ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(in))
	for i, s := range in {
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("ice server %d: no urls", i)
		}
		turn := false
		for _, u := range s.URLs {
			switch {
			case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
			case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
				turn = true
			default:
				return nil, fmt.Errorf("ice server %d: unsupported url %q", i, u)
			}
		}
		if turn && (s.Username == "" || s.Credential == "") {
			return nil, fmt.Errorf("ice server %d: %w", i, errTURNCredentials)
		}
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out, nil
}

var errTURNCredentials = errors.New("turn server requires username and credential")
