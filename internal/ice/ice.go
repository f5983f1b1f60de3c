// Package ice assembles the ICE server list handed to clients. The service
// does not terminate media; it only tells peers where STUN/TURN lives.
package ice

import (
	"strings"

	"voice-signaling/internal/config"

	"github.com/pion/webrtc/v4"
)

const defaultStunURL = "stun:stun.l.google.com:19302"

// Descriptor is the client-facing JSON shape, compatible with the
// RTCIceServer dictionary browsers expect.
type Descriptor struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Servers builds the pion-typed server list from configuration. At least
// one STUN entry is always present.
func Servers(cfg config.ICEConfig) []webrtc.ICEServer {
	out := []webrtc.ICEServer{{URLs: stunURLs(cfg)}}
	if cfg.TurnURL != "" {
		out = append(out, webrtc.ICEServer{
			URLs:       []string{cfg.TurnURL},
			Username:   cfg.TurnUser,
			Credential: cfg.TurnPass,
		})
	}
	return out
}

// Descriptors is Servers in wire form for the HTTP endpoint. The list is
// derived from the pion-typed one so the two never drift apart.
func Descriptors(cfg config.ICEConfig) []Descriptor {
	servers := Servers(cfg)
	out := make([]Descriptor, 0, len(servers))
	for _, s := range servers {
		d := Descriptor{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			d.Credential = cred
		}
		out = append(out, d)
	}
	return out
}

// HasTURN reports whether a relay candidate source is configured. Calls
// between peers behind symmetric NAT will fail without one.
func HasTURN(cfg config.ICEConfig) bool { return cfg.TurnURL != "" }

func stunURLs(cfg config.ICEConfig) []string {
	if cfg.StunURLs == "" {
		return []string{defaultStunURL}
	}
	var urls []string
	for _, u := range strings.Split(cfg.StunURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return []string{defaultStunURL}
	}
	return urls
}
