package rtc

import (
	"github.com/dkeye/Call/internal/config"
	"github.com/pion/webrtc/v4"
)

// ICEConfiguration builds the peer configuration from the ICE settings.
// The TURN entry is added only when a server is configured.
func ICEConfiguration(cfg config.ICE) webrtc.Configuration {
	var stun []string
	seen := make(map[string]struct{})
	for _, u := range append([]string{cfg.STUNServer}, cfg.FallbackSTUN...) {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		stun = append(stun, u)
	}

	servers := make([]webrtc.ICEServer, 0, 2)
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if cfg.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{cfg.TURNServer},
			Username:       cfg.TURNUsername,
			Credential:     cfg.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}
