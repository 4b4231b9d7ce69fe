package peer

import "github.com/pion/webrtc/v4"

// ICEConfig holds the ICE servers used for candidate gathering. An empty
// config gathers host candidates only, which is enough on one LAN.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds a config with one credential-less server per URL
// (e.g. "stun:stun.l.google.com:19302").
func ICEConfigFromURLs(urls []string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return ICEConfig{Servers: servers}
}
