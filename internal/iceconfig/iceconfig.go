// Package iceconfig holds the immutable bundle of STUN/TURN endpoints and
// credentials handed to every PeerConnection the Manager creates.
package iceconfig

// Kind distinguishes a STUN server (address discovery only) from a TURN
// server (relay, requires credentials).
type Kind string

const (
	STUN Kind = "stun"
	TURN Kind = "turn"
)

// Server is one ICE server entry.
type Server struct {
	Kind       Kind
	Host       string
	Port       int
	Username   string
	Credential string
}

// Config is the ordered list of ICE servers offered to the WebRTC engine
// for every peer connection the Manager creates. It is immutable once
// built — callers construct a new Config rather than mutating one in use.
type Config struct {
	Servers []Server
}

// New builds a Config from STUN and, optionally, TURN endpoints. A zero
// Port or empty Host on either side omits that server, matching the
// spec's "all optional except signalUser and localListenPort" stance on
// configuration (only peerUser is additionally required before CONNECT).
func New(stunHost string, stunPort int, turnHost string, turnPort int, turnUser, turnPass string) Config {
	var servers []Server
	if stunHost != "" && stunPort != 0 {
		servers = append(servers, Server{Kind: STUN, Host: stunHost, Port: stunPort})
	}
	if turnHost != "" && turnPort != 0 {
		servers = append(servers, Server{
			Kind:       TURN,
			Host:       turnHost,
			Port:       turnPort,
			Username:   turnUser,
			Credential: turnPass,
		})
	}
	return Config{Servers: servers}
}

// Default returns a Config pointing at public Google STUN servers — the
// same zero-infrastructure fallback the teacher tool hard-codes for direct
// P2P connectivity. cmd/rajang does not call it; a config without an ICE
// section gets its STUN default from the store package instead.
func Default() Config {
	return Config{
		Servers: []Server{
			{Kind: STUN, Host: "stun.l.google.com", Port: 19302},
			{Kind: STUN, Host: "stun1.l.google.com", Port: 19302},
		},
	}
}
