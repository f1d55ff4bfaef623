// Package pionrtc adapts the pion/webrtc/v4 engine to the shapes this
// module's Manager and Channel packages want: a Configuration builder from
// iceconfig.Config, and constructors for PeerConnections and the single
// reliable, ordered DataChannel each logical Channel opens.
//
// Reliable + ordered is the deliberate choice here (unlike the teacher's
// tool, which multiplexes many sockets unordered over one shared
// DataChannel with its own sequencing layer): this module gives each
// logical SOCKS stream its own DataChannel labeled with its channelId, so
// SCTP's own ordering and retransmission already provide the byte-stream
// guarantee the spec's Channel state machine assumes.
package pionrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/kanglin/rajang/internal/iceconfig"
)

// BuildConfiguration translates an iceconfig.Config into the pion
// webrtc.Configuration understood by NewPeerConnection.
func BuildConfiguration(cfg iceconfig.Config) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		url := fmt.Sprintf("%s:%s:%d", s.Kind, s.Host, s.Port)
		server := webrtc.ICEServer{URLs: []string{url}}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewPeerConnection creates a PeerConnection configured with cfg's ICE
// servers.
func NewPeerConnection(cfg iceconfig.Config) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(BuildConfiguration(cfg))
}

// NewDataChannel creates the reliable, ordered DataChannel used to carry
// one logical Channel's SOCKS framing and forwarded bytes. label is the
// channelId: the responder looks up its Channel by this label in
// OnDataChannel (spec §4.D / data model invariant "a data channel label
// received from remote equals the Channel's id").
func NewDataChannel(pc *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
}
