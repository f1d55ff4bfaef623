// Package manager implements the Peer-Connection Manager (spec §4.D): a
// registry of PeerConnections keyed by remote peer user, shared by every
// Channel that talks to the same peer. It is grounded directly on the
// original implementation's CIceManager (original_source/Src/IceManager.cpp)
// — GetPeerConnect's lookup-or-create, AddDataChannel/CloseDataChannel's
// mutex-protected refcounting, and the signal-routing slots — adapted to
// Go idiom the way jhead-lanscape's WebRTCManager
// (lanscape-agent/internal/agent/webrtc.go) keys a map[string]*PeerConnection
// by peer id.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kanglin/rajang/internal/channel"
	"github.com/kanglin/rajang/internal/iceconfig"
	"github.com/kanglin/rajang/internal/pionrtc"
	"github.com/kanglin/rajang/internal/rtclog"
	"github.com/kanglin/rajang/internal/signaling"
)

var log = rtclog.Component("manager")

// candidateTTL is the maximum age of an ICE candidate that arrived before
// its PeerConnection's remote description: when the remote description is
// finally set, buffered candidates older than this are dropped instead of
// applied. The age is only checked at that flush; the buffer itself has no
// size limit, and candidates stay in it until the flush happens.
// Trickle ICE races the SDP exchange by design, so early candidates are
// buffered rather than discarded immediately or blocking the reader.
const candidateTTL = 15 * time.Second

type pendingCandidate struct {
	cand     webrtc.ICECandidateInit
	received time.Time
}

type entry struct {
	pc       *webrtc.PeerConnection
	refcount int

	mu               sync.Mutex
	remoteSet        bool
	bufferedCandidates []pendingCandidate
}

// Manager owns the shared-PeerConnection registry and the signaling client
// used to reach every peer user it talks to.
type Manager struct {
	localUser string
	iceCfg    iceconfig.Config
	dialer    channel.Dialer
	sig       *signaling.Client

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Manager bound to a signaling client already dialed for
// localUser. Responder Channels it creates will dial outbound TCP
// connections through dialer.
func New(localUser string, iceCfg iceconfig.Config, sig *signaling.Client, dialer channel.Dialer) *Manager {
	m := &Manager{
		localUser: localUser,
		iceCfg:    iceCfg,
		sig:       sig,
		dialer:    dialer,
		entries:   make(map[string]*entry),
	}
	log.Info().Str("localUser", localUser).Msg("peer-connection manager started")
	go m.dispatchSignalEvents()
	return m
}

// AcquirePeerConnection implements channel.Manager.
func (m *Manager) AcquirePeerConnection(ctx context.Context, peerUser string) (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.getOrCreateEntryLocked(peerUser)
	if err != nil {
		return nil, err
	}
	e.refcount++
	return e.pc, nil
}

// getOrCreateEntryLocked returns peerUser's entry, creating its shared
// PeerConnection if none exists yet. Mirroring the original
// CIceManager::GetPeerConnect, creating the entry does not by itself bump
// refcount: a PeerConnection can exist (e.g. answering an inbound offer)
// before any Channel has actually attached to it. Only AcquirePeerConnection
// (the initiator path) and onInboundDataChannel (the responder path, once a
// data channel actually arrives) increment refcount, so it always equals
// the number of live Channels as required. Callers must hold m.mu.
func (m *Manager) getOrCreateEntryLocked(peerUser string) (*entry, error) {
	if e, ok := m.entries[peerUser]; ok {
		return e, nil
	}

	pc, err := pionrtc.NewPeerConnection(m.iceCfg)
	if err != nil {
		return nil, fmt.Errorf("manager: new peer connection for %s: %w", peerUser, err)
	}

	e := &entry{pc: pc, refcount: 0}
	m.entries[peerUser] = e

	log.Debug().Str("peerUser", peerUser).Msg("created shared peer connection")

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := m.sig.SendCandidate(context.Background(), peerUser, "", signaling.Candidate{
			SDP: init.Candidate,
			Mid: safeStr(init.SDPMid),
		}); err != nil {
			log.Warn().Err(err).Str("peerUser", peerUser).Msg("failed to send ICE candidate")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peerUser", peerUser).Str("state", state.String()).Msg("peer connection state changed")
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.onInboundDataChannel(peerUser, pc, dc)
	})

	return e, nil
}

// ReleasePeerConnection implements channel.Manager. Once the refcount for
// peerUser reaches zero its PeerConnection is closed and the entry dropped
// (mirrors CIceManager::CloseDataChannel's zero-count close).
func (m *Manager) ReleasePeerConnection(peerUser string) {
	m.mu.Lock()
	e, ok := m.entries[peerUser]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refcount--
	remaining := e.refcount
	if remaining <= 0 {
		delete(m.entries, peerUser)
	}
	m.mu.Unlock()

	if remaining <= 0 {
		log.Debug().Str("peerUser", peerUser).Msg("closing peer connection, refcount zero")
		e.pc.Close()
	}
}

// SendDescription implements channel.Manager.
func (m *Manager) SendDescription(ctx context.Context, peerUser, channelID, typ, sdp string) error {
	return m.sig.SendDescription(ctx, peerUser, channelID, signaling.Description{
		Type: signaling.DescType(typ),
		SDP:  sdp,
	})
}

// SendCandidate implements channel.Manager.
func (m *Manager) SendCandidate(ctx context.Context, peerUser, channelID, mid, sdp string) error {
	return m.sig.SendCandidate(ctx, peerUser, channelID, signaling.Candidate{SDP: sdp, Mid: mid})
}

// Connect opens a new initiator Channel to host:port over peerUser's shared
// peer connection, using the caller-supplied channelID as the Channel id
// and data-channel label.
func (m *Manager) Connect(ctx context.Context, peerUser, channelID, host string, port uint16) (*channel.Channel, error) {
	return channel.NewInitiator(ctx, m, channelID, peerUser, host, port)
}

// onInboundDataChannel handles an unsolicited DataChannel from peerUser —
// the responder side of the handshake. The channel id is the data
// channel's label, matching the invariant that the label a responder
// receives equals the Channel id the initiator chose.
func (m *Manager) onInboundDataChannel(peerUser string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	id := dc.Label()
	log.Debug().Str("peerUser", peerUser).Str("channel", id).Msg("inbound data channel")

	m.mu.Lock()
	if e, ok := m.entries[peerUser]; ok {
		e.refcount++
	}
	m.mu.Unlock()

	channel.NewResponder(m, id, peerUser, pc, dc, m.dialer)
}

// dispatchSignalEvents is the Manager's single consumer of the signaling
// client's event stream (spec §5's per-bus ordering guarantee is preserved
// end to end by having exactly one reader here too).
func (m *Manager) dispatchSignalEvents() {
	for ev := range m.sig.Events() {
		switch ev.Kind {
		case signaling.EventDescription:
			m.handleRemoteDescription(ev)
		case signaling.EventCandidate:
			m.handleRemoteCandidate(ev)
		case signaling.EventDisconnected:
			log.Warn().Msg("signaling bus disconnected")
		case signaling.EventConnected:
			log.Info().Msg("signaling bus connected")
		case signaling.EventError:
			log.Error().Int("code", ev.ErrCode).Str("message", ev.ErrMsg).Msg("signaling bus error")
		}
	}
}

func (m *Manager) handleRemoteDescription(ev signaling.Event) {
	m.mu.Lock()
	e, hasPC := m.entries[ev.From]
	m.mu.Unlock()

	if ev.Desc.Type == signaling.DescOffer {
		// An incoming offer for a peer we have no entry for yet means the
		// remote is the first to speak; create our side of the shared peer
		// connection before applying it. This must not bump refcount: no
		// Channel exists yet, only once the inbound data channel actually
		// arrives does onInboundDataChannel count it as live.
		if !hasPC {
			m.mu.Lock()
			newEntry, err := m.getOrCreateEntryLocked(ev.From)
			m.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("peerUser", ev.From).Msg("failed to create peer connection for inbound offer")
				return
			}
			e = newEntry
		}

		if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  ev.Desc.SDP,
		}); err != nil {
			log.Error().Err(err).Str("peerUser", ev.From).Msg("failed to set remote offer")
			return
		}
		m.flushBufferedCandidates(e)

		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			log.Error().Err(err).Str("peerUser", ev.From).Msg("failed to create answer")
			return
		}
		if err := e.pc.SetLocalDescription(answer); err != nil {
			log.Error().Err(err).Str("peerUser", ev.From).Msg("failed to set local answer")
			return
		}
		if err := m.sig.SendDescription(context.Background(), ev.From, ev.ChannelID, signaling.Description{
			Type: signaling.DescAnswer,
			SDP:  answer.SDP,
		}); err != nil {
			log.Error().Err(err).Str("peerUser", ev.From).Msg("failed to send answer")
		}
		return
	}

	// Answer: applies to a peer connection we (as initiator) already have.
	if !hasPC {
		log.Warn().Str("peerUser", ev.From).Msg("received answer for unknown peer connection")
		return
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  ev.Desc.SDP,
	}); err != nil {
		log.Error().Err(err).Str("peerUser", ev.From).Msg("failed to set remote answer")
		return
	}
	m.flushBufferedCandidates(e)
}

func (m *Manager) handleRemoteCandidate(ev signaling.Event) {
	m.mu.Lock()
	e, ok := m.entries[ev.From]
	m.mu.Unlock()

	init := webrtc.ICECandidateInit{Candidate: ev.Cand.SDP}
	if ev.Cand.Mid != "" {
		mid := ev.Cand.Mid
		init.SDPMid = &mid
	}

	if !ok {
		// Candidate raced ahead of the offer/answer that would have
		// created this entry; there is nothing to buffer it against yet,
		// so it is simply dropped (matches spec's tolerance for ICE
		// candidates arriving with no addressable channel).
		log.Debug().Str("peerUser", ev.From).Msg("dropping candidate for unknown peer")
		return
	}

	e.mu.Lock()
	remoteSet := e.remoteSet
	if !remoteSet {
		e.bufferedCandidates = append(e.bufferedCandidates, pendingCandidate{cand: init, received: time.Now()})
	}
	e.mu.Unlock()

	if remoteSet {
		if err := e.pc.AddICECandidate(init); err != nil {
			log.Warn().Err(err).Str("peerUser", ev.From).Msg("failed to add ICE candidate")
		}
	}
}

// flushBufferedCandidates applies every candidate buffered while the
// remote description was not yet set, dropping any that exceeded
// candidateTTL while waiting.
func (m *Manager) flushBufferedCandidates(e *entry) {
	e.mu.Lock()
	e.remoteSet = true
	pending := e.bufferedCandidates
	e.bufferedCandidates = nil
	e.mu.Unlock()

	for _, p := range freshCandidates(pending, time.Now()) {
		if err := e.pc.AddICECandidate(p.cand); err != nil {
			log.Warn().Err(err).Msg("failed to add buffered ICE candidate")
		}
	}
}

// freshCandidates filters out candidates that have sat in the buffer
// longer than candidateTTL, as of now.
func freshCandidates(pending []pendingCandidate, now time.Time) []pendingCandidate {
	fresh := make([]pendingCandidate, 0, len(pending))
	for _, p := range pending {
		if now.Sub(p.received) > candidateTTL {
			continue
		}
		fresh = append(fresh, p)
	}
	return fresh
}

func safeStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
