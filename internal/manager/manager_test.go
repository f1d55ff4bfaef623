package manager

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kanglin/rajang/internal/signaling"
)

func TestSafeStr(t *testing.T) {
	if got := safeStr(nil); got != "" {
		t.Errorf("safeStr(nil) = %q, want empty", got)
	}
	s := "mid0"
	if got := safeStr(&s); got != s {
		t.Errorf("safeStr(&s) = %q, want %q", got, s)
	}
}

func newTestManager() *Manager {
	return &Manager{
		localUser: "local",
		entries:   make(map[string]*entry),
	}
}

func TestHandleRemoteCandidateBuffersBeforeRemoteDescriptionSet(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("webrtc.NewPeerConnection: %v", err)
	}
	m := newTestManager()
	m.entries["peerA"] = &entry{pc: pc, refcount: 1}

	ev := signaling.Event{
		Kind: signaling.EventCandidate,
		From: "peerA",
		Cand: signaling.Candidate{SDP: "candidate:1 1 UDP 1 127.0.0.1 1234 typ host", Mid: "0"},
	}
	m.handleRemoteCandidate(ev)

	e := m.entries["peerA"]
	if len(e.bufferedCandidates) != 1 {
		t.Fatalf("bufferedCandidates len = %d, want 1", len(e.bufferedCandidates))
	}
	if e.bufferedCandidates[0].cand.Candidate != ev.Cand.SDP {
		t.Errorf("buffered candidate SDP = %q, want %q", e.bufferedCandidates[0].cand.Candidate, ev.Cand.SDP)
	}
}

func TestHandleRemoteCandidateDropsUnknownPeer(t *testing.T) {
	m := newTestManager()
	ev := signaling.Event{Kind: signaling.EventCandidate, From: "ghost", Cand: signaling.Candidate{SDP: "x"}}

	// Must not panic despite no entry existing for "ghost".
	m.handleRemoteCandidate(ev)

	if len(m.entries) != 0 {
		t.Errorf("entries = %v, want empty", m.entries)
	}
}

func TestFreshCandidatesDropsExpired(t *testing.T) {
	now := time.Now()
	pending := []pendingCandidate{
		{cand: webrtc.ICECandidateInit{Candidate: "fresh"}, received: now},
		{cand: webrtc.ICECandidateInit{Candidate: "stale"}, received: now.Add(-candidateTTL - time.Second)},
		{cand: webrtc.ICECandidateInit{Candidate: "boundary"}, received: now.Add(-candidateTTL + time.Second)},
	}

	got := freshCandidates(pending, now)

	if len(got) != 2 {
		t.Fatalf("freshCandidates returned %d entries, want 2: %+v", len(got), got)
	}
	for _, c := range got {
		if c.cand.Candidate == "stale" {
			t.Errorf("freshCandidates kept an expired candidate: %+v", c)
		}
	}
}

func TestGetOrCreateEntryLockedDoesNotBumpRefcount(t *testing.T) {
	m := newTestManager()

	m.mu.Lock()
	e, err := m.getOrCreateEntryLocked("peerA")
	m.mu.Unlock()
	if err != nil {
		t.Fatalf("getOrCreateEntryLocked: %v", err)
	}

	if e.refcount != 0 {
		t.Fatalf("refcount = %d, want 0 (creating an entry alone must not count as a live Channel)", e.refcount)
	}
	defer e.pc.Close()
}

// TestInboundOfferThenDataChannelSettlesAtRefcountOne is a regression test:
// an inbound offer used to create the answering entry via
// AcquirePeerConnection (refcount -> 1), and then onInboundDataChannel
// bumped it again (-> 2), so the sole release from the responder Channel
// never brought it back to zero and the entry leaked forever.
func TestInboundOfferThenDataChannelSettlesAtRefcountOne(t *testing.T) {
	m := newTestManager()

	m.mu.Lock()
	e, err := m.getOrCreateEntryLocked("peerA")
	m.mu.Unlock()
	if err != nil {
		t.Fatalf("getOrCreateEntryLocked: %v", err)
	}
	defer e.pc.Close()

	// Mirrors the one refcount bump onInboundDataChannel performs once a
	// data channel for this peer actually arrives.
	m.mu.Lock()
	if entry, ok := m.entries["peerA"]; ok {
		entry.refcount++
	}
	m.mu.Unlock()

	if e.refcount != 1 {
		t.Fatalf("refcount = %d, want 1 after the single live Channel attaches", e.refcount)
	}

	m.ReleasePeerConnection("peerA")
	if _, ok := m.entries["peerA"]; ok {
		t.Fatal("entry still present after its one Channel released; refcount should have reached zero")
	}
}

func TestReleasePeerConnectionDropsEntryAtZero(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("webrtc.NewPeerConnection: %v", err)
	}
	m := newTestManager()
	m.entries["peerA"] = &entry{pc: pc, refcount: 2}

	m.ReleasePeerConnection("peerA")
	if _, ok := m.entries["peerA"]; !ok {
		t.Fatal("entry removed too early: refcount was 2, one release should leave it present")
	}

	m.ReleasePeerConnection("peerA")
	if _, ok := m.entries["peerA"]; ok {
		t.Fatal("entry still present after refcount reached zero")
	}

	// Releasing an already-gone peer must not panic.
	m.ReleasePeerConnection("peerA")
}
