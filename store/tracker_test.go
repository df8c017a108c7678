package store

import (
	"net/netip"
	"testing"
	"time"
)

func TestTrackerAnnounceAndGetPeers(t *testing.T) {
	tr := NewTracker(16)
	var ih [20]byte
	ih[0] = 1

	p1 := netip.MustParseAddrPort("203.0.113.1:6881")
	p2 := netip.MustParseAddrPort("203.0.113.2:6881")
	tr.Announce(ih, p1)
	tr.Announce(ih, p2)

	peers := tr.GetPeers(ih, 50)
	if len(peers) != 2 {
		t.Fatalf("GetPeers returned %d peers, want 2", len(peers))
	}
}

func TestTrackerEvictsOldestWhenFull(t *testing.T) {
	tr := NewTracker(16)
	var ih [20]byte
	ih[0] = 2

	first := netip.MustParseAddrPort("10.0.0.1:1")
	tr.Announce(ih, first)
	for i := 0; i < MaxPeersPerSwarm; i++ {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 1, byte(i)}), 1)
		tr.Announce(ih, addr)
	}

	if tr.Count(ih) > MaxPeersPerSwarm {
		t.Errorf("swarm grew past MaxPeersPerSwarm: %d", tr.Count(ih))
	}

	peers := tr.GetPeers(ih, MaxPeersPerSwarm+10)
	for _, p := range peers {
		if p == first {
			t.Errorf("oldest peer %v should have been evicted", first)
		}
	}
}

func TestTrackerIdlePeersExcludedFromGetPeers(t *testing.T) {
	tr := NewTracker(16)
	tr.now = func() time.Time { return time.Unix(0, 0) }

	var ih [20]byte
	ih[0] = 3
	peer := netip.MustParseAddrPort("198.51.100.1:1")
	tr.Announce(ih, peer)

	tr.now = func() time.Time { return time.Unix(0, 0).Add(PeerIdleTimeout + time.Minute) }
	if got := tr.GetPeers(ih, 50); len(got) != 0 {
		t.Errorf("GetPeers returned %d stale peers, want 0", len(got))
	}
}

func TestTrackerTokenRoundTrip(t *testing.T) {
	tr := NewTracker(16)
	addr := mustAddr("203.0.113.9")
	var ih [20]byte
	ih[0] = 4

	tok := tr.GenerateToken(addr, ih)
	if !tr.VerifyToken(addr, ih, tok) {
		t.Errorf("token did not verify")
	}
}
