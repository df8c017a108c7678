package bep5

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"swarmcache/nodeid"
)

// mockDht is a minimal Dht stub for exercising Swarm/Client/Announcer
// without a real DHT.
type mockDht struct {
	mu          sync.Mutex
	peers       map[nodeid.ID][]netip.AddrPort
	getPeersErr error
	announceErr error
	announced   []nodeid.ID
	martian     map[netip.AddrPort]bool
}

func newMockDht() *mockDht {
	return &mockDht{peers: make(map[nodeid.ID][]netip.AddrPort), martian: make(map[netip.AddrPort]bool)}
}

func (m *mockDht) SetEndpoints(ctx context.Context, addrs []string) error { return nil }

func (m *mockDht) TrackerAnnounceStart(ctx context.Context, infohash nodeid.ID, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.announceErr != nil {
		return m.announceErr
	}
	m.announced = append(m.announced, infohash)
	return nil
}

func (m *mockDht) TrackerGetPeers(ctx context.Context, infohash nodeid.ID) ([]netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getPeersErr != nil {
		return nil, m.getPeersErr
	}
	return m.peers[infohash], nil
}

func (m *mockDht) AllReady(ctx context.Context) error { return nil }

func (m *mockDht) LocalEndpoints() []netip.AddrPort { return nil }

func (m *mockDht) WanEndpoints() []netip.Addr { return nil }

func (m *mockDht) IsMartian(ep netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.martian[ep] || ep.Port() == 0
}

func TestSwarmMergesDiscoveredPeers(t *testing.T) {
	dht := newMockDht()
	infohash := nodeid.HashInfoHash("test-swarm")
	good := netip.MustParseAddrPort("203.0.113.5:6881")
	dht.peers[infohash] = []netip.AddrPort{good}

	s := NewSwarm("test-swarm", dht, nil)
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Peers()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	peers := s.Peers()
	if len(peers) != 1 || peers[0] != good {
		t.Fatalf("Peers() = %v, want [%v]", peers, good)
	}
}

func TestSwarmExcludesMartianPeers(t *testing.T) {
	dht := newMockDht()
	infohash := nodeid.HashInfoHash("test-swarm")
	martian := netip.MustParseAddrPort("127.0.0.1:6881")
	dht.martian[martian] = true
	dht.peers[infohash] = []netip.AddrPort{martian}

	s := NewSwarm("test-swarm", dht, nil)
	defer s.Close()

	time.Sleep(100 * time.Millisecond)
	if peers := s.Peers(); len(peers) != 0 {
		t.Errorf("Peers() = %v, want empty (martian filtered)", peers)
	}
}
