package bep5

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"swarmcache/nodeid"
)

// stubDialer succeeds only for addresses in reachable; every dial attempt
// is counted so tests can assert the at-most-one-dial property.
type stubDialer struct {
	reachable map[netip.AddrPort]bool
	dialCount int32
}

func (d *stubDialer) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	atomic.AddInt32(&d.dialCount, 1)
	if d.reachable[addr] {
		c1, _ := net.Pipe()
		return c1, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClientConnectPicksReachableCandidate(t *testing.T) {
	dht := newMockDht()
	infohash := nodeid.HashInfoHash("test-swarm")
	unreachable := netip.MustParseAddrPort("203.0.113.1:6881")
	reachable := netip.MustParseAddrPort("203.0.113.2:6881")
	dht.peers[infohash] = []netip.AddrPort{unreachable, reachable}

	dialer := &stubDialer{reachable: map[netip.AddrPort]bool{reachable: true}}
	c := NewClient("test-swarm", "", dht, dialer, nil)
	defer c.Close()

	waitForPeers(t, c.InjectorSwarm(), 2)

	conn, addr, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
	if addr != reachable {
		t.Errorf("Connect picked %v, want %v", addr, reachable)
	}

	last, ok := c.LastWorkingAddress()
	if !ok || last != reachable {
		t.Errorf("LastWorkingAddress() = %v, %v; want %v, true", last, ok, reachable)
	}
}

func TestClientConnectReturnsUnreachableWhenNoneSucceed(t *testing.T) {
	dht := newMockDht()
	infohash := nodeid.HashInfoHash("test-swarm")
	only := netip.MustParseAddrPort("203.0.113.1:6881")
	dht.peers[infohash] = []netip.AddrPort{only}

	dialer := &stubDialer{reachable: map[netip.AddrPort]bool{}}
	c := NewClient("test-swarm", "", dht, dialer, nil)
	defer c.Close()

	waitForPeers(t, c.InjectorSwarm(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := c.Connect(ctx)
	if err == nil {
		t.Fatalf("Connect succeeded, want ErrNetworkUnreachable/context error")
	}
}

func waitForPeers(t *testing.T, s *Swarm, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Peers()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("swarm never reached %d peers", want)
}
