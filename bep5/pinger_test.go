package bep5

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"swarmcache/nodeid"
)

type stubProber struct {
	ok map[netip.AddrPort]bool
}

func (p *stubProber) Probe(ctx context.Context, addr netip.AddrPort) error {
	if p.ok[addr] {
		return nil
	}
	return context.DeadlineExceeded
}

func TestInjectorPingerAnnouncesHelperOnSuccess(t *testing.T) {
	dht := newMockDht()
	infohash := nodeid.HashInfoHash("injector-swarm")
	good := netip.MustParseAddrPort("203.0.113.9:6881")
	dht.peers[infohash] = []netip.AddrPort{good}

	dialer := &stubDialer{reachable: map[netip.AddrPort]bool{}}
	client := NewClient("injector-swarm", "", dht, dialer, nil)
	defer client.Close()
	waitForPeers(t, client.InjectorSwarm(), 1)

	var announced int32
	announce := func(ctx context.Context) error {
		atomic.AddInt32(&announced, 1)
		return nil
	}

	pinger := NewInjectorPinger(client, &stubProber{ok: map[netip.AddrPort]bool{good: true}}, announce, nil)
	defer pinger.Close()
	pinger.NotifyFailure()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&announced) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pinger never announced helper presence after a successful probe")
}
