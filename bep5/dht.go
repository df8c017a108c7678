// Package bep5 implements the peer-discovery and connection layer built on
// top of a mainline DHT: Swarms that track a per-infohash peer set via
// periodic get_peers, a Bep5Client that races connection attempts across
// discovered candidates, an InjectorPinger that keeps the injector set warm
// and advertises a helper swarm on success, and the two Announcer flavors
// that keep a swarm's own presence fresh.
package bep5

import (
	"context"
	"net/netip"

	"swarmcache/nodeid"
)

// Dht is the operation set bep5 depends on: any type satisfying this
// (mainline.Dht included) is a valid substitute, the seam that makes the
// swarm layer testable without a real DHT.
type Dht interface {
	SetEndpoints(ctx context.Context, addrs []string) error
	TrackerAnnounceStart(ctx context.Context, infohash nodeid.ID, port int) error
	TrackerGetPeers(ctx context.Context, infohash nodeid.ID) ([]netip.AddrPort, error)
	AllReady(ctx context.Context) error
	LocalEndpoints() []netip.AddrPort
	WanEndpoints() []netip.Addr
	IsMartian(ep netip.AddrPort) bool
}
