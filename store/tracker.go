package store

import (
	"net/netip"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"swarmcache/nodeid"
)

// MaxPeersPerSwarm bounds how many peer endpoints a Tracker remembers per
// infohash; beyond this the oldest entry is evicted FIFO to make room.
const MaxPeersPerSwarm = 64

// PeerIdleTimeout is how long an announced peer is kept without a
// re-announce before it is considered stale and dropped from get_peers
// responses.
const PeerIdleTimeout = 30 * time.Minute

type peerEntry struct {
	addr     netip.AddrPort
	lastSeen time.Time
}

type swarm struct {
	order []netip.AddrPort // FIFO order for eviction
	peers map[netip.AddrPort]peerEntry
}

// Tracker holds the BEP5 peer swarms this node has accepted announce_peer
// requests for: a bounded, idle-expiring set of endpoints per infohash.
type Tracker struct {
	tokens *tokenAuthority

	mu     sync.Mutex
	swarms *lru.Cache
	now    func() time.Time
}

// NewTracker creates a tracker holding swarm state for up to maxSwarms
// distinct infohashes.
func NewTracker(maxSwarms int) *Tracker {
	return &Tracker{
		tokens: newTokenAuthority(),
		swarms: lru.New(maxSwarms),
		now:    time.Now,
	}
}

// GenerateToken issues a token for addr to announce to infohash.
func (t *Tracker) GenerateToken(addr netip.Addr, infohash nodeid.ID) []byte {
	return t.tokens.GenerateToken(addr, infohash)
}

// VerifyToken checks a token previously issued for (addr, infohash).
func (t *Tracker) VerifyToken(addr netip.Addr, infohash nodeid.ID, token []byte) bool {
	return t.tokens.VerifyToken(addr, infohash, token)
}

// TokenEpoch returns the diagnostic identifier of the current token secret.
func (t *Tracker) TokenEpoch() string {
	return t.tokens.Epoch()
}

// Announce records peer as serving infohash, evicting the oldest entry if
// the swarm is already at MaxPeersPerSwarm and peer is new.
func (t *Tracker) Announce(infohash nodeid.ID, peer netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var sw *swarm
	if v, ok := t.swarms.Get(infohash); ok {
		sw = v.(*swarm)
	} else {
		sw = &swarm{peers: make(map[netip.AddrPort]peerEntry)}
		t.swarms.Add(infohash, sw)
	}

	if _, exists := sw.peers[peer]; !exists {
		for len(sw.order) >= MaxPeersPerSwarm {
			oldest := sw.order[0]
			sw.order = sw.order[1:]
			delete(sw.peers, oldest)
		}
		sw.order = append(sw.order, peer)
	}
	sw.peers[peer] = peerEntry{addr: peer, lastSeen: now}
}

// GetPeers returns up to count live (non-idle) peers for infohash.
func (t *Tracker) GetPeers(infohash nodeid.ID, count int) []netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.swarms.Get(infohash)
	if !ok {
		return nil
	}
	sw := v.(*swarm)
	now := t.now()

	var out []netip.AddrPort
	for _, addr := range sw.order {
		entry, ok := sw.peers[addr]
		if !ok {
			continue
		}
		if now.Sub(entry.lastSeen) > PeerIdleTimeout {
			continue
		}
		out = append(out, addr)
		if len(out) >= count {
			break
		}
	}
	return out
}

// Count reports how many (possibly idle) peers are known for infohash.
func (t *Tracker) Count(infohash nodeid.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.swarms.Get(infohash)
	if !ok {
		return 0
	}
	return len(v.(*swarm).peers)
}
