package bep5

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"swarmcache/logger"
	"swarmcache/nodeid"
)

// pollInterval is how often a Swarm re-runs tracker_get_peers once
// steady-state.
const pollInterval = 1 * time.Minute

// retryInterval is how long a Swarm waits after a failed poll before
// trying again.
const retryInterval = 1 * time.Second

// Swarm tracks the peer set announcing a single infohash: it waits for the
// DHT to be ready, polls tracker_get_peers on a 1-minute cadence, and
// merges discovered endpoints into its peer map, dropping martian
// addresses.
type Swarm struct {
	name     string
	infohash nodeid.ID
	dht      Dht
	log      logger.DebugLogger

	mu    sync.RWMutex
	peers map[netip.AddrPort]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSwarm creates a Swarm for swarmName (infohash = sha1(swarmName)) and
// immediately starts its poll loop against dht.
func NewSwarm(swarmName string, dht Dht, log logger.DebugLogger) *Swarm {
	if log == nil {
		log = &logger.NullLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		name:     swarmName,
		infohash: nodeid.HashInfoHash(swarmName),
		dht:      dht,
		log:      log,
		peers:    make(map[netip.AddrPort]time.Time),
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

// Infohash returns the swarm's infohash.
func (s *Swarm) Infohash() nodeid.ID { return s.infohash }

// Peers returns a snapshot of the swarm's current peer set.
func (s *Swarm) Peers() []netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]netip.AddrPort, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Close stops the poll loop.
func (s *Swarm) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Swarm) loop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.dht.AllReady(ctx); err != nil {
		return
	}

	for {
		peers, err := s.dht.TrackerGetPeers(ctx, s.infohash)
		wait := pollInterval
		if err != nil {
			s.log.Debugf("bep5: swarm %s: tracker_get_peers: %s\n", s.name, err)
			wait = retryInterval
		} else {
			s.merge(peers)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// merge folds newly discovered endpoints into the peer set, excluding any
// martian endpoint (per dht.IsMartian: port 0, loopback, multicast,
// link-local, v4-mapped v6, or one of our own local addresses).
func (s *Swarm) merge(found []netip.AddrPort) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range found {
		if s.dht.IsMartian(ep) {
			continue
		}
		s.peers[ep] = now
	}
}
