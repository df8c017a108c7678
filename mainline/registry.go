package mainline

import (
	"context"
	"sync"
	"time"

	"swarmcache/nodeid"
	"swarmcache/sched"
	"swarmcache/store"
)

// republishInterval is how long a successful publication goes before it is
// re-announced/re-put.
const republishInterval = 5 * time.Minute

type trackerPublication struct {
	infohash nodeid.ID
	port     int
	last     time.Time
}

type immutablePublication struct {
	key   nodeid.ID
	value interface{}
	last  time.Time
}

type mutablePublication struct {
	item store.MutableItem
	cas  *int64
	last time.Time
}

// registry holds the successful publications: three maps scanned every
// RepublishInterval and re-announced/re-put on a 5-minute cadence.
// Cancelling the outer call that created a publication does not
// unregister it; only Dht teardown stops republication.
type registry struct {
	mu         sync.Mutex
	trackers   map[nodeid.ID]*trackerPublication
	immutables map[nodeid.ID]*immutablePublication
	mutables   map[nodeid.ID]*mutablePublication
}

func newRegistry() *registry {
	return &registry{
		trackers:   make(map[nodeid.ID]*trackerPublication),
		immutables: make(map[nodeid.ID]*immutablePublication),
		mutables:   make(map[nodeid.ID]*mutablePublication),
	}
}

func (r *registry) addTracker(infohash nodeid.ID, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackers[infohash] = &trackerPublication{infohash: infohash, port: port, last: time.Now()}
}

func (r *registry) addImmutable(key nodeid.ID, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.immutables[key] = &immutablePublication{key: key, value: value, last: time.Now()}
}

func (r *registry) addMutable(item store.MutableItem, cas *int64) {
	target := store.MutableTarget(item.PublicKey, item.Salt)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutables[target] = &mutablePublication{item: item, cas: cas, last: time.Now()}
}

// due returns the publications whose last (re)announcement is older than
// republishInterval, without holding the lock while the caller acts on them.
func (r *registry) due(now time.Time) ([]*trackerPublication, []*immutablePublication, []*mutablePublication) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var trackers []*trackerPublication
	for _, p := range r.trackers {
		if now.Sub(p.last) >= republishInterval {
			trackers = append(trackers, p)
		}
	}
	var immutables []*immutablePublication
	for _, p := range r.immutables {
		if now.Sub(p.last) >= republishInterval {
			immutables = append(immutables, p)
		}
	}
	var mutables []*mutablePublication
	for _, p := range r.mutables {
		if now.Sub(p.last) >= republishInterval {
			mutables = append(mutables, p)
		}
	}
	return trackers, immutables, mutables
}

// republishLoop scans the registry every RepublishInterval and re-runs due
// publications concurrently across all owned Nodes, via the same fan-out
// client operations the first publication used.
func (d *Dht) republishLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.RepublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.runDuePublications()
		case <-d.rootCtx.Done():
			return
		}
	}
}

func (d *Dht) runDuePublications() {
	trackers, immutables, mutables := d.republish.due(time.Now())

	wc := sched.NewWaitCondition()
	for _, p := range trackers {
		lock := wc.Lock()
		go func(p *trackerPublication) {
			defer lock.Release(false)
			ctx, cancel := context.WithTimeout(d.rootCtx, 30*time.Second)
			defer cancel()
			if err := d.TrackerAnnounceStart(ctx, p.infohash, p.port); err != nil {
				d.cfg.Logger.Debugf("mainline: republish tracker %s failed: %s\n", p.infohash, err)
				return
			}
			d.republish.mu.Lock()
			p.last = time.Now()
			d.republish.mu.Unlock()
		}(p)
	}
	for _, p := range immutables {
		lock := wc.Lock()
		go func(p *immutablePublication) {
			defer lock.Release(false)
			ctx, cancel := context.WithTimeout(d.rootCtx, 30*time.Second)
			defer cancel()
			if _, err := d.ImmutablePutStart(ctx, p.value); err != nil {
				d.cfg.Logger.Debugf("mainline: republish immutable %s failed: %s\n", p.key, err)
				return
			}
			d.republish.mu.Lock()
			p.last = time.Now()
			d.republish.mu.Unlock()
		}(p)
	}
	for _, p := range mutables {
		lock := wc.Lock()
		go func(p *mutablePublication) {
			defer lock.Release(false)
			ctx, cancel := context.WithTimeout(d.rootCtx, 30*time.Second)
			defer cancel()
			if err := d.MutablePutStart(ctx, p.item, p.cas); err != nil {
				d.cfg.Logger.Debugf("mainline: republish mutable item failed: %s\n", err)
				return
			}
			d.republish.mu.Lock()
			p.last = time.Now()
			d.republish.mu.Unlock()
		}(p)
	}
	wc.Wait()
}
