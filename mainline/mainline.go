// Package mainline implements MainlineDht: the fan-out layer that owns one
// node.Node per configured local address, diffs the configured address set
// on SetEndpoints, and exposes announce/lookup operations that race the
// same call across every owned Node, resolving as soon as one succeeds. A
// background loop re-announces successful publications and re-puts BEP44
// data every five minutes.
package mainline

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swarmcache/logger"
	"swarmcache/node"
	"swarmcache/nodeid"
	"swarmcache/sched"
	"swarmcache/store"
)

// Config configures a Dht. Per-Node settings (timeouts, bootstrap address)
// are forwarded to every node.Node it owns.
type Config struct {
	BootstrapAddr    string
	QueryTimeout     time.Duration
	WriteTimeout     time.Duration
	WriteRetries     int
	BootstrapTimeout time.Duration
	Logger           logger.DebugLogger

	// RepublishInterval is how often the republication registry is
	// scanned; defaults to 60s.
	RepublishInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.RepublishInterval == 0 {
		c.RepublishInterval = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = &logger.NullLogger{}
	}
}

func (c Config) nodeConfig(localAddr string) node.Config {
	return node.Config{
		LocalAddr:        localAddr,
		BootstrapAddr:    c.BootstrapAddr,
		QueryTimeout:     c.QueryTimeout,
		WriteTimeout:     c.WriteTimeout,
		WriteRetries:     c.WriteRetries,
		BootstrapTimeout: c.BootstrapTimeout,
		Logger:           c.Logger,
	}
}

// Dht is the client-facing DHT engine: one node.Node per local address, a
// republication registry, and fan-out client operations. Safe for
// concurrent use.
type Dht struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]*node.Node

	republish *registry

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dht with no local addresses bound; call SetEndpoints to
// start owning Nodes.
func New(cfg Config) *Dht {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dht{
		cfg:       cfg,
		nodes:     make(map[string]*node.Node),
		republish: newRegistry(),
		rootCtx:   ctx,
		cancel:    cancel,
	}
	d.wg.Add(1)
	go d.republishLoop()
	return d
}

// SetEndpoints diffs addrs against the currently owned local addresses:
// addresses no longer present are stopped and dropped, new addresses are
// bound and bootstrapped. Returns the first bootstrap error encountered,
// if any node failed to start; nodes that succeeded remain owned.
func (d *Dht) SetEndpoints(ctx context.Context, addrs []string) error {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}

	d.mu.Lock()
	var toStop []*node.Node
	for addr, n := range d.nodes {
		if !want[addr] {
			toStop = append(toStop, n)
			delete(d.nodes, addr)
		}
	}
	d.mu.Unlock()

	for _, n := range toStop {
		n.Close()
	}

	var toStart []string
	d.mu.RLock()
	for addr := range want {
		if _, ok := d.nodes[addr]; !ok {
			toStart = append(toStart, addr)
		}
	}
	d.mu.RUnlock()

	var g errgroup.Group
	for _, addr := range toStart {
		addr := addr
		g.Go(func() error {
			n, err := node.New(d.cfg.nodeConfig(addr))
			if err != nil {
				return fmt.Errorf("mainline: SetEndpoints: %s: %w", addr, err)
			}
			if err := n.Start(ctx); err != nil {
				n.Close()
				return fmt.Errorf("mainline: SetEndpoints: %s: %w", addr, err)
			}
			d.mu.Lock()
			d.nodes[addr] = n
			d.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Close stops the republication loop and every owned Node.
func (d *Dht) Close() error {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	nodes := d.nodes
	d.nodes = make(map[string]*node.Node)
	d.mu.Unlock()

	for _, n := range nodes {
		n.Close()
	}
	return nil
}

// snapshot returns the currently owned Nodes.
func (d *Dht) snapshot() []*node.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*node.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// LocalEndpoints returns the bound local endpoint of every owned Node.
func (d *Dht) LocalEndpoints() []netip.AddrPort {
	nodes := d.snapshot()
	out := make([]netip.AddrPort, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.LocalAddr())
	}
	return out
}

// WanEndpoints returns the observed WAN address of every owned,
// bootstrapped Node, for the host application to feed port mapping.
func (d *Dht) WanEndpoints() []netip.Addr {
	nodes := d.snapshot()
	out := make([]netip.Addr, 0, len(nodes))
	for _, n := range nodes {
		if wan, ok := n.ObservedWAN(); ok {
			out = append(out, wan)
		}
	}
	return out
}

// IsMartian reports whether ep is unsuitable as a peer endpoint: martian by
// sched.IsMartian's rules, or coincident with one of our own local
// endpoints.
func (d *Dht) IsMartian(ep netip.AddrPort) bool {
	if sched.IsMartian(ep) {
		return true
	}
	for _, local := range d.LocalEndpoints() {
		if local == ep {
			return true
		}
	}
	return false
}

// RegisterContact inserts an externally vouched-for contact into every owned
// Node's routing table. Returns the first error encountered; Nodes that
// accepted the contact keep it.
func (d *Dht) RegisterContact(c nodeid.Contact) error {
	var firstErr error
	for _, n := range d.snapshot() {
		if err := n.RegisterContact(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dump returns the observable routing and token state of every owned Node.
func (d *Dht) Dump() []node.TableDump {
	nodes := d.snapshot()
	out := make([]node.TableDump, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Dump())
	}
	return out
}

// AllReady blocks until every owned Node has left StateStarting, or ctx is
// done. Swarms wait on this before their first tracker_get_peers.
func (d *Dht) AllReady(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		ready := true
		for _, n := range d.snapshot() {
			if n.State() == node.StateStarting || n.State() == node.StateCreated {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fanOut races op across every owned Node, taking a SuccessCondition lock
// per Node, and returns the first successful result. If no Node succeeds,
// it returns the zero T and the last error observed (or node.ErrNoContactsReached
// if there were no owned Nodes at all).
func fanOut[T any](ctx context.Context, d *Dht, op func(context.Context, *node.Node) (T, error)) (T, error) {
	var zero T
	nodes := d.snapshot()
	if len(nodes) == 0 {
		return zero, node.ErrNoContactsReached
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sc := sched.NewSuccessCondition()
	var mu sync.Mutex
	var result T
	var haveResult bool
	var lastErr error

	for _, n := range nodes {
		lock := sc.Lock()
		go func(n *node.Node) {
			r, err := op(opCtx, n)
			if err == nil {
				mu.Lock()
				if !haveResult {
					result, haveResult = r, true
				}
				mu.Unlock()
				lock.Release(true)
				return
			}
			mu.Lock()
			lastErr = err
			mu.Unlock()
			lock.Release(false)
		}(n)
	}

	ok := sc.WaitForSuccess()
	cancel()
	if !ok {
		if lastErr == nil {
			lastErr = node.ErrNoContactsReached
		}
		return zero, lastErr
	}
	mu.Lock()
	defer mu.Unlock()
	return result, nil
}

// TrackerAnnounceStart announces infohash on every owned Node, succeeding
// as soon as one accepts, and registers the publication for periodic
// re-announcement.
func (d *Dht) TrackerAnnounceStart(ctx context.Context, infohash nodeid.ID, port int) error {
	_, err := fanOut(ctx, d, func(ctx context.Context, n *node.Node) (struct{}, error) {
		return struct{}{}, n.TrackerAnnounce(ctx, infohash, port)
	})
	if err == nil {
		d.republish.addTracker(infohash, port)
	}
	return err
}

// TrackerGetPeers returns the first successful tracker_get_peers result
// across every owned Node.
func (d *Dht) TrackerGetPeers(ctx context.Context, infohash nodeid.ID) ([]netip.AddrPort, error) {
	return fanOut(ctx, d, func(ctx context.Context, n *node.Node) ([]netip.AddrPort, error) {
		return n.TrackerGetPeers(ctx, infohash)
	})
}

// ImmutablePutStart puts value to every owned Node, succeeding as soon as
// one accepts, and registers the publication for re-publication.
func (d *Dht) ImmutablePutStart(ctx context.Context, value interface{}) (nodeid.ID, error) {
	key, err := fanOut(ctx, d, func(ctx context.Context, n *node.Node) (nodeid.ID, error) {
		return n.DataPutImmutable(ctx, value)
	})
	if err == nil {
		d.republish.addImmutable(key, value)
	}
	return key, err
}

// ImmutableGet returns the first successful immutable value found for key
// across every owned Node.
func (d *Dht) ImmutableGet(ctx context.Context, key nodeid.ID) (interface{}, error) {
	return fanOut(ctx, d, func(ctx context.Context, n *node.Node) (interface{}, error) {
		return n.DataGetImmutable(ctx, key)
	})
}

// MutablePutStart puts item to every owned Node, succeeding as soon as one
// accepts, and registers the publication for re-publication.
func (d *Dht) MutablePutStart(ctx context.Context, item store.MutableItem, cas *int64) error {
	_, err := fanOut(ctx, d, func(ctx context.Context, n *node.Node) (struct{}, error) {
		return struct{}{}, n.DataPutMutable(ctx, item, cas)
	})
	if err == nil {
		d.republish.addMutable(item, cas)
	}
	return err
}

// MutableGet returns the mutable item found for (publicKey, salt) by the
// first owned Node whose lookup succeeds; each Node returns the highest-seq
// valid item among the replies it received. Items held by other Nodes are
// not compared.
func (d *Dht) MutableGet(ctx context.Context, publicKey []byte, salt string) (store.MutableItem, error) {
	return fanOut(ctx, d, func(ctx context.Context, n *node.Node) (store.MutableItem, error) {
		return n.DataGetMutable(ctx, publicKey, salt)
	})
}
