// Package node implements DhtNode: the owner of one UDP endpoint's routing
// table, data store, tracker, and in-flight transactions, and the query
// handlers and recursive lookups built on top of them. One goroutine per
// node drives inbound dispatch: packets arrive on a channel and Node.run
// hands each to its handler or pending transaction.
package node

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"swarmcache/krpc"
	"swarmcache/logger"
	"swarmcache/nodeid"
	"swarmcache/routing"
	"swarmcache/sched"
	"swarmcache/store"
	"swarmcache/transport"
)

// State is a Node's lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateStarted
	StateDegraded
	StateFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Query timeouts.
const (
	DefaultQueryTimeout     = 2 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultWriteRetries     = 5
	DefaultBootstrapTimeout = 15 * time.Second
)

const (
	responsibleTrackersPerSwarm = 8
	findNodeCount               = routing.BucketSize
	valuesCap                   = 50
	dataStoreMaxItems           = 4096
	trackerMaxSwarms            = 4096
)

// Sentinel errors surfaced to callers. A lookup that reached live contacts
// but found nothing reports ErrNoPeersFound; one where nobody answered at
// all reports ErrNoContactsReached. Callers fall back differently on each.
var (
	ErrNetworkDown       = fmt.Errorf("node: network down")
	ErrOperationAborted  = fmt.Errorf("node: operation aborted")
	ErrTimedOut          = fmt.Errorf("node: timed out")
	ErrInvalidArgument   = fmt.Errorf("node: invalid argument")
	ErrNoPeersFound      = fmt.Errorf("node: lookup completed, no peers found")
	ErrNoContactsReached = fmt.Errorf("node: no contact responded")
)

// Config configures a Node.
type Config struct {
	// LocalAddr is the UDP address to bind, e.g. ":6881" or "0.0.0.0:0".
	LocalAddr string
	// BootstrapAddr is the well-known bootstrap hostname:port.
	BootstrapAddr string

	QueryTimeout     time.Duration
	WriteTimeout     time.Duration
	WriteRetries     int
	BootstrapTimeout time.Duration

	Logger logger.DebugLogger
}

// NewConfig returns a *Config populated with default values.
func NewConfig() *Config {
	return &Config{
		LocalAddr:        ":6881",
		BootstrapAddr:    "router.bittorrent.com:6881",
		QueryTimeout:     DefaultQueryTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		WriteRetries:     DefaultWriteRetries,
		BootstrapTimeout: DefaultBootstrapTimeout,
	}
}

// DefaultConfig is the Config used when callers pass nil to RegisterFlags.
var DefaultConfig = NewConfig()

// RegisterFlags registers Config fields as command line flags. If c is nil,
// DefaultConfig is used.
func RegisterFlags(c *Config) {
	if c == nil {
		c = DefaultConfig
	}
	flag.StringVar(&c.BootstrapAddr, "bootstrap", c.BootstrapAddr,
		"Address of the DHT router used to bootstrap into the network.")
	flag.DurationVar(&c.QueryTimeout, "queryTimeout", c.QueryTimeout,
		"How long to wait for a reply to a read query before marking the destination failed.")
	flag.DurationVar(&c.WriteTimeout, "writeTimeout", c.WriteTimeout,
		"How long to wait for a reply to an announce_peer/put query per attempt.")
	flag.IntVar(&c.WriteRetries, "writeRetries", c.WriteRetries,
		"How many attempts an announce_peer/put query gets per destination.")
	flag.DurationVar(&c.BootstrapTimeout, "bootstrapTimeout", c.BootstrapTimeout,
		"How long to wait for the bootstrap router's ping reply before giving up.")
}

func (c *Config) setDefaults() {
	if c.LocalAddr == "" {
		c.LocalAddr = ":6881"
	}
	if c.BootstrapAddr == "" {
		c.BootstrapAddr = "router.bittorrent.com:6881"
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = DefaultWriteRetries
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.Logger == nil {
		c.Logger = &logger.NullLogger{}
	}
}

var (
	expNodesStarted = expvar.NewInt("node.started")
	expNodesFailed  = expvar.NewInt("node.bootstrapFailed")
	expQueriesSent  = expvar.NewInt("node.queriesSent")
	expQueriesRecv  = expvar.NewInt("node.queriesReceived")
	expRepliesRecv  = expvar.NewInt("node.repliesReceived")
)

// Node is one DHT participant bound to a single local UDP endpoint.
type Node struct {
	cfg Config
	mux *transport.Multiplexer

	mu    sync.RWMutex
	id    nodeid.ID
	state State
	table *routing.Table
	wan   netip.Addr

	dataStore *store.DataStore
	tracker   *store.Tracker

	txMu sync.Mutex
	txns map[string]*transaction

	// reads collapses concurrent lookups for the same key: a second
	// TrackerGetPeers/DataGet* issued while an identical one is still in
	// flight shares its result instead of starting a second recursion.
	reads singleflight.Group

	incoming *sched.AsyncQueue[transport.Packet]
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type transaction struct {
	contact nodeid.Contact
	replyCh chan reply
}

type reply struct {
	env krpc.Envelope
	err error
}

// New binds the local UDP endpoint and constructs a Node in StateCreated.
// The node id is not final until Start completes bootstrap.
func New(cfg Config) (*Node, error) {
	cfg.setDefaults()

	mux, err := transport.New("udp", cfg.LocalAddr, transport.Options{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("node: New: %w", err)
	}

	seedID, err := nodeid.Random()
	if err != nil {
		mux.Close()
		return nil, fmt.Errorf("node: New: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		mux:       mux,
		id:        seedID,
		dataStore: store.NewDataStore(dataStoreMaxItems),
		tracker:   store.NewTracker(trackerMaxSwarms),
		txns:      make(map[string]*transaction),
		incoming:  sched.NewAsyncQueue[transport.Packet](256),
		state:     StateCreated,
	}
	mux.AddReceiver(func(pkt transport.Packet) {
		// The multiplexer recycles pkt.B once this callback returns.
		pkt.B = append([]byte(nil), pkt.B...)
		if _, ok := n.incoming.TryPush(pkt); !ok {
			cfg.Logger.Debugf("node: incoming queue full, dropping packet from %s\n", pkt.Raddr)
		}
	})
	return n, nil
}

// ID returns the node's current id (a random placeholder until bootstrap
// has derived the BEP42 id).
func (n *Node) ID() nodeid.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.id
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// LocalAddr returns the bound UDP endpoint.
func (n *Node) LocalAddr() netip.AddrPort {
	return n.mux.LocalAddr().AddrPort()
}

// ObservedWAN returns the address the bootstrap node reported seeing us
// connect from, the basis for this node's BEP42 id.
func (n *Node) ObservedWAN() (netip.Addr, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.table == nil {
		return netip.Addr{}, false
	}
	return n.wan, n.wan.IsValid()
}

// Start binds the receive loop, bootstraps against cfg.BootstrapAddr, and
// blocks until the routing table is non-empty or bootstrap fails.
func (n *Node) Start(ctx context.Context) error {
	n.setState(StateStarting)

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(1)
	go n.run(runCtx)

	if err := n.bootstrap(ctx); err != nil {
		n.setState(StateFailed)
		expNodesFailed.Add(1)
		return err
	}

	n.setState(StateStarted)
	expNodesStarted.Add(1)
	return nil
}

// Close tears down the node: the receive loop stops before transaction
// state is cleaned up, so in-flight callbacks never touch freed state.
func (n *Node) Close() error {
	n.setState(StateStopping)
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.txMu.Lock()
	for _, tx := range n.txns {
		select {
		case tx.replyCh <- reply{err: ErrOperationAborted}:
		default:
		}
	}
	n.txns = make(map[string]*transaction)
	n.txMu.Unlock()

	err := n.mux.Close()
	n.setState(StateStopped)
	return err
}

func (n *Node) run(ctx context.Context) {
	defer n.wg.Done()
	for {
		h, ok := n.incoming.Pop(ctx)
		if !ok {
			return
		}
		n.handlePacket(h.Value())
		h.Complete(nil)
	}
}

func (n *Node) handlePacket(pkt transport.Packet) {
	env, err := krpc.Decode(pkt.B)
	if err != nil {
		n.cfg.Logger.Debugf("node: dropping malformed packet from %s: %s\n", pkt.Raddr, err)
		return
	}

	switch env.Y {
	case krpc.TypeQuery:
		expQueriesRecv.Add(1)
		n.handleQuery(env, pkt.Raddr)
	case krpc.TypeResponse, krpc.TypeError:
		expRepliesRecv.Add(1)
		n.resolveTransaction(env, pkt.Raddr)
	default:
		n.cfg.Logger.Debugf("node: unknown message type %q from %s\n", env.Y, pkt.Raddr)
	}
}

// resolveTransaction routes a reply to its waiting query. Replies with an
// unknown transaction id, or arriving from an address other than the one
// the query was sent to, are dropped.
func (n *Node) resolveTransaction(env krpc.Envelope, from net.UDPAddr) {
	sender, ok := addrPortFromUDP(from)
	if !ok {
		return
	}

	n.txMu.Lock()
	tx, ok := n.txns[env.T]
	if ok && tx.contact.Addr != sender {
		n.txMu.Unlock()
		n.cfg.Logger.Debugf("node: reply for %x from %s, expected %s; dropped\n", env.T, sender, tx.contact.Addr)
		return
	}
	if ok {
		delete(n.txns, env.T)
	}
	n.txMu.Unlock()
	if !ok {
		return
	}
	select {
	case tx.replyCh <- reply{env: env}:
	default:
	}
}
