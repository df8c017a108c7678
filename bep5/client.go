package bep5

import (
	"context"
	"errors"
	"expvar"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"swarmcache/logger"
	"swarmcache/sched"
)

// ErrNetworkUnreachable is returned by Connect when every candidate in the
// race failed to connect.
var ErrNetworkUnreachable = errors.New("bep5: network unreachable")

// staggerStep is the per-candidate delay step once past the first 10
// candidates: candidate j dials after max(0, (j-10) * staggerStep).
const staggerStep = 100 * time.Millisecond

// unstaggeredCandidates is how many leading candidates dial with no delay.
const unstaggeredCandidates = 10

// Dialer is the external connection primitive Client races candidates
// through. The concrete implementation (uTP-bound multiplexer, optionally
// TLS-wrapped) is supplied by the host application; tests supply a stub.
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// maxConcurrentDials bounds how many candidates a single Client dials at
// once across all Connect calls; concurrent attempts against the same
// endpoint share one slot.
const maxConcurrentDials = 32

var (
	expConnects        = expvar.NewInt("bep5.connects")
	expConnectFailures = expvar.NewInt("bep5.connectFailures")
)

// Client maintains the injector swarm and an optional helper swarm, and
// races connection attempts across their discovered peers.
type Client struct {
	injector *Swarm
	helper   *Swarm
	dialer   Dialer
	limiter  *sched.PeerLimiter
	log      logger.DebugLogger

	mu                 sync.Mutex
	lastWorkingAddress netip.AddrPort
}

// NewClient creates a Client whose injector swarm is swarmName and whose
// optional helper swarm is helperSwarmName (empty to disable).
func NewClient(swarmName, helperSwarmName string, dht Dht, dialer Dialer, log logger.DebugLogger) *Client {
	if log == nil {
		log = &logger.NullLogger{}
	}
	c := &Client{
		injector: NewSwarm(swarmName, dht, log),
		dialer:   dialer,
		limiter:  sched.NewPeerLimiter(maxConcurrentDials),
		log:      log,
	}
	if helperSwarmName != "" {
		c.helper = NewSwarm(helperSwarmName, dht, log)
	}
	return c
}

// Close stops both swarms' poll loops.
func (c *Client) Close() {
	c.injector.Close()
	if c.helper != nil {
		c.helper.Close()
	}
}

// InjectorSwarm returns the injector Swarm.
func (c *Client) InjectorSwarm() *Swarm { return c.injector }

// HelperSwarm returns the helper Swarm, or nil if none was configured.
func (c *Client) HelperSwarm() *Swarm { return c.helper }

// candidates assembles the race order: shuffled injector peers, then
// shuffled helper peers, with a known last-working endpoint moved to the
// front.
func (c *Client) candidates() []netip.AddrPort {
	injectors := c.injector.Peers()
	rand.Shuffle(len(injectors), func(i, j int) { injectors[i], injectors[j] = injectors[j], injectors[i] })

	var helpers []netip.AddrPort
	if c.helper != nil {
		helpers = c.helper.Peers()
		rand.Shuffle(len(helpers), func(i, j int) { helpers[i], helpers[j] = helpers[j], helpers[i] })
	}

	out := make([]netip.AddrPort, 0, len(injectors)+len(helpers))
	out = append(out, injectors...)
	out = append(out, helpers...)

	c.mu.Lock()
	last := c.lastWorkingAddress
	c.mu.Unlock()
	if last.IsValid() {
		for i, ep := range out {
			if ep == last {
				out[0], out[i] = out[i], out[0]
				break
			}
		}
	}
	return out
}

// Connect races a staggered connection attempt against every known
// injector/helper peer and returns the first one to succeed; every other
// in-flight attempt is cancelled before Connect returns, so at most one
// dialed connection survives per call. If every candidate fails, it
// returns ErrNetworkUnreachable.
func (c *Client) Connect(ctx context.Context) (net.Conn, netip.AddrPort, error) {
	candidates := c.candidates()
	if len(candidates) == 0 {
		return nil, netip.AddrPort{}, ErrNetworkUnreachable
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		addr netip.AddrPort
		err  error
	}
	results := make(chan result, len(candidates))

	var wg sync.WaitGroup
	for j, addr := range candidates {
		delay := time.Duration(0)
		if j >= unstaggeredCandidates {
			delay = time.Duration(j-unstaggeredCandidates) * staggerStep
		}
		wg.Add(1)
		go func(addr netip.AddrPort, delay time.Duration) {
			defer wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-raceCtx.Done():
				results <- result{err: raceCtx.Err()}
				return
			}
			slot, err := c.limiter.WaitForSlot(raceCtx, addr)
			if err != nil {
				results <- result{err: err}
				return
			}
			defer slot.Release()
			conn, err := c.dialer.Dial(raceCtx, addr)
			results <- result{conn: conn, addr: addr, err: err}
		}(addr, delay)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *result
	var failures int
	for r := range results {
		if r.err == nil && winner == nil {
			r := r
			winner = &r
			cancel()
			continue
		}
		if r.err != nil {
			failures++
		}
		if winner != nil && r.conn != nil {
			r.conn.Close()
		}
	}

	if winner == nil {
		expConnectFailures.Add(1)
		return nil, netip.AddrPort{}, ErrNetworkUnreachable
	}
	expConnects.Add(1)

	c.mu.Lock()
	c.lastWorkingAddress = winner.addr
	c.mu.Unlock()

	return winner.conn, winner.addr, nil
}

// LastWorkingAddress returns the endpoint recorded by the most recent
// successful Connect, if any.
func (c *Client) LastWorkingAddress() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWorkingAddress, c.lastWorkingAddress.IsValid()
}
