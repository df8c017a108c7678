package bep5

import (
	"context"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"swarmcache/logger"
)

// pingerInterval is the InjectorPinger's normal wake cadence.
const pingerInterval = 10 * time.Minute

// probeWatchdog bounds a single injector probe.
const probeWatchdog = 60 * time.Second

// maxProbeSample is how many injectors are probed per wake, at most.
const maxProbeSample = 30

// Prober performs one probe attempt against addr, returning nil if the
// injector answered. The concrete TLS/TCP probe implementation lives
// outside this module's scope; InjectorPinger only needs the boolean
// outcome.
type Prober interface {
	Probe(ctx context.Context, addr netip.AddrPort) error
}

// InjectorPinger keeps the injector swarm's peer set "warm": it wakes
// periodically (or immediately after a fresh connect failure) and probes a
// random sample of injectors in parallel. One successful probe announces
// this node on the helper swarm infohash, advertising it to other
// leechers as a useful helper.
type InjectorPinger struct {
	client *Client
	prober Prober
	helper func(ctx context.Context) error // announce on the helper infohash
	log    logger.DebugLogger

	wakeCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInjectorPinger creates a pinger over client's injector swarm. announceHelper
// is called on a successful probe to advertise this node as a helper; pass
// nil if the client has no helper swarm configured.
func NewInjectorPinger(client *Client, prober Prober, announceHelper func(ctx context.Context) error, log logger.DebugLogger) *InjectorPinger {
	if log == nil {
		log = &logger.NullLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &InjectorPinger{
		client: client,
		prober: prober,
		helper: announceHelper,
		log:    log,
		wakeCh: make(chan struct{}, 1),
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.loop(ctx)
	return p
}

// NotifyFailure wakes the pinger immediately instead of waiting out the
// rest of the 10-minute cadence; callers invoke it on a fresh connect
// failure.
func (p *InjectorPinger) NotifyFailure() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Close stops the pinger's loop.
func (p *InjectorPinger) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *InjectorPinger) loop(ctx context.Context) {
	defer p.wg.Done()
	timer := time.NewTimer(pingerInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-p.wakeCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-ctx.Done():
			return
		}

		p.probeOnce(ctx)
		timer.Reset(pingerInterval)
	}
}

func (p *InjectorPinger) probeOnce(ctx context.Context) {
	sample := sampleInjectors(p.client.InjectorSwarm().Peers(), maxProbeSample)
	if len(sample) == 0 {
		return
	}

	var succeeded atomic.Bool
	var g errgroup.Group
	g.SetLimit(maxProbeSample)
	for _, addr := range sample {
		addr := addr
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeWatchdog)
			defer cancel()
			if err := p.prober.Probe(probeCtx, addr); err == nil {
				succeeded.Store(true)
			}
			return nil
		})
	}
	g.Wait()

	if succeeded.Load() && p.helper != nil {
		if err := p.helper(ctx); err != nil {
			p.log.Debugf("bep5: pinger: helper announce failed: %s\n", err)
		}
	}
}

func sampleInjectors(all []netip.AddrPort, n int) []netip.AddrPort {
	if len(all) <= n {
		out := make([]netip.AddrPort, len(all))
		copy(out, all)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}
	shuffled := make([]netip.AddrPort, len(all))
	copy(shuffled, all)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}
