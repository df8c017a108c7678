package sched

import (
	"context"
	"net/netip"
	"sync"
)

// PeerLimiter is a Scheduler specialized for connection racing: every
// concurrent caller racing the same endpoint shares one slot (refcounted),
// so dialing five candidate addresses that turn out to be the same peer
// costs one slot, not five.
type PeerLimiter struct {
	scheduler *Scheduler

	mu    sync.Mutex
	slots map[netip.AddrPort]*sharedSlot
}

type sharedSlot struct {
	slot *Slot
	refs int
}

// NewPeerLimiter creates a limiter bounding concurrently active peers to
// maxActivePeers.
func NewPeerLimiter(maxActivePeers int) *PeerLimiter {
	return &PeerLimiter{
		scheduler: NewScheduler(maxActivePeers),
		slots:     make(map[netip.AddrPort]*sharedSlot),
	}
}

// PeerSlot is a lease on one endpoint's shared slot. Release drops this
// holder's reference; the underlying Scheduler slot is freed once every
// holder for that endpoint has released.
type PeerSlot struct {
	pl   *PeerLimiter
	ep   netip.AddrPort
	once sync.Once
}

// Release drops this handle's reference to ep's slot.
func (p *PeerSlot) Release() {
	p.once.Do(func() {
		p.pl.release(p.ep)
	})
}

// Size reports how many distinct endpoints currently hold a slot.
func (pl *PeerLimiter) Size() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.slots)
}

// WaitForSlot blocks until ep has a slot, either by joining an existing
// holder for the same endpoint or by waiting for the underlying Scheduler.
func (pl *PeerLimiter) WaitForSlot(ctx context.Context, ep netip.AddrPort) (*PeerSlot, error) {
	pl.mu.Lock()
	if s, ok := pl.slots[ep]; ok {
		s.refs++
		pl.mu.Unlock()
		return &PeerSlot{pl: pl, ep: ep}, nil
	}
	pl.mu.Unlock()

	slot, err := pl.scheduler.WaitForSlot(ctx)
	if err != nil {
		return nil, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if s, ok := pl.slots[ep]; ok {
		// Lost the race to another caller that registered ep first; give
		// back the slot we just acquired and join theirs instead.
		slot.Release()
		s.refs++
		return &PeerSlot{pl: pl, ep: ep}, nil
	}
	pl.slots[ep] = &sharedSlot{slot: slot, refs: 1}
	return &PeerSlot{pl: pl, ep: ep}, nil
}

func (pl *PeerLimiter) release(ep netip.AddrPort) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	s, ok := pl.slots[ep]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(pl.slots, ep)
		s.slot.Release()
	}
}
