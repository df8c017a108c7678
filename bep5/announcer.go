package bep5

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"swarmcache/logger"
	"swarmcache/nodeid"
)

const (
	announceRetryInterval = 10 * time.Second
	announceMinSuccessGap = 5 * time.Minute
	announceMaxSuccessGap = 30 * time.Minute
)

// PeriodicAnnouncer loops tracker_announce(infohash) for as long as it
// runs: a uniform random 5-30 minute sleep after success, a fixed 10s
// sleep after failure. Stopping it cancels the loop via its own context.
type PeriodicAnnouncer struct {
	infohash nodeid.ID
	dht      Dht
	port     int
	log      logger.DebugLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeriodicAnnouncer creates and starts a PeriodicAnnouncer for infohash
// on port, using dht for the underlying tracker_announce calls.
func NewPeriodicAnnouncer(infohash nodeid.ID, port int, dht Dht, log logger.DebugLogger) *PeriodicAnnouncer {
	if log == nil {
		log = &logger.NullLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &PeriodicAnnouncer{infohash: infohash, dht: dht, port: port, log: log, cancel: cancel}
	a.wg.Add(1)
	go a.loop(ctx)
	return a
}

// Close cancels the announcer's loop.
func (a *PeriodicAnnouncer) Close() {
	a.cancel()
	a.wg.Wait()
}

func (a *PeriodicAnnouncer) loop(ctx context.Context) {
	defer a.wg.Done()
	for {
		err := a.dht.TrackerAnnounceStart(ctx, a.infohash, a.port)
		wait := announceRetryInterval
		if err == nil {
			span := announceMaxSuccessGap - announceMinSuccessGap
			wait = announceMinSuccessGap + time.Duration(rand.Int63n(int64(span)))
		} else {
			a.log.Debugf("bep5: periodic announce %s failed: %s\n", a.infohash, err)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// ManualAnnouncer exposes Update(), which re-triggers an announce no more
// often than MinInterval, for callers that want to announce on-demand
// (e.g. right after a configuration change) rather than on a timer.
type ManualAnnouncer struct {
	infohash    nodeid.ID
	dht         Dht
	port        int
	log         logger.DebugLogger
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewManualAnnouncer creates a ManualAnnouncer for infohash on port.
func NewManualAnnouncer(infohash nodeid.ID, port int, dht Dht, minInterval time.Duration, log logger.DebugLogger) *ManualAnnouncer {
	if log == nil {
		log = &logger.NullLogger{}
	}
	if minInterval <= 0 {
		minInterval = announceRetryInterval
	}
	return &ManualAnnouncer{infohash: infohash, dht: dht, port: port, log: log, minInterval: minInterval}
}

// Update re-triggers an announce if MinInterval has elapsed since the last
// one; otherwise it is a no-op.
func (a *ManualAnnouncer) Update(ctx context.Context) error {
	a.mu.Lock()
	if time.Since(a.last) < a.minInterval {
		a.mu.Unlock()
		return nil
	}
	a.last = time.Now()
	a.mu.Unlock()

	if err := a.dht.TrackerAnnounceStart(ctx, a.infohash, a.port); err != nil {
		a.log.Debugf("bep5: manual announce %s failed: %s\n", a.infohash, err)
		return err
	}
	return nil
}
