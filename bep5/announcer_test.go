package bep5

import (
	"context"
	"testing"
	"time"

	"swarmcache/nodeid"
)

func TestManualAnnouncerRespectsMinInterval(t *testing.T) {
	dht := newMockDht()
	infohash := nodeid.HashInfoHash("manual-swarm")
	a := NewManualAnnouncer(infohash, 6881, dht, 50*time.Millisecond, nil)

	if err := a.Update(context.Background()); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if err := a.Update(context.Background()); err != nil {
		t.Fatalf("second Update: %v", err)
	}

	dht.mu.Lock()
	n := len(dht.announced)
	dht.mu.Unlock()
	if n != 1 {
		t.Fatalf("announced %d times before MinInterval elapsed, want 1", n)
	}

	time.Sleep(60 * time.Millisecond)
	if err := a.Update(context.Background()); err != nil {
		t.Fatalf("third Update: %v", err)
	}
	dht.mu.Lock()
	n = len(dht.announced)
	dht.mu.Unlock()
	if n != 2 {
		t.Fatalf("announced %d times after MinInterval elapsed, want 2", n)
	}
}

func TestPeriodicAnnouncerAnnouncesAtLeastOnce(t *testing.T) {
	dht := newMockDht()
	infohash := nodeid.HashInfoHash("periodic-swarm")
	a := NewPeriodicAnnouncer(infohash, 6881, dht, nil)
	defer a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dht.mu.Lock()
		n := len(dht.announced)
		dht.mu.Unlock()
		if n >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic announcer never announced")
}
