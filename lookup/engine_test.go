package lookup

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"swarmcache/nodeid"
)

// fakeNetwork is a tiny simulated DHT: each node knows a handful of
// "closer" neighbors, and evaluate() walks the graph the way a real
// find_node response would.
type fakeNetwork struct {
	mu    sync.Mutex
	edges map[nodeid.ID][]nodeid.Contact
	seen  map[nodeid.ID]int
}

func contactFor(b byte) nodeid.Contact {
	var id nodeid.ID
	id[19] = b
	return nodeid.Contact{ID: id, Addr: netip.MustParseAddrPort("127.0.0.1:1")}
}

func TestCollectVisitsEveryCandidateAtMostOnce(t *testing.T) {
	net := &fakeNetwork{edges: make(map[nodeid.ID][]nodeid.Contact), seen: make(map[nodeid.ID]int)}

	// A simple chain: each node points to the next one closer to target 0.
	const n = 20
	var seed []nodeid.Contact
	for i := n; i >= 1; i-- {
		c := contactFor(byte(i))
		var next nodeid.Contact
		if i > 1 {
			next = contactFor(byte(i - 1))
		}
		net.edges[c.ID] = []nodeid.Contact{next}
		if i == n {
			seed = append(seed, c)
		}
	}

	var target nodeid.ID
	engine := &Engine{Pivot: target, Workers: 8}

	evaluate := func(ctx context.Context, c nodeid.Contact) ([]nodeid.Contact, bool, error) {
		net.mu.Lock()
		net.seen[c.ID]++
		count := net.seen[c.ID]
		neighbors := net.edges[c.ID]
		net.mu.Unlock()
		if count > 1 {
			t.Errorf("candidate %v evaluated %d times", c, count)
		}
		var out []nodeid.Contact
		for _, nb := range neighbors {
			if !nb.ID.IsZero() || nb.Addr.IsValid() {
				out = append(out, nb)
			}
		}
		return out, true, nil
	}

	if err := engine.Collect(context.Background(), seed, evaluate); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.seen) != n {
		t.Errorf("visited %d candidates, want %d", len(net.seen), n)
	}
}

func TestCollectPropagatesEvaluateError(t *testing.T) {
	engine := &Engine{Pivot: nodeid.ID{}, Workers: 4}
	seed := []nodeid.Contact{contactFor(1), contactFor(2)}

	wantErr := errFixture{}
	evaluate := func(ctx context.Context, c nodeid.Contact) ([]nodeid.Contact, bool, error) {
		return nil, false, wantErr
	}

	if err := engine.Collect(context.Background(), seed, evaluate); err != wantErr {
		t.Errorf("Collect error = %v, want %v", err, wantErr)
	}
}

type errFixture struct{}

func (errFixture) Error() string { return "fixture error" }
