package lookup

import (
	"context"
	"sync"

	"swarmcache/nodeid"
)

// DefaultWorkers is the default number of concurrent evaluation workers a
// Collect call runs.
const DefaultWorkers = 64

// Evaluate is called once per candidate, at most once each, from one of the
// Collect call's worker goroutines. It returns the candidates discovered
// while evaluating c, and ok=false if the worker should stop participating
// (e.g. the lookup was cancelled). A non-nil error aborts the entire
// Collect call once observed.
type Evaluate func(ctx context.Context, c nodeid.Contact) (newCandidates []nodeid.Contact, ok bool, err error)

type candidateState int

const (
	unused candidateState = iota
	used
)

// Engine runs a bounded-concurrency recursive closest-node search against a
// shared candidate set ordered by XOR distance to Pivot: workers repeatedly
// claim the closest untried candidate, evaluate it, and fold any newly
// discovered candidates back into the set for other idle workers to pick
// up. Termination is when every known candidate has been tried and no
// worker still holds one in flight.
type Engine struct {
	Pivot   nodeid.ID
	Workers int
}

type candidateSet struct {
	mu       sync.Mutex
	cond     *sync.Cond
	order    []nodeid.Contact
	state    map[nodeid.Contact]candidateState
	inFlight int
	firstErr error
}

// Collect seeds the candidate set with seed (kept sorted closest first;
// bootstrap contacts with a zero id are placed after every candidate that
// has an id) and runs evaluate across up to Workers concurrent goroutines
// until every candidate has been tried.
func (e *Engine) Collect(ctx context.Context, seed []nodeid.Contact, evaluate Evaluate) error {
	workers := e.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	cs := &candidateSet{state: make(map[nodeid.Contact]candidateState)}
	cs.cond = sync.NewCond(&cs.mu)
	for _, c := range seed {
		cs.insert(e.Pivot, c)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cs.run(ctx, e.Pivot, evaluate)
		}()
	}
	wg.Wait()

	return cs.firstErr
}

// insert adds c to the set if not already present, sorted closest-first.
func (cs *candidateSet) insert(pivot nodeid.ID, c nodeid.Contact) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.state[c]; ok {
		return
	}
	cs.state[c] = unused

	i := len(cs.order)
	if !c.ID.IsZero() {
		for i = 0; i < len(cs.order); i++ {
			if cs.order[i].ID.IsZero() || nodeid.CloserTo(pivot, c.ID, cs.order[i].ID) {
				break
			}
		}
	}
	cs.order = append(cs.order, nodeid.Contact{})
	copy(cs.order[i+1:], cs.order[i:])
	cs.order[i] = c

	cs.cond.Broadcast()
}

func (cs *candidateSet) run(ctx context.Context, pivot nodeid.ID, evaluate Evaluate) {
	for {
		c, ok := cs.claimNext()
		if !ok {
			return
		}

		newCandidates, keepGoing, err := evaluate(ctx, c)

		cs.mu.Lock()
		cs.inFlight--
		if err != nil && cs.firstErr == nil {
			cs.firstErr = err
		}
		cs.cond.Broadcast()
		cs.mu.Unlock()

		if !keepGoing || err != nil {
			return
		}

		for _, nc := range newCandidates {
			cs.insert(pivot, nc)
		}
	}
}

// claimNext blocks until either an unused candidate is available (returning
// it, marked used) or the set is exhausted with no in-flight evaluation
// left (returning ok=false).
func (cs *candidateSet) claimNext() (nodeid.Contact, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for {
		if cs.firstErr != nil {
			return nodeid.Contact{}, false
		}
		for i := range cs.order {
			c := cs.order[i]
			if cs.state[c] == unused {
				cs.state[c] = used
				cs.inFlight++
				return c, true
			}
		}
		if cs.inFlight == 0 {
			return nodeid.Contact{}, false
		}
		cs.cond.Wait()
	}
}
