// Package routing implements the Kademlia-style bucket routing table: a
// self-splitting sequence of buckets bounded by BucketSize good contacts
// each, backed by verified/unverified candidate queues that take over a
// slot the moment an existing node goes bad. Only the near bucket splits;
// everything else relies on candidate promotion when a node fails out.
package routing

import (
	"expvar"
	"sort"
	"sync"
	"time"

	"swarmcache/logger"
	"swarmcache/nodeid"
)

var (
	totalNodes       = expvar.NewInt("routing.totalNodes")
	totalKilledNodes = expvar.NewInt("routing.totalKilledNodes")
)

// BucketSize is the maximum number of good contacts held per bucket.
const BucketSize = 8

const (
	goodRecvWindow  = 15 * time.Minute
	goodReplyWindow = 2 * time.Hour
	questionableAge = 15 * time.Minute
	maxQueryFails   = 2
)

// Node is a routing table entry: a contact plus the liveness bookkeeping
// BEP5 "good"/"questionable"/"bad" classification is computed from.
type Node struct {
	Contact nodeid.Contact

	RecvTime  time.Time // last message of any kind received
	ReplyTime time.Time // last reply to our own query received

	QueriesFailed int
	PingOngoing   bool
}

// IsGood reports whether the node is still a suitable routing table
// occupant, per BEP5's routing table maintenance rules.
func (n Node) IsGood(now time.Time) bool {
	return n.QueriesFailed <= maxQueryFails &&
		!n.RecvTime.Before(now.Add(-goodRecvWindow)) &&
		!n.ReplyTime.Before(now.Add(-goodReplyWindow))
}

// IsQuestionable reports whether the node hasn't been heard from recently
// enough to be trusted without a ping.
func (n Node) IsQuestionable(now time.Time) bool {
	return n.RecvTime.Before(now.Add(-questionableAge))
}

type bucket struct {
	nodes               []Node
	verifiedCandidates  []Node
	unverifiedCandidate []Node
}

// PingFunc is invoked whenever the table wants a contact pinged, either to
// verify a candidate or to re-check a questionable node.
type PingFunc func(nodeid.Contact)

// Table is a node's view of the DHT: its own id and the buckets of contacts
// it maintains around it. Safe for concurrent use; sendPing is invoked with
// the table lock held and must not call back into the table synchronously.
type Table struct {
	selfID   nodeid.ID
	sendPing PingFunc
	log      logger.DebugLogger
	now      func() time.Time

	mu      sync.Mutex
	buckets []bucket
}

// New creates a routing table for selfID. sendPing is called any time the
// table wants a contact verified or re-verified; the caller is expected to
// eventually report the outcome back via Add (verified) or Fail.
func New(selfID nodeid.ID, sendPing PingFunc, log logger.DebugLogger) *Table {
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Table{
		selfID:   selfID,
		sendPing: sendPing,
		log:      log,
		buckets:  []bucket{{}},
		now:      time.Now,
	}
}

// SelfID returns the table owner's node id.
func (t *Table) SelfID() nodeid.ID { return t.selfID }

// maxDistance returns the highest XOR distance a contact in bucket i can
// have from selfID: all-ones except the top i bits are forced to zero.
func maxDistance(bucketID int) nodeid.ID {
	var id nodeid.ID
	for i := range id {
		id[i] = 0xff
	}
	for i := 0; i < bucketID; i++ {
		clearBit(&id, i)
	}
	return id
}

func clearBit(id *nodeid.ID, bit int) {
	byteIdx := bit / 8
	bitIdx := uint(bit % 8)
	id[byteIdx] &^= 0x80 >> bitIdx
}

func idGreater(a, b nodeid.ID) bool {
	return b.Less(a)
}
func idLessEq(a, b nodeid.ID) bool {
	return !idGreater(a, b)
}

func (t *Table) findBucketID(id nodeid.ID) int {
	distance := t.selfID.Xor(id)
	max := maxDistance(0)
	ret := 0
	for i := 0; i < len(t.buckets); i++ {
		if idGreater(distance, max) {
			return ret
		}
		clearBit(&max, i)
		ret = i
	}
	return ret
}

func (t *Table) findBucket(id nodeid.ID) *bucket {
	return &t.buckets[t.findBucketID(id)]
}

// wouldSplitBucket reports whether adding newID would let the last bucket
// split without stranding all of its current occupants on one side.
func (t *Table) wouldSplitBucket(bucketID int, newID nodeid.ID) bool {
	dst := t.selfID.Xor(newID)
	if idGreater(dst, maxDistance(bucketID)) {
		return false
	}

	b := &t.buckets[bucketID]
	if len(b.nodes) < BucketSize {
		return false
	}

	halfDst := maxDistance(bucketID + 1)

	cnt := 0
	if idLessEq(dst, halfDst) {
		cnt++
	}
	for _, n := range b.nodes {
		if idLessEq(t.selfID.Xor(n.Contact.ID), halfDst) {
			cnt++
		}
	}

	return cnt > 0 && cnt <= BucketSize
}

func belongsToNewBucket(selfID, id, newBucketMax nodeid.ID) bool {
	return idLessEq(selfID.Xor(id), newBucketMax)
}

func (t *Table) splitBucket(i int) {
	var nb bucket
	newMax := maxDistance(i + 1)

	b := &t.buckets[i]
	b.nodes, nb.nodes = partition(b.nodes, func(n Node) bool {
		return belongsToNewBucket(t.selfID, n.Contact.ID, newMax)
	})
	b.verifiedCandidates, nb.verifiedCandidates = partition(b.verifiedCandidates, func(n Node) bool {
		return belongsToNewBucket(t.selfID, n.Contact.ID, newMax)
	})
	b.unverifiedCandidate, nb.unverifiedCandidate = partition(b.unverifiedCandidate, func(n Node) bool {
		return belongsToNewBucket(t.selfID, n.Contact.ID, newMax)
	})

	t.buckets = append(t.buckets, nb)
}

// partition splits nodes into those matching pred (moved out) and the rest
// (kept in place), preserving relative order in both.
func partition(nodes []Node, pred func(Node) bool) (kept, moved []Node) {
	kept = nodes[:0]
	for _, n := range nodes {
		if pred(n) {
			moved = append(moved, n)
		} else {
			kept = append(kept, n)
		}
	}
	return append([]Node(nil), kept...), moved
}

// FindClosest returns up to count contacts closest to target, searching
// outward from target's own bucket first and then falling back to
// progressively farther buckets. Whole buckets are collected before the
// final sort so ties resolve by true XOR distance, not bucket walk order.
func (t *Table) FindClosest(target nodeid.ID, count int) []nodeid.Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []nodeid.Contact
	if count == 0 {
		return out
	}

	bucketI := t.findBucketID(target)

	for i := bucketI; i < len(t.buckets) && len(out) < count; i++ {
		for _, n := range t.buckets[i].nodes {
			out = append(out, n.Contact)
		}
	}
	for i := bucketI - 1; i >= 0 && len(out) < count; i-- {
		for _, n := range t.buckets[i].nodes {
			out = append(out, n.Contact)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return nodeid.CloserTo(target, out[i].ID, out[j].ID)
	})
	if len(out) > count {
		out = out[:count]
	}
	return out
}

// Add records a contact in the routing table, space permitting. If there is
// no space, candidate replacement and bucket-splitting rules from BEP5
// apply. isVerified marks that the contact has actually replied to a query
// of ours, as opposed to merely being mentioned by someone else.
func (t *Table) Add(contact nodeid.Contact, isVerified bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucketID := t.findBucketID(contact.ID)
	b := &t.buckets[bucketID]
	now := t.now()

	for i := range b.nodes {
		if b.nodes[i].Contact.Equal(contact) {
			n := b.nodes[i]
			n.RecvTime = now
			if isVerified {
				n.ReplyTime = now
				n.QueriesFailed = 0
				n.PingOngoing = false
			}
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, n)
			return
		}
	}

	b.verifiedCandidates = removeContact(b.verifiedCandidates, contact)
	b.unverifiedCandidate = removeContact(b.unverifiedCandidate, contact)

	if len(b.nodes) < BucketSize {
		if isVerified {
			b.nodes = append(b.nodes, newNode(contact, now))
			totalNodes.Add(1)
		} else {
			t.sendPing(contact)
		}
		return
	}

	if t.wouldSplitBucket(bucketID, contact.ID) {
		if isVerified {
			b.nodes = append(b.nodes, newNode(contact, now))
			totalNodes.Add(1)
			t.splitBucket(bucketID)
		} else {
			t.sendPing(contact)
		}
		return
	}

	for i := range b.nodes {
		if !b.nodes[i].IsGood(now) {
			if isVerified {
				b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
				b.nodes = append(b.nodes, newNode(contact, now))
				totalKilledNodes.Add(1)
			} else {
				t.sendPing(contact)
			}
			return
		}
	}

	questionable := 0
	for i := range b.nodes {
		if b.nodes[i].IsQuestionable(now) {
			questionable++
			if !b.nodes[i].PingOngoing {
				t.sendPing(b.nodes[i].Contact)
				b.nodes[i].PingOngoing = true
			}
		}
	}

	candidate := Node{Contact: contact, RecvTime: now, QueriesFailed: 0}
	if isVerified {
		candidate.ReplyTime = now
		if questionable > 0 {
			b.verifiedCandidates = append(b.verifiedCandidates, candidate)
		}
	} else {
		b.verifiedCandidates = eraseFrontQuestionables(b.verifiedCandidates, now)
		if len(b.verifiedCandidates) < questionable {
			b.unverifiedCandidate = append(b.unverifiedCandidate, candidate)
		}
	}

	for len(b.verifiedCandidates) > questionable {
		b.verifiedCandidates = b.verifiedCandidates[1:]
	}
	for len(b.verifiedCandidates)+len(b.unverifiedCandidate) > questionable {
		b.unverifiedCandidate = b.unverifiedCandidate[1:]
	}
}

func newNode(contact nodeid.Contact, now time.Time) Node {
	return Node{Contact: contact, RecvTime: now, ReplyTime: now}
}

func removeContact(nodes []Node, contact nodeid.Contact) []Node {
	out := nodes[:0]
	for _, n := range nodes {
		if !n.Contact.Equal(contact) {
			out = append(out, n)
		}
	}
	return append([]Node(nil), out...)
}

func eraseFrontQuestionables(q []Node, now time.Time) []Node {
	for len(q) > 0 && q[0].IsQuestionable(now) {
		q = q[1:]
	}
	return q
}

// Fail records that contact did not respond to one of our queries. Enough
// consecutive failures (or staleness) demote it to bad, at which point a
// queued candidate takes its slot.
func (t *Table) Fail(contact nodeid.Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.findBucket(contact.ID)
	now := t.now()

	nodeI := -1
	for i := range b.nodes {
		if b.nodes[i].Contact.Equal(contact) {
			nodeI = i
			break
		}
	}
	if nodeI == -1 {
		return
	}

	b.nodes[nodeI].QueriesFailed++

	if b.nodes[nodeI].IsGood(now) {
		if b.nodes[nodeI].IsQuestionable(now) {
			b.nodes[nodeI].PingOngoing = true
			t.sendPing(contact)
		}
		return
	}

	b.verifiedCandidates = eraseFrontQuestionables(b.verifiedCandidates, now)
	b.unverifiedCandidate = eraseFrontQuestionables(b.unverifiedCandidate, now)

	if len(b.verifiedCandidates) > 0 {
		b.nodes = append(b.nodes[:nodeI], b.nodes[nodeI+1:]...)
		totalKilledNodes.Add(1)

		c := b.verifiedCandidates[0]
		b.verifiedCandidates = b.verifiedCandidates[1:]

		replacement := Node{Contact: c.Contact, RecvTime: c.RecvTime, ReplyTime: c.ReplyTime}

		inserted := false
		for i := range b.nodes {
			if b.nodes[i].RecvTime.After(replacement.RecvTime) {
				b.nodes = append(b.nodes, Node{})
				copy(b.nodes[i+1:], b.nodes[i:])
				b.nodes[i] = replacement
				inserted = true
				break
			}
		}
		if !inserted {
			b.nodes = append(b.nodes, replacement)
		}
	} else if len(b.unverifiedCandidate) > 0 {
		contact := b.unverifiedCandidate[0].Contact
		b.unverifiedCandidate = b.unverifiedCandidate[1:]
		t.sendPing(contact)
	}

	questionable := 0
	for _, n := range b.nodes {
		if n.IsQuestionable(now) {
			questionable++
		}
	}
	for len(b.verifiedCandidates) > questionable {
		b.verifiedCandidates = b.verifiedCandidates[1:]
	}
	for len(b.verifiedCandidates)+len(b.unverifiedCandidate) > questionable {
		b.unverifiedCandidate = b.unverifiedCandidate[1:]
	}
}

// DumpContacts returns every node and verified candidate contact currently
// held, sorted by id for determinism (used by bootstrap's empty-table check
// and by diagnostics dumps).
func (t *Table) DumpContacts() []nodeid.Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := map[nodeid.ID]nodeid.Contact{}
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			seen[n.Contact.ID] = n.Contact
		}
		for _, n := range b.verifiedCandidates {
			seen[n.Contact.ID] = n.Contact
		}
	}
	out := make([]nodeid.Contact, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// BucketCount returns the number of buckets currently allocated; exported
// for diagnostics and tests verifying split behavior.
func (t *Table) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
