package node

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"net"
	"net/netip"

	"swarmcache/krpc"
	"swarmcache/nodeid"
	"swarmcache/routing"
)

// bootstrap resolves cfg.BootstrapAddr, pings it to learn our own observed
// WAN endpoint, derives our node id from that endpoint per BEP42, builds
// the routing table around the new id, and seeds it with a find_node(self)
// lookup. One refresh lookup is then spawned per bucket so coverage
// extends past the immediate neighborhood.
func (n *Node) bootstrap(ctx context.Context) error {
	bootstrapAddr, err := net.ResolveUDPAddr("udp", n.cfg.BootstrapAddr)
	if err != nil {
		return fmt.Errorf("node: bootstrap: resolve %s: %w", n.cfg.BootstrapAddr, err)
	}
	bootstrapHost, ok := addrPortFromUDP(*bootstrapAddr)
	if !ok {
		return fmt.Errorf("node: bootstrap: bad address %s", n.cfg.BootstrapAddr)
	}
	bootstrapContact := nodeid.Contact{Addr: bootstrapHost}

	bctx, cancel := context.WithTimeout(ctx, n.cfg.BootstrapTimeout)
	defer cancel()

	env, err := n.sendQuery(bctx, bootstrapContact, krpc.QueryPing, map[string]interface{}{}, n.cfg.BootstrapTimeout)
	if err != nil {
		return fmt.Errorf("%w: bootstrap ping to %s: %s", ErrNetworkDown, n.cfg.BootstrapAddr, err)
	}

	wan, ok := observedWAN(env)
	if !ok {
		return fmt.Errorf("%w: bootstrap reply from %s carried no ip field", ErrNetworkDown, n.cfg.BootstrapAddr)
	}

	var randByte [1]byte
	if _, err := rand.Read(randByte[:]); err != nil {
		return fmt.Errorf("node: bootstrap: %w", err)
	}
	id, err := nodeid.GenerateBEP42(net.IP(wan.Addr().AsSlice()), randByte[0])
	if err != nil {
		return fmt.Errorf("node: bootstrap: GenerateBEP42: %w", err)
	}

	n.mu.Lock()
	n.id = id
	n.wan = wan.Addr()
	n.table = routing.New(id, n.pingContact, n.cfg.Logger)
	n.mu.Unlock()

	seed := []nodeid.Contact{{Addr: bootstrapHost}}
	if bootID, ok := replyID(env); ok {
		seed[0].ID = bootID
		n.table.Add(seed[0], true)
	}

	n.findNode(ctx, id, seed, findNodeCount)

	if len(n.table.DumpContacts()) == 0 {
		return fmt.Errorf("%w: find_node(self) discovered no contacts", ErrNetworkDown)
	}

	n.refreshBuckets(ctx)
	return nil
}

// pingContact is installed as the routing table's PingFunc: a bare ping
// sent fire-and-forget so the table can verify or re-verify a contact
// without blocking its own caller.
func (n *Node) pingContact(c nodeid.Contact) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.QueryTimeout)
		defer cancel()
		n.SendQueryAwaitReply(ctx, c, krpc.QueryPing, map[string]interface{}{})
	}()
}

// refreshBuckets spawns one find_node(random id in bucket's range) lookup
// per known bucket, refreshing coverage once bootstrap completes.
func (n *Node) refreshBuckets(ctx context.Context) {
	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return
	}
	buckets := table.BucketCount()
	for i := 0; i < buckets; i++ {
		target := randomIDInBucket(table.SelfID(), i)
		seed := table.FindClosest(target, lookupSeedCount)
		go n.findNode(ctx, target, seed, findNodeCount)
	}
}

// randomIDInBucket returns a random id whose XOR distance from self has its
// highest set bit at position bit, i.e. an id that belongs in bucket bit of
// self's routing table.
func randomIDInBucket(self nodeid.ID, bit int) nodeid.ID {
	id := self
	byteIdx := bit / 8
	bitIdx := uint(7 - bit%8)

	var tail [nodeid.Len]byte
	mrand.Read(tail[:])

	id[byteIdx] ^= 1 << bitIdx
	lowMask := byte((1 << bitIdx) - 1)
	id[byteIdx] = (id[byteIdx] &^ lowMask) | (tail[byteIdx] & lowMask)
	for i := byteIdx + 1; i < nodeid.Len; i++ {
		id[i] = tail[i]
	}
	return id
}

// observedWAN extracts the bootstrap reply's "ip" field, the compact
// endpoint BEP42 defines as the client's WAN-observed address.
func observedWAN(env krpc.Envelope) (netip.AddrPort, bool) {
	s, ok := env.R["ip"].(string)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap, err := krpc.DecodeEndpoint([]byte(s))
	if err != nil {
		return netip.AddrPort{}, false
	}
	return ap, true
}
