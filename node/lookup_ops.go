package node

import (
	"context"
	"net/netip"
	"sync"

	"swarmcache/krpc"
	"swarmcache/lookup"
	"swarmcache/nodeid"
	"swarmcache/store"
)

// findNode runs a recursive closest-node lookup for target, seeded with
// seed, and returns the responsibilityCount closest live contacts found.
func (n *Node) findNode(ctx context.Context, target nodeid.ID, seed []nodeid.Contact, responsibilityCount int) []nodeid.Contact {
	closest := lookup.NewProximityMap[nodeid.Contact](target, responsibilityCount)
	engine := &lookup.Engine{Pivot: target}

	evaluate := func(ctx context.Context, c nodeid.Contact) ([]nodeid.Contact, bool, error) {
		if closest.Full() && !closest.WouldInsert(c.ID) {
			return nil, true, nil
		}
		env, err := n.SendQueryAwaitReply(ctx, c, krpc.QueryFindNode, map[string]interface{}{
			"target": string(target.Bytes()),
		})
		if err != nil {
			return nil, true, nil
		}
		if respID, ok := replyID(env); ok {
			closest.Insert(respID, nodeid.Contact{ID: respID, Addr: c.Addr})
		}
		return decodeNodesReply(env), true, nil
	}

	_ = engine.Collect(ctx, seed, evaluate)
	return closest.Values()
}

func decodeNodesReply(env krpc.Envelope) []nodeid.Contact {
	var out []nodeid.Contact
	if s, ok := env.R["nodes"].(string); ok {
		if contacts, err := krpc.DecodeContacts(s, false); err == nil {
			out = append(out, contacts...)
		}
	}
	if s, ok := env.R["nodes6"].(string); ok {
		if contacts, err := krpc.DecodeContacts(s, true); err == nil {
			out = append(out, contacts...)
		}
	}
	return out
}

// TrackerAnnounce runs a lookup for infohash and sends announce_peer to
// every responding responsible node, succeeding if at least one accepted.
func (n *Node) TrackerAnnounce(ctx context.Context, infohash nodeid.ID, port int) error {
	seed := n.seedContacts()
	responsible := n.findNode(ctx, infohash, seed, responsibleTrackersPerSwarm)
	if len(responsible) == 0 {
		return ErrNoContactsReached
	}

	var mu sync.Mutex
	var successes int
	var wg sync.WaitGroup
	for _, c := range responsible {
		wg.Add(1)
		go func(c nodeid.Contact) {
			defer wg.Done()
			getEnv, err := n.SendQueryAwaitReply(ctx, c, krpc.QueryGetPeers, map[string]interface{}{
				"info_hash": string(infohash.Bytes()),
			})
			if err != nil {
				return
			}
			token, _ := getEnv.R["token"].(string)
			impliedPort := int64(0)
			if port == 0 {
				impliedPort = 1
			}
			args := map[string]interface{}{
				"info_hash":    string(infohash.Bytes()),
				"port":         int64(port),
				"token":        token,
				"implied_port": impliedPort,
			}
			if _, err := n.SendWriteQuery(ctx, c, krpc.QueryAnnouncePeer, args); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if successes == 0 {
		return ErrNetworkDown
	}
	return nil
}

// TrackerGetPeers runs a lookup for infohash, returning the union of
// "values" entries received from any contact visited. Concurrent calls for
// the same infohash share one lookup.
func (n *Node) TrackerGetPeers(ctx context.Context, infohash nodeid.ID) ([]netip.AddrPort, error) {
	v, err, _ := n.reads.Do("get_peers:"+infohash.String(), func() (interface{}, error) {
		return n.trackerGetPeers(ctx, infohash)
	})
	if err != nil {
		return nil, err
	}
	return v.([]netip.AddrPort), nil
}

func (n *Node) trackerGetPeers(ctx context.Context, infohash nodeid.ID) ([]netip.AddrPort, error) {
	seed := n.seedContacts()

	var mu sync.Mutex
	var peers []netip.AddrPort
	seen := map[netip.AddrPort]bool{}
	touched := false

	engine := &lookup.Engine{Pivot: infohash}
	evaluate := func(ctx context.Context, c nodeid.Contact) ([]nodeid.Contact, bool, error) {
		env, err := n.SendQueryAwaitReply(ctx, c, krpc.QueryGetPeers, map[string]interface{}{
			"info_hash": string(infohash.Bytes()),
		})
		if err != nil {
			return nil, true, nil
		}
		mu.Lock()
		touched = true
		mu.Unlock()
		if values, ok := env.R["values"].([]interface{}); ok {
			for _, v := range values {
				s, ok := v.(string)
				if !ok {
					continue
				}
				addr, err := krpc.DecodePeer(s)
				if err != nil {
					continue
				}
				mu.Lock()
				if !seen[addr] {
					seen[addr] = true
					peers = append(peers, addr)
				}
				mu.Unlock()
			}
		}
		return decodeNodesReply(env), true, nil
	}

	if err := engine.Collect(ctx, seed, evaluate); err != nil {
		return nil, err
	}

	if !touched {
		return nil, ErrNoContactsReached
	}
	if len(peers) == 0 {
		return nil, ErrNoPeersFound
	}
	return peers, nil
}

// DataPutImmutable locates the responsible nodes for value's target and
// puts it to each, succeeding if at least one accepted.
func (n *Node) DataPutImmutable(ctx context.Context, value interface{}) (nodeid.ID, error) {
	target, err := store.ImmutableTarget(value)
	if err != nil {
		return nodeid.ID{}, ErrInvalidArgument
	}
	seed := n.seedContacts()
	responsible := n.findNode(ctx, target, seed, responsibleTrackersPerSwarm)
	if len(responsible) == 0 {
		return target, ErrNoContactsReached
	}

	successes := n.putToAll(ctx, responsible, target, func(token string) map[string]interface{} {
		return map[string]interface{}{"token": token, "v": value}
	})
	if successes == 0 {
		return target, ErrNetworkDown
	}
	return target, nil
}

// DataGetImmutable locates the closest nodes to key and returns the first
// value whose sha1(bencode(v)) == key. Concurrent calls for the same key
// share one lookup.
func (n *Node) DataGetImmutable(ctx context.Context, key nodeid.ID) (interface{}, error) {
	v, err, _ := n.reads.Do("get:"+key.String(), func() (interface{}, error) {
		return n.dataGetImmutable(ctx, key)
	})
	return v, err
}

func (n *Node) dataGetImmutable(ctx context.Context, key nodeid.ID) (interface{}, error) {
	seed := n.seedContacts()

	var mu sync.Mutex
	var found interface{}
	var ok bool

	engine := &lookup.Engine{Pivot: key}
	evaluate := func(ctx context.Context, c nodeid.Contact) ([]nodeid.Contact, bool, error) {
		mu.Lock()
		already := ok
		mu.Unlock()
		if already {
			return nil, false, nil
		}
		env, err := n.SendQueryAwaitReply(ctx, c, krpc.QueryGet, map[string]interface{}{
			"target": string(key.Bytes()),
		})
		if err != nil {
			return nil, true, nil
		}
		if v, present := env.R["v"]; present {
			if target, err := store.ImmutableTarget(v); err == nil && target == key {
				mu.Lock()
				if !ok {
					found, ok = v, true
				}
				mu.Unlock()
			}
		}
		return decodeNodesReply(env), true, nil
	}

	if err := engine.Collect(ctx, seed, evaluate); err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPeersFound
	}
	return found, nil
}

// DataPutMutable locates the responsible nodes for item's target, plus any
// out-of-date node encountered while looking (one that returned a lower
// sequence number from its get reply), and puts item to all of them.
func (n *Node) DataPutMutable(ctx context.Context, item store.MutableItem, cas *int64) error {
	if !item.Verify() {
		return ErrInvalidArgument
	}
	target := store.MutableTarget(item.PublicKey, item.Salt)
	seed := n.seedContacts()

	closest := lookup.NewProximityMap[nodeid.Contact](target, responsibleTrackersPerSwarm)
	var mu sync.Mutex
	var outdated []nodeid.Contact

	engine := &lookup.Engine{Pivot: target}
	evaluate := func(ctx context.Context, c nodeid.Contact) ([]nodeid.Contact, bool, error) {
		if closest.Full() && !closest.WouldInsert(c.ID) {
			return nil, true, nil
		}
		env, err := n.SendQueryAwaitReply(ctx, c, krpc.QueryGet, map[string]interface{}{
			"target": string(target.Bytes()),
		})
		if err != nil {
			return nil, true, nil
		}
		if respID, ok := replyID(env); ok {
			contact := nodeid.Contact{ID: respID, Addr: c.Addr}
			closest.Insert(respID, contact)
			if seq, ok := env.R["seq"].(int64); ok && seq < item.SequenceNumber {
				mu.Lock()
				outdated = append(outdated, contact)
				mu.Unlock()
			}
		}
		return decodeNodesReply(env), true, nil
	}
	_ = engine.Collect(ctx, seed, evaluate)

	recipients := closest.Values()
	seenRecipient := make(map[nodeid.ID]bool, len(recipients))
	for _, c := range recipients {
		seenRecipient[c.ID] = true
	}
	for _, c := range outdated {
		if !seenRecipient[c.ID] {
			seenRecipient[c.ID] = true
			recipients = append(recipients, c)
		}
	}
	if len(recipients) == 0 {
		return ErrNoContactsReached
	}

	successes := n.putToAll(ctx, recipients, target, func(token string) map[string]interface{} {
		args := map[string]interface{}{
			"token": token,
			"k":     string(item.PublicKey),
			"salt":  item.Salt,
			"v":     item.Value,
			"seq":   item.SequenceNumber,
			"sig":   string(item.Signature),
		}
		if cas != nil {
			args["cas"] = *cas
		}
		return args
	})
	if successes == 0 {
		return ErrNetworkDown
	}
	return nil
}

// DataGetMutable locates the closest nodes to sha1(pk‖salt), verifies
// every candidate item's signature, and returns the highest-seq valid one.
// Concurrent calls for the same (pk, salt) share one lookup.
func (n *Node) DataGetMutable(ctx context.Context, publicKey []byte, salt string) (store.MutableItem, error) {
	target := store.MutableTarget(publicKey, salt)
	v, err, _ := n.reads.Do("get_mutable:"+target.String(), func() (interface{}, error) {
		return n.dataGetMutable(ctx, target, publicKey, salt)
	})
	if err != nil {
		return store.MutableItem{}, err
	}
	return v.(store.MutableItem), nil
}

func (n *Node) dataGetMutable(ctx context.Context, target nodeid.ID, publicKey []byte, salt string) (store.MutableItem, error) {
	seed := n.seedContacts()

	var mu sync.Mutex
	var best store.MutableItem
	var haveBest bool

	engine := &lookup.Engine{Pivot: target}
	evaluate := func(ctx context.Context, c nodeid.Contact) ([]nodeid.Contact, bool, error) {
		env, err := n.SendQueryAwaitReply(ctx, c, krpc.QueryGet, map[string]interface{}{
			"target": string(target.Bytes()),
		})
		if err != nil {
			return nil, true, nil
		}
		if item, ok := parseMutableReply(env, publicKey, salt); ok && item.Verify() {
			mu.Lock()
			if !haveBest || item.SequenceNumber > best.SequenceNumber {
				best, haveBest = item, true
			}
			mu.Unlock()
		}
		return decodeNodesReply(env), true, nil
	}

	if err := engine.Collect(ctx, seed, evaluate); err != nil {
		return store.MutableItem{}, err
	}
	if !haveBest {
		return store.MutableItem{}, ErrNoPeersFound
	}
	return best, nil
}

func parseMutableReply(env krpc.Envelope, publicKey []byte, salt string) (store.MutableItem, bool) {
	v, hasV := env.R["v"]
	seq, hasSeq := env.R["seq"].(int64)
	sig, hasSig := env.R["sig"].(string)
	if !hasV || !hasSeq || !hasSig {
		return store.MutableItem{}, false
	}
	return store.MutableItem{
		PublicKey:      publicKey,
		Salt:           salt,
		Value:          v,
		SequenceNumber: seq,
		Signature:      []byte(sig),
	}, true
}

// putToAll sends a "put" query built from buildArgs (given the token each
// contact returned from a prior get/get_peers) to every contact, returning
// how many accepted.
func (n *Node) putToAll(ctx context.Context, contacts []nodeid.Contact, target nodeid.ID, buildArgs func(token string) map[string]interface{}) int {
	var mu sync.Mutex
	var successes int
	var wg sync.WaitGroup
	for _, c := range contacts {
		wg.Add(1)
		go func(c nodeid.Contact) {
			defer wg.Done()
			getEnv, err := n.SendQueryAwaitReply(ctx, c, krpc.QueryGet, map[string]interface{}{
				"target": string(target.Bytes()),
			})
			if err != nil {
				return
			}
			token, _ := getEnv.R["token"].(string)
			if _, err := n.SendWriteQuery(ctx, c, krpc.QueryPut, buildArgs(token)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return successes
}

// seedContacts returns a small seed set for a fresh lookup: the closest
// known contacts to the node's own id, which in a populated routing table
// already span much of the id space.
func (n *Node) seedContacts() []nodeid.Contact {
	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return nil
	}
	return table.FindClosest(n.ID(), lookupSeedCount)
}

const lookupSeedCount = 16
