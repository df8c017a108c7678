package node

import (
	"net"
	"net/netip"

	"swarmcache/krpc"
	"swarmcache/nodeid"
	"swarmcache/routing"
	"swarmcache/store"
)

// handleQuery dispatches an inbound query to the matching handler and
// sends back whatever reply or error it produces. The sender is recorded
// in the routing table first, unless it marked itself read-only (ro=1).
func (n *Node) handleQuery(env krpc.Envelope, from net.UDPAddr) {
	senderAddr, ok := addrPortFromUDP(from)
	if !ok {
		return
	}

	if env.RO == 0 {
		if senderID, ok := argID(env.A); ok {
			n.mu.RLock()
			table := n.table
			n.mu.RUnlock()
			if table != nil {
				table.Add(nodeid.Contact{ID: senderID, Addr: senderAddr}, false)
			}
		}
	}

	var reply map[string]interface{}
	var errCode int
	var errMsg string

	switch env.Q {
	case krpc.QueryPing:
		reply = map[string]interface{}{"ip": string(krpc.EncodeEndpoint(senderAddr))}
	case krpc.QueryFindNode:
		reply, errCode, errMsg = n.handleFindNode(env.A, senderAddr)
	case krpc.QueryGetPeers:
		reply, errCode, errMsg = n.handleGetPeers(env.A, senderAddr)
	case krpc.QueryAnnouncePeer:
		reply, errCode, errMsg = n.handleAnnouncePeer(env.A, senderAddr)
	case krpc.QueryGet:
		reply, errCode, errMsg = n.handleGet(env.A, senderAddr)
	case krpc.QueryPut:
		reply, errCode, errMsg = n.handlePut(env.A, senderAddr)
	default:
		errCode, errMsg = krpc.ErrUnknownQuery, "Unknown query type"
	}

	if errCode != 0 {
		n.sendError(env.T, from, errCode, errMsg)
		return
	}
	if reply == nil {
		reply = map[string]interface{}{}
	}
	reply["id"] = string(n.ID().Bytes())
	n.sendReply(env.T, from, reply)
}

func (n *Node) sendReply(t string, to net.UDPAddr, r map[string]interface{}) {
	raw, err := krpc.Encode(krpc.Reply{T: t, Y: krpc.TypeResponse, R: r})
	if err != nil {
		n.cfg.Logger.Debugf("node: encode reply: %s\n", err)
		return
	}
	n.mux.SendAsync(raw, to)
}

func (n *Node) sendError(t string, to net.UDPAddr, code int, msg string) {
	raw, err := krpc.Encode(krpc.ErrorReply{T: t, Y: krpc.TypeError, E: []interface{}{code, msg}})
	if err != nil {
		n.cfg.Logger.Debugf("node: encode error reply: %s\n", err)
		return
	}
	n.mux.SendAsync(raw, to)
}

func (n *Node) handleFindNode(args map[string]interface{}, sender netip.AddrPort) (map[string]interface{}, int, string) {
	targetStr, ok := args["target"].(string)
	if !ok || len(targetStr) != nodeid.Len {
		return nil, krpc.ErrProtocolError, "Missing or malformed argument 'target'"
	}
	target, err := nodeid.FromString(targetStr)
	if err != nil {
		return nil, krpc.ErrProtocolError, "Malformed argument 'target'"
	}

	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return nil, krpc.ErrProtocolError, "Not ready"
	}

	contacts := table.FindClosest(target, findNodeCount)
	reply := map[string]interface{}{}
	nodesKey := "nodes"
	if sender.Addr().Is6() && !sender.Addr().Is4In6() {
		nodesKey = "nodes6"
	}
	reply[nodesKey] = string(krpc.EncodeContacts(contacts))
	return reply, 0, ""
}

func (n *Node) handleGetPeers(args map[string]interface{}, sender netip.AddrPort) (map[string]interface{}, int, string) {
	infohashStr, ok := args["info_hash"].(string)
	if !ok || len(infohashStr) != nodeid.Len {
		return nil, krpc.ErrProtocolError, "Missing or malformed argument 'info_hash'"
	}
	infohash, err := nodeid.FromString(infohashStr)
	if err != nil {
		return nil, krpc.ErrProtocolError, "Malformed argument 'info_hash'"
	}

	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return nil, krpc.ErrProtocolError, "Not ready"
	}

	contacts := table.FindClosest(infohash, findNodeCount)
	reply := map[string]interface{}{}
	nodesKey := "nodes"
	if sender.Addr().Is6() && !sender.Addr().Is4In6() {
		nodesKey = "nodes6"
	}
	reply[nodesKey] = string(krpc.EncodeContacts(contacts))

	if peers := n.tracker.GetPeers(infohash, valuesCap); len(peers) > 0 {
		values := make([]interface{}, 0, len(peers))
		for _, p := range peers {
			values = append(values, string(krpc.EncodePeer(p)))
		}
		reply["values"] = values
	}

	reply["token"] = string(n.tracker.GenerateToken(sender.Addr(), infohash))
	return reply, 0, ""
}

func (n *Node) handleAnnouncePeer(args map[string]interface{}, sender netip.AddrPort) (map[string]interface{}, int, string) {
	infohashStr, ok := args["info_hash"].(string)
	if !ok || len(infohashStr) != nodeid.Len {
		return nil, krpc.ErrProtocolError, "Missing or malformed argument 'info_hash'"
	}
	infohash, err := nodeid.FromString(infohashStr)
	if err != nil {
		return nil, krpc.ErrProtocolError, "Malformed argument 'info_hash'"
	}

	token, ok := args["token"].(string)
	if !ok {
		return nil, krpc.ErrProtocolError, "Missing argument 'token'"
	}

	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil || !n.isResponsibleFor(table, infohash) {
		return nil, krpc.ErrNotResponsible, "This infohash is not my responsibility"
	}

	if !n.tracker.VerifyToken(sender.Addr(), infohash, []byte(token)) {
		return nil, krpc.ErrProtocolError, "Incorrect announce token"
	}

	port := sender.Port()
	if impliedPort, _ := args["implied_port"].(int64); impliedPort == 0 {
		if p, ok := args["port"].(int64); ok {
			port = uint16(p)
		}
	}
	n.tracker.Announce(infohash, netip.AddrPortFrom(sender.Addr(), port))
	return map[string]interface{}{}, 0, ""
}

func (n *Node) handleGet(args map[string]interface{}, sender netip.AddrPort) (map[string]interface{}, int, string) {
	targetStr, ok := args["target"].(string)
	if !ok || len(targetStr) != nodeid.Len {
		return nil, krpc.ErrProtocolError, "Missing or malformed argument 'target'"
	}
	target, err := nodeid.FromString(targetStr)
	if err != nil {
		return nil, krpc.ErrProtocolError, "Malformed argument 'target'"
	}

	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return nil, krpc.ErrProtocolError, "Not ready"
	}

	contacts := table.FindClosest(target, findNodeCount)
	reply := map[string]interface{}{}
	nodesKey := "nodes"
	if sender.Addr().Is6() && !sender.Addr().Is4In6() {
		nodesKey = "nodes6"
	}
	reply[nodesKey] = string(krpc.EncodeContacts(contacts))
	reply["token"] = string(n.dataStore.GenerateToken(sender.Addr(), target))

	seq, hasSeq := args["seq"].(int64)

	if !hasSeq {
		if v, ok := n.dataStore.GetImmutable(target); ok {
			reply["v"] = v
			return reply, 0, ""
		}
	}

	if item, ok := n.dataStore.GetMutable(target); ok {
		if hasSeq && seq >= item.SequenceNumber {
			return reply, 0, ""
		}
		reply["k"] = string(item.PublicKey)
		reply["seq"] = item.SequenceNumber
		reply["sig"] = string(item.Signature)
		reply["v"] = item.Value
	}
	return reply, 0, ""
}

func (n *Node) handlePut(args map[string]interface{}, sender netip.AddrPort) (map[string]interface{}, int, string) {
	token, ok := args["token"].(string)
	if !ok {
		return nil, krpc.ErrProtocolError, "Missing argument 'token'"
	}
	value, ok := args["v"]
	if !ok {
		return nil, krpc.ErrProtocolError, "Missing argument 'v'"
	}

	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return nil, krpc.ErrProtocolError, "Not ready"
	}

	if pubKeyStr, isMutable := args["k"].(string); isMutable {
		if len(pubKeyStr) != 32 {
			return nil, krpc.ErrProtocolError, "Malformed argument 'k'"
		}
		sigStr, ok := args["sig"].(string)
		if !ok || len(sigStr) != 64 {
			return nil, krpc.ErrProtocolError, "Missing or malformed argument 'sig'"
		}
		seq, ok := args["seq"].(int64)
		if !ok {
			return nil, krpc.ErrProtocolError, "Missing argument 'seq'"
		}
		salt, _ := args["salt"].(string)
		if len(salt) > store.MaxSaltLen {
			return nil, krpc.ErrSaltTooBig, "Argument 'salt' too big"
		}

		target := store.MutableTarget([]byte(pubKeyStr), salt)
		if !n.dataStore.VerifyToken(sender.Addr(), target, []byte(token)) {
			return nil, krpc.ErrProtocolError, "Incorrect put token"
		}
		if !n.isResponsibleFor(table, target) {
			return nil, krpc.ErrNotResponsible, "This data item is not my responsibility"
		}

		item := store.MutableItem{
			PublicKey:      []byte(pubKeyStr),
			Salt:           salt,
			Value:          value,
			SequenceNumber: seq,
			Signature:      []byte(sigStr),
		}
		var cas *int64
		if c, ok := args["cas"].(int64); ok {
			cas = &c
		}
		if _, err := n.dataStore.PutMutable(item, cas); err != nil {
			return nil, putErrorCode(err), err.Error()
		}
		return map[string]interface{}{}, 0, ""
	}

	target, err := store.ImmutableTarget(value)
	if err != nil {
		return nil, krpc.ErrProtocolError, "Malformed argument 'v'"
	}
	if !n.dataStore.VerifyToken(sender.Addr(), target, []byte(token)) {
		return nil, krpc.ErrProtocolError, "Incorrect put token"
	}
	if !n.isResponsibleFor(table, target) {
		return nil, krpc.ErrNotResponsible, "This data item is not my responsibility"
	}
	if _, err := n.dataStore.PutImmutable(value); err != nil {
		return nil, putErrorCode(err), err.Error()
	}
	return map[string]interface{}{}, 0, ""
}

func putErrorCode(err error) int {
	switch err {
	case store.ErrValueTooBig:
		return krpc.ErrValueTooBig
	case store.ErrSaltTooBig:
		return krpc.ErrSaltTooBig
	case store.ErrInvalidSignature:
		return krpc.ErrInvalidSignature
	case store.ErrCASMismatch:
		return krpc.ErrCASMismatch
	case store.ErrSequenceNotUpdated:
		return krpc.ErrSequenceNotUpdated
	default:
		return krpc.ErrProtocolError
	}
}

// isResponsibleFor reports whether self is within the responsible set for
// target: among the eight closest ids this node knows of. A table holding
// fewer than eight contacts leaves the set unfilled, so self qualifies.
func (n *Node) isResponsibleFor(table *routing.Table, target nodeid.ID) bool {
	self := table.SelfID()
	closest := table.FindClosest(target, responsibleTrackersPerSwarm)
	if len(closest) < responsibleTrackersPerSwarm {
		return true
	}
	worst := closest[len(closest)-1]
	return nodeid.CloserTo(target, self, worst.ID)
}

func argID(args map[string]interface{}) (nodeid.ID, bool) {
	s, ok := args["id"].(string)
	if !ok {
		return nodeid.ID{}, false
	}
	id, err := nodeid.FromString(s)
	if err != nil {
		return nodeid.ID{}, false
	}
	return id, true
}

func addrPortFromUDP(addr net.UDPAddr) (netip.AddrPort, bool) {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), true
}
