package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"swarmcache/krpc"
	"swarmcache/nodeid"
)

// SendQueryAwaitReply assigns a transaction id, sends a query of the given
// type to dst, and waits for either a reply, a timeout, or ctx
// cancellation. On a successful reply the destination is recorded in the
// routing table as verified; on timeout or an error reply it is recorded
// as failed.
func (n *Node) SendQueryAwaitReply(ctx context.Context, dst nodeid.Contact, queryType string, args map[string]interface{}) (krpc.Envelope, error) {
	return n.sendQuery(ctx, dst, queryType, args, n.cfg.QueryTimeout)
}

// SendWriteQuery is SendQueryAwaitReply with the write-query timeout and
// retry policy (default 5 attempts) applied.
func (n *Node) SendWriteQuery(ctx context.Context, dst nodeid.Contact, queryType string, args map[string]interface{}) (krpc.Envelope, error) {
	var lastErr error
	for attempt := 0; attempt < n.cfg.WriteRetries; attempt++ {
		env, err := n.sendQuery(ctx, dst, queryType, args, n.cfg.WriteTimeout)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return krpc.Envelope{}, ErrOperationAborted
		}
	}
	return krpc.Envelope{}, lastErr
}

func (n *Node) sendQuery(ctx context.Context, dst nodeid.Contact, queryType string, args map[string]interface{}, timeout time.Duration) (krpc.Envelope, error) {
	tid, err := krpc.NewTransactionID()
	if err != nil {
		return krpc.Envelope{}, fmt.Errorf("node: sendQuery: %w", err)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	args["id"] = string(n.ID().Bytes())

	msg := krpc.Query{T: tid, Y: krpc.TypeQuery, Q: queryType, A: args}
	raw, err := krpc.Encode(msg)
	if err != nil {
		return krpc.Envelope{}, fmt.Errorf("node: sendQuery: %w", err)
	}

	tx := &transaction{contact: dst, replyCh: make(chan reply, 1)}
	n.txMu.Lock()
	n.txns[tid] = tx
	n.txMu.Unlock()

	udpAddr := net.UDPAddr{IP: dst.Addr.Addr().AsSlice(), Port: int(dst.Addr.Port())}
	expQueriesSent.Add(1)
	if err := n.mux.Send(raw, udpAddr); err != nil {
		n.removeTransaction(tid)
		n.tableFail(dst)
		return krpc.Envelope{}, fmt.Errorf("node: sendQuery: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-tx.replyCh:
		if r.err != nil {
			return krpc.Envelope{}, r.err
		}
		if r.env.Y == krpc.TypeError {
			n.tableFail(dst)
			return r.env, fmt.Errorf("node: query %s to %s: error reply", queryType, dst)
		}
		n.tableAdd(dst, r.env)
		return r.env, nil
	case <-timer.C:
		n.removeTransaction(tid)
		n.tableFail(dst)
		return krpc.Envelope{}, ErrTimedOut
	case <-ctx.Done():
		n.removeTransaction(tid)
		n.tableFail(dst)
		return krpc.Envelope{}, ErrOperationAborted
	}
}

func (n *Node) removeTransaction(tid string) {
	n.txMu.Lock()
	delete(n.txns, tid)
	n.txMu.Unlock()
}

// tableAdd records a verified contact, substituting the id learned from
// the reply's "id" field when dst was queried with a zero/placeholder id
// (the bootstrap case).
func (n *Node) tableAdd(dst nodeid.Contact, env krpc.Envelope) {
	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return
	}
	contact := dst
	if id, ok := replyID(env); ok {
		contact.ID = id
	}
	if contact.ID.IsZero() {
		return
	}
	table.Add(contact, true)
}

func (n *Node) tableFail(dst nodeid.Contact) {
	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil || dst.ID.IsZero() {
		return
	}
	table.Fail(dst)
}

func replyID(env krpc.Envelope) (nodeid.ID, bool) {
	idStr, ok := env.R["id"].(string)
	if !ok {
		return nodeid.ID{}, false
	}
	id, err := nodeid.FromString(idStr)
	if err != nil {
		return nodeid.ID{}, false
	}
	return id, true
}
