package node

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"swarmcache/logger"
	"swarmcache/nodeid"
)

// Registration is the body accepted by RegistrationServer's POST /update:
// an out-of-band introduction of a known-honest DHT node.
type Registration struct {
	// Nodeid is the node's 40-character hex id.
	Nodeid string
	// NodeAddr is the node's UDP endpoint, "host:port".
	NodeAddr string
}

// ContactDump is one routing-table entry in a TableDump.
type ContactDump struct {
	ID   string
	Addr string
}

// TableDump is the observable state of one Node, returned by GET /update.
type TableDump struct {
	LocalAddr         string
	State             string
	Contacts          []ContactDump
	TrackerTokenEpoch string
	DataTokenEpoch    string
}

// RegistrationTarget is the operation set RegistrationServer needs from the
// DHT it fronts. mainline.Dht satisfies it; a single Node can be wrapped
// trivially in tests.
type RegistrationTarget interface {
	RegisterContact(c nodeid.Contact) error
	Dump() []TableDump
}

// RegistrationServer exposes POST /update to register an already-known peer
// out of band (for the proxy/router layers sitting in front of this module)
// and GET /update to dump routing-table state for observability.
type RegistrationServer struct {
	target RegistrationTarget
	log    logger.DebugLogger
}

// NewRegistrationServer creates a handler serving /update against target.
func NewRegistrationServer(target RegistrationTarget, log logger.DebugLogger) *RegistrationServer {
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &RegistrationServer{target: target, log: log}
}

func (s *RegistrationServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Add("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.target.Dump()); err != nil {
			s.log.Errorf("registration: dump encode: %v\n", err)
		}
	case http.MethodPost:
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			s.log.Errorf("registration: error parsing add node post: %v\n", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		contact, err := reg.contact()
		if err != nil {
			s.log.Errorf("registration: bad registration %+v: %v\n", reg, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := s.target.RegisterContact(contact); err != nil {
			s.log.Errorf("registration: add node: %v\n", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (reg Registration) contact() (nodeid.Contact, error) {
	id, err := nodeid.FromHex(reg.Nodeid)
	if err != nil {
		return nodeid.Contact{}, err
	}
	addr, err := netip.ParseAddrPort(reg.NodeAddr)
	if err != nil {
		return nodeid.Contact{}, err
	}
	return nodeid.Contact{ID: id, Addr: addr}, nil
}

// RegisterContact inserts an externally vouched-for contact into the routing
// table. The contact enters unverified: the table pings it and promotes it
// once it replies, same as any contact learned from an inbound query.
func (n *Node) RegisterContact(c nodeid.Contact) error {
	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return ErrNetworkDown
	}
	table.Add(c, false)
	return nil
}

// Dump returns the node's observable routing and token state.
func (n *Node) Dump() TableDump {
	d := TableDump{
		LocalAddr:         n.LocalAddr().String(),
		State:             n.State().String(),
		TrackerTokenEpoch: n.tracker.TokenEpoch(),
		DataTokenEpoch:    n.dataStore.TokenEpoch(),
	}
	n.mu.RLock()
	table := n.table
	n.mu.RUnlock()
	if table == nil {
		return d
	}
	for _, c := range table.DumpContacts() {
		d.Contacts = append(d.Contacts, ContactDump{ID: c.ID.String(), Addr: c.Addr.String()})
	}
	return d
}
