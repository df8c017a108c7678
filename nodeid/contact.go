package nodeid

import "net/netip"

// Contact is a node id paired with the UDP endpoint it is reachable at.
type Contact struct {
	ID   ID
	Addr netip.AddrPort
}

// Equal reports componentwise equality.
func (c Contact) Equal(other Contact) bool {
	return c.ID == other.ID && c.Addr == other.Addr
}

func (c Contact) String() string {
	return c.ID.String() + "@" + c.Addr.String()
}
