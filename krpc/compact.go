package krpc

import (
	"fmt"
	"net/netip"

	"swarmcache/nodeid"
)

// Compact contact lengths.
const (
	V4ContactLen = nodeid.Len + 6  // id(20) + ip(4) + port(2)
	V6ContactLen = nodeid.Len + 18 // id(20) + ip(16) + port(2)
)

// EncodeEndpoint returns the compact ip+port encoding (6 bytes for IPv4, 18
// for IPv6) for addr.
func EncodeEndpoint(addr netip.AddrPort) []byte {
	a := addr.Addr()
	var out []byte
	if a.Is4() {
		b := a.As4()
		out = append(out, b[:]...)
	} else {
		b := a.As16()
		out = append(out, b[:]...)
	}
	out = append(out, byte(addr.Port()>>8), byte(addr.Port()))
	return out
}

// DecodeEndpoint parses a 6- or 18-byte compact ip+port encoding.
func DecodeEndpoint(b []byte) (netip.AddrPort, error) {
	switch len(b) {
	case 6:
		addr := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
		port := uint16(b[4])<<8 | uint16(b[5])
		return netip.AddrPortFrom(addr, port), nil
	case 18:
		var a [16]byte
		copy(a[:], b[:16])
		addr := netip.AddrFrom16(a)
		port := uint16(b[16])<<8 | uint16(b[17])
		return netip.AddrPortFrom(addr, port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("krpc: DecodeEndpoint: bad length %d", len(b))
	}
}

// EncodeContact returns id ‖ compact-endpoint.
func EncodeContact(c nodeid.Contact) []byte {
	out := make([]byte, 0, V6ContactLen)
	out = append(out, c.ID[:]...)
	out = append(out, EncodeEndpoint(c.Addr)...)
	return out
}

// DecodeContacts splits a concatenated "nodes"/"nodes6" string into
// individual contacts. v6 selects the per-contact length (v4 vs v6).
func DecodeContacts(s string, v6 bool) ([]nodeid.Contact, error) {
	contactLen := V4ContactLen
	if v6 {
		contactLen = V6ContactLen
	}
	if len(s)%contactLen != 0 {
		return nil, fmt.Errorf("krpc: DecodeContacts: length %d not a multiple of %d", len(s), contactLen)
	}
	out := make([]nodeid.Contact, 0, len(s)/contactLen)
	for i := 0; i < len(s); i += contactLen {
		chunk := s[i : i+contactLen]
		id, err := nodeid.FromString(chunk[:nodeid.Len])
		if err != nil {
			return nil, err
		}
		addr, err := DecodeEndpoint([]byte(chunk[nodeid.Len:]))
		if err != nil {
			return nil, err
		}
		out = append(out, nodeid.Contact{ID: id, Addr: addr})
	}
	return out, nil
}

// EncodeContacts concatenates contacts in compact form, for use as the
// "nodes"/"nodes6" reply value.
func EncodeContacts(contacts []nodeid.Contact) []byte {
	var out []byte
	for _, c := range contacts {
		out = append(out, EncodeContact(c)...)
	}
	return out
}

// EncodePeer returns the compact ip+port value used in "values" lists.
func EncodePeer(addr netip.AddrPort) []byte {
	return EncodeEndpoint(addr)
}

// DecodePeer parses a single compact peer endpoint from a "values" entry.
func DecodePeer(s string) (netip.AddrPort, error) {
	return DecodeEndpoint([]byte(s))
}
