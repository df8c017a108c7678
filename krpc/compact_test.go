package krpc

import (
	"net/netip"
	"testing"

	"swarmcache/nodeid"
)

func TestEndpointRoundTripV4(t *testing.T) {
	ep := netip.MustParseAddrPort("203.0.113.7:6881")
	b := EncodeEndpoint(ep)
	if len(b) != 6 {
		t.Fatalf("encoded v4 endpoint is %d bytes, want 6", len(b))
	}
	got, err := DecodeEndpoint(b)
	if err != nil {
		t.Fatalf("DecodeEndpoint: %v", err)
	}
	if got != ep {
		t.Errorf("round trip = %v, want %v", got, ep)
	}
}

func TestEndpointRoundTripV6(t *testing.T) {
	ep := netip.MustParseAddrPort("[2001:db8::1]:51413")
	b := EncodeEndpoint(ep)
	if len(b) != 18 {
		t.Fatalf("encoded v6 endpoint is %d bytes, want 18", len(b))
	}
	got, err := DecodeEndpoint(b)
	if err != nil {
		t.Fatalf("DecodeEndpoint: %v", err)
	}
	if got != ep {
		t.Errorf("round trip = %v, want %v", got, ep)
	}
}

func TestDecodeEndpointRejectsBadLength(t *testing.T) {
	for _, n := range []int{0, 5, 7, 17, 19} {
		if _, err := DecodeEndpoint(make([]byte, n)); err == nil {
			t.Errorf("DecodeEndpoint accepted %d bytes", n)
		}
	}
}

func TestContactsRoundTrip(t *testing.T) {
	contacts := []nodeid.Contact{
		{ID: nodeid.HashInfoHash("a"), Addr: netip.MustParseAddrPort("192.0.2.1:1001")},
		{ID: nodeid.HashInfoHash("b"), Addr: netip.MustParseAddrPort("192.0.2.2:1002")},
		{ID: nodeid.HashInfoHash("c"), Addr: netip.MustParseAddrPort("192.0.2.3:1003")},
	}

	encoded := EncodeContacts(contacts)
	if len(encoded) != 3*V4ContactLen {
		t.Fatalf("encoded length %d, want %d", len(encoded), 3*V4ContactLen)
	}

	decoded, err := DecodeContacts(string(encoded), false)
	if err != nil {
		t.Fatalf("DecodeContacts: %v", err)
	}
	if len(decoded) != len(contacts) {
		t.Fatalf("decoded %d contacts, want %d", len(decoded), len(contacts))
	}
	for i := range contacts {
		if !decoded[i].Equal(contacts[i]) {
			t.Errorf("contact %d = %v, want %v", i, decoded[i], contacts[i])
		}
	}
}

func TestDecodeContactsRejectsPartialChunk(t *testing.T) {
	c := nodeid.Contact{ID: nodeid.HashInfoHash("x"), Addr: netip.MustParseAddrPort("192.0.2.9:9")}
	encoded := EncodeContact(c)
	if _, err := DecodeContacts(string(encoded[:len(encoded)-1]), false); err == nil {
		t.Errorf("DecodeContacts accepted a truncated nodes string")
	}
}

func TestPeerRoundTrip(t *testing.T) {
	ep := netip.MustParseAddrPort("198.51.100.4:443")
	got, err := DecodePeer(string(EncodePeer(ep)))
	if err != nil {
		t.Fatalf("DecodePeer: %v", err)
	}
	if got != ep {
		t.Errorf("round trip = %v, want %v", got, ep)
	}
}
