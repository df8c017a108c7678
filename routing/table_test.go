package routing

import (
	"net/netip"
	"testing"

	"swarmcache/nodeid"
)

func idWithPrefix(self nodeid.ID, byteIdx int, b byte) nodeid.ID {
	id := self
	id[byteIdx] = b
	return id
}

func TestAddAndFindClosest(t *testing.T) {
	var self nodeid.ID
	tbl := New(self, func(nodeid.Contact) {}, nil)

	var ids []nodeid.ID
	for i := 0; i < 5; i++ {
		id := self
		id[19] = byte(i + 1)
		ids = append(ids, id)
		tbl.Add(nodeid.Contact{ID: id, Addr: netip.MustParseAddrPort("127.0.0.1:6881")}, true)
	}

	closest := tbl.FindClosest(self, 3)
	if len(closest) != 3 {
		t.Fatalf("FindClosest returned %d contacts, want 3", len(closest))
	}
}

// TestBucketSplitsWhenFull mirrors the "100 contacts all near self" scenario:
// inserting more than BucketSize verified contacts that share a bucket
// should eventually split it rather than silently dropping entries.
func TestBucketSplitsWhenFull(t *testing.T) {
	var self nodeid.ID
	tbl := New(self, func(nodeid.Contact) {}, nil)

	for i := 0; i < 100; i++ {
		id := self
		// Flip a high bit so every contact starts in the near bucket, but
		// vary low bytes so they are still distinguishable from each other
		// and from self.
		id[0] = 0x80
		id[18] = byte(i)
		id[19] = byte(i >> 8)
		tbl.Add(nodeid.Contact{ID: id, Addr: netip.MustParseAddrPort("127.0.0.1:6881")}, true)
	}

	if tbl.BucketCount() <= 1 {
		t.Errorf("expected routing table to split buckets, got %d buckets", tbl.BucketCount())
	}

	closest := tbl.FindClosest(self, 8)
	if len(closest) != 8 {
		t.Errorf("FindClosest(self, 8) = %d contacts, want 8", len(closest))
	}
}

func TestAddAfterRepeatedFailKeepsNewContact(t *testing.T) {
	var self nodeid.ID
	var pinged []nodeid.Contact
	tbl := New(self, func(c nodeid.Contact) { pinged = append(pinged, c) }, nil)

	bad := nodeid.Contact{ID: idWithPrefix(self, 19, 1), Addr: netip.MustParseAddrPort("127.0.0.1:1")}
	tbl.Add(bad, true)

	for i := 0; i < 3; i++ {
		tbl.Fail(bad)
	}

	candidate := nodeid.Contact{ID: idWithPrefix(self, 19, 2), Addr: netip.MustParseAddrPort("127.0.0.1:2")}
	tbl.Add(candidate, true)

	contacts := tbl.DumpContacts()
	found := false
	for _, c := range contacts {
		if c.Equal(candidate) {
			found = true
		}
	}
	if !found {
		t.Errorf("candidate %v not present after failing original node", candidate)
	}
}

func TestDumpContactsDeduplicates(t *testing.T) {
	var self nodeid.ID
	tbl := New(self, func(nodeid.Contact) {}, nil)

	c := nodeid.Contact{ID: idWithPrefix(self, 19, 7), Addr: netip.MustParseAddrPort("127.0.0.1:7")}
	tbl.Add(c, true)
	tbl.Add(c, true)

	contacts := tbl.DumpContacts()
	if len(contacts) != 1 {
		t.Errorf("DumpContacts returned %d entries, want 1", len(contacts))
	}
}
