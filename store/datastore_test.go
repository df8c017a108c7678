package store

import (
	"net/netip"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"
)

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestImmutablePutGetRoundTrip(t *testing.T) {
	ds := NewDataStore(16)

	target, err := ds.PutImmutable("hello")
	if err != nil {
		t.Fatalf("PutImmutable: %v", err)
	}

	got, ok := ds.GetImmutable(target)
	if !ok {
		t.Fatalf("GetImmutable: not found")
	}
	if got != "hello" {
		t.Errorf("GetImmutable = %v, want hello", got)
	}
}

func TestImmutableTooBigRejected(t *testing.T) {
	ds := NewDataStore(16)
	big := make([]byte, MaxValueLen+10)
	_, err := ds.PutImmutable(string(big))
	if err != ErrValueTooBig {
		t.Errorf("PutImmutable(big) = %v, want ErrValueTooBig", err)
	}
}

// TestMutableMonotonicity mirrors the BEP44 monotonicity property: a higher
// sequence number always wins, and a stale put is rejected without
// mutating the store.
func TestMutableMonotonicity(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ds := NewDataStore(16)

	item1 := MutableItem{PublicKey: pub, Value: "v1", SequenceNumber: 1}
	if err := item1.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	target, err := ds.PutMutable(item1, nil)
	if err != nil {
		t.Fatalf("PutMutable(item1): %v", err)
	}

	item2 := MutableItem{PublicKey: pub, Value: "v2", SequenceNumber: 2}
	if err := item2.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := ds.PutMutable(item2, nil); err != nil {
		t.Fatalf("PutMutable(item2): %v", err)
	}

	stored, ok := ds.GetMutable(target)
	if !ok || stored.Value != "v2" {
		t.Fatalf("GetMutable = %+v, ok=%v, want v2", stored, ok)
	}

	stale := MutableItem{PublicKey: pub, Value: "v-stale", SequenceNumber: 1}
	if err := stale.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := ds.PutMutable(stale, nil); err != ErrSequenceNotUpdated {
		t.Errorf("PutMutable(stale) = %v, want ErrSequenceNotUpdated", err)
	}

	stored, ok = ds.GetMutable(target)
	if !ok || stored.Value != "v2" {
		t.Errorf("store mutated by rejected stale put: %+v", stored)
	}
}

func TestMutableCASMismatchRejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	ds := NewDataStore(16)

	item1 := MutableItem{PublicKey: pub, Value: "v1", SequenceNumber: 1}
	_ = item1.Sign(priv)
	if _, err := ds.PutMutable(item1, nil); err != nil {
		t.Fatalf("PutMutable(item1): %v", err)
	}

	item2 := MutableItem{PublicKey: pub, Value: "v2", SequenceNumber: 2}
	_ = item2.Sign(priv)
	wrongCAS := int64(99)
	if _, err := ds.PutMutable(item2, &wrongCAS); err != ErrCASMismatch {
		t.Errorf("PutMutable with wrong cas = %v, want ErrCASMismatch", err)
	}
}

func TestMutableInvalidSignatureRejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	ds := NewDataStore(16)

	item := MutableItem{PublicKey: pub, Value: "v1", SequenceNumber: 1}
	_ = item.Sign(priv)
	item.Value = "tampered" // invalidates the signature

	if _, err := ds.PutMutable(item, nil); err != ErrInvalidSignature {
		t.Errorf("PutMutable(tampered) = %v, want ErrInvalidSignature", err)
	}
}

func TestExpiredItemsAreDropped(t *testing.T) {
	ds := NewDataStore(16)
	ds.now = func() time.Time { return time.Unix(0, 0) }

	target, err := ds.PutImmutable("hello")
	if err != nil {
		t.Fatalf("PutImmutable: %v", err)
	}

	ds.now = func() time.Time { return time.Unix(0, 0).Add(ItemExpiry + time.Minute) }
	if _, ok := ds.GetImmutable(target); ok {
		t.Errorf("GetImmutable returned an item older than ItemExpiry")
	}
}

func TestTokenVerifiesOnlyForIssuingAddress(t *testing.T) {
	ds := NewDataStore(16)
	ip1 := mustAddr("203.0.113.1")
	ip2 := mustAddr("203.0.113.2")
	var target [20]byte
	target[0] = 7

	tok := ds.GenerateToken(ip1, target)
	if !ds.VerifyToken(ip1, target, tok) {
		t.Errorf("token did not verify for issuing address")
	}
	if ds.VerifyToken(ip2, target, tok) {
		t.Errorf("token verified for a different address")
	}
}
