// Package store implements the two pieces of local DHT state a node
// contributes when it is responsible for a target id: BEP44 immutable and
// mutable data items, and BEP5 peer swarms. Each is token-gated through its
// own rotating-secret authority, and both are bounded by an LRU so a
// hostile swarm of targets cannot grow memory without limit.
package store

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"net/netip"
	"sync"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/golang/groupcache/lru"
	"golang.org/x/crypto/ed25519"

	"swarmcache/nodeid"
)

// MaxValueLen is BEP44's limit on the bencoded length of a stored value.
const MaxValueLen = 1000

// MaxSaltLen is BEP44's limit on salt length.
const MaxSaltLen = 64

// ItemExpiry is how long a stored item survives without being re-put. The
// publisher republishes every 5 minutes, so anything this stale has been
// abandoned.
const ItemExpiry = 2 * time.Hour

// ImmutableItem is a BEP44 immutable data item: an opaque bencoded value
// addressed by the sha1 of its own encoding.
type ImmutableItem struct {
	Value interface{}
}

// MutableItem is a BEP44 mutable data item: a value signed by its owning
// keypair, addressed by sha1(public_key ‖ salt), monotonically updated by
// sequence number.
type MutableItem struct {
	PublicKey      ed25519.PublicKey
	Salt           string
	Value          interface{}
	SequenceNumber int64
	Signature      []byte
}

// ImmutableTarget returns the address an immutable value is stored/looked
// up under.
func ImmutableTarget(value interface{}) (nodeid.ID, error) {
	enc, err := bencodeValue(value)
	if err != nil {
		return nodeid.ID{}, err
	}
	return nodeid.ID(sha1.Sum(enc)), nil
}

// MutableTarget returns the address a mutable item is stored/looked up
// under, for a given owning key and salt.
func MutableTarget(publicKey ed25519.PublicKey, salt string) nodeid.ID {
	h := sha1.New()
	h.Write(publicKey)
	h.Write([]byte(salt))
	var id nodeid.ID
	copy(id[:], h.Sum(nil))
	return id
}

// SignedPayload returns the bytes a mutable item's signature covers, per
// BEP44: "3:seqi{seq}e1:v{bencode(v)}", with a "4:salt{len}:{salt}" prefix
// segment inserted before "3:seq" when salt is non-empty.
func SignedPayload(salt string, seq int64, value interface{}) ([]byte, error) {
	enc, err := bencodeValue(value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if salt != "" {
		fmt.Fprintf(&buf, "4:salt%d:%s", len(salt), salt)
	}
	fmt.Fprintf(&buf, "3:seqi%de1:v", seq)
	buf.Write(enc)
	return buf.Bytes(), nil
}

func bencodeValue(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, value); err != nil {
		return nil, fmt.Errorf("store: bencode value: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify reports whether item's signature is valid over its own payload.
func (item MutableItem) Verify() bool {
	if len(item.PublicKey) != ed25519.PublicKeySize || len(item.Signature) != ed25519.SignatureSize {
		return false
	}
	payload, err := SignedPayload(item.Salt, item.SequenceNumber, item.Value)
	if err != nil {
		return false
	}
	return ed25519.Verify(item.PublicKey, payload, item.Signature)
}

// Sign populates Signature from privateKey over the item's current fields.
func (item *MutableItem) Sign(privateKey ed25519.PrivateKey) error {
	payload, err := SignedPayload(item.Salt, item.SequenceNumber, item.Value)
	if err != nil {
		return err
	}
	item.Signature = ed25519.Sign(privateKey, payload)
	item.PublicKey = privateKey.Public().(ed25519.PublicKey)
	return nil
}

// Rejection reasons surfaced as KRPC error codes by the caller (node
// package); kept as sentinel values here so the store stays independent of
// the wire layer.
var (
	ErrValueTooBig        = fmt.Errorf("store: value too big")
	ErrSaltTooBig         = fmt.Errorf("store: salt too big")
	ErrInvalidSignature   = fmt.Errorf("store: invalid signature")
	ErrCASMismatch        = fmt.Errorf("store: compare-and-swap mismatch")
	ErrSequenceNotUpdated = fmt.Errorf("store: sequence number not updated")
)

// DataStore holds this node's share of the BEP44 key space: every
// immutable/mutable item it has accepted a put() for, until the item
// expires (ItemExpiry) or is evicted by the LRU bound. It does not check
// whether this node is still among the closest nodes for a stored target.
type DataStore struct {
	tokens *tokenAuthority

	mu        sync.Mutex
	immutable *lru.Cache
	mutable   *lru.Cache
	now       func() time.Time
}

type storedValue struct {
	value interface{}
	at    time.Time
}

// NewDataStore creates a store bounding each of the immutable and mutable
// item maps to maxItems entries.
func NewDataStore(maxItems int) *DataStore {
	return &DataStore{
		tokens:    newTokenAuthority(),
		immutable: lru.New(maxItems),
		mutable:   lru.New(maxItems),
		now:       time.Now,
	}
}

// GenerateToken issues a token for addr to put to target.
func (s *DataStore) GenerateToken(addr netip.Addr, target nodeid.ID) []byte {
	return s.tokens.GenerateToken(addr, target)
}

// VerifyToken checks a token previously issued for (addr, target).
func (s *DataStore) VerifyToken(addr netip.Addr, target nodeid.ID, token []byte) bool {
	return s.tokens.VerifyToken(addr, target, token)
}

// TokenEpoch returns the diagnostic identifier of the current token secret.
func (s *DataStore) TokenEpoch() string {
	return s.tokens.Epoch()
}

// GetImmutable returns the stored immutable value at target, if any.
// Entries past ItemExpiry are dropped rather than returned.
func (s *DataStore) GetImmutable(target nodeid.ID) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.immutable.Get(target)
	if !ok {
		return nil, false
	}
	sv := v.(storedValue)
	if s.now().Sub(sv.at) > ItemExpiry {
		s.immutable.Remove(target)
		return nil, false
	}
	return sv.value, true
}

// PutImmutable validates and stores value, returning its target.
func (s *DataStore) PutImmutable(value interface{}) (nodeid.ID, error) {
	enc, err := bencodeValue(value)
	if err != nil {
		return nodeid.ID{}, err
	}
	if len(enc) >= MaxValueLen {
		return nodeid.ID{}, ErrValueTooBig
	}
	target := nodeid.ID(sha1.Sum(enc))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immutable.Add(target, storedValue{value: value, at: s.now()})
	return target, nil
}

// GetMutable returns the stored mutable item at target, if any. Entries
// past ItemExpiry are dropped rather than returned.
func (s *DataStore) GetMutable(target nodeid.ID) (MutableItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mutable.Get(target)
	if !ok {
		return MutableItem{}, false
	}
	sv := v.(storedValue)
	if s.now().Sub(sv.at) > ItemExpiry {
		s.mutable.Remove(target)
		return MutableItem{}, false
	}
	return sv.value.(MutableItem), true
}

// PutMutable validates item against BEP44's seq/CAS rules and the existing
// stored item (if any), storing it on success. cas, when non-nil, must
// match the existing sequence number.
func (s *DataStore) PutMutable(item MutableItem, cas *int64) (nodeid.ID, error) {
	enc, err := bencodeValue(item.Value)
	if err != nil {
		return nodeid.ID{}, err
	}
	if len(enc) >= MaxValueLen {
		return nodeid.ID{}, ErrValueTooBig
	}
	if len(item.Salt) > MaxSaltLen {
		return nodeid.ID{}, ErrSaltTooBig
	}
	if !item.Verify() {
		return nodeid.ID{}, ErrInvalidSignature
	}

	target := MutableTarget(item.PublicKey, item.Salt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingVal, ok := s.mutable.Get(target); ok {
		existing := existingVal.(storedValue).value.(MutableItem)

		if item.SequenceNumber < existing.SequenceNumber {
			return target, ErrSequenceNotUpdated
		}
		if item.SequenceNumber == existing.SequenceNumber {
			existingEnc, _ := bencodeValue(existing.Value)
			if !bytes.Equal(enc, existingEnc) {
				return target, ErrSequenceNotUpdated
			}
		}
		if cas != nil && *cas != existing.SequenceNumber {
			return target, ErrCASMismatch
		}
	}

	s.mutable.Add(target, storedValue{value: item, at: s.now()})
	return target, nil
}
