package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmcache/nodeid"
)

// tokenRotation is how often the signing secret is replaced; the previous
// secret remains valid for one more rotation so tokens handed out just
// before a rotation still verify.
const tokenRotation = 5 * time.Minute

// tokenAuthority issues and verifies opaque announce/put tokens binding a
// requester's address to a target id, without retaining any per-requester
// state: the token is an HMAC over (ip, target) under a secret that rotates
// every 5 minutes, and both the current and previous secret are accepted.
type tokenAuthority struct {
	mu       sync.Mutex
	current  []byte
	previous []byte
	rotateAt time.Time
	now      func() time.Time

	// epoch names the current secret for diagnostics (token values are
	// never logged; the epoch id is what shows up in dumps instead).
	epoch uuid.UUID
}

func newTokenAuthority() *tokenAuthority {
	t := &tokenAuthority{now: time.Now}
	t.current = randomSecret()
	t.epoch = uuid.New()
	t.rotateAt = t.now().Add(tokenRotation)
	return t
}

func randomSecret() []byte {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return b
}

func (t *tokenAuthority) maybeRotate() {
	now := t.now()
	if !now.Before(t.rotateAt) {
		t.previous = t.current
		t.current = randomSecret()
		t.epoch = uuid.New()
		t.rotateAt = now.Add(tokenRotation)
	}
}

// Epoch returns the opaque identifier of the current secret epoch.
func (t *tokenAuthority) Epoch() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	return t.epoch.String()
}

// GenerateToken returns a token authorizing addr to announce/put to target
// under the current secret.
func (t *tokenAuthority) GenerateToken(addr netip.Addr, target nodeid.ID) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	return sign(t.current, addr, target)
}

// VerifyToken reports whether token was issued for (addr, target) under the
// current or previous secret.
func (t *tokenAuthority) VerifyToken(addr netip.Addr, target nodeid.ID, token []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	if hmac.Equal(token, sign(t.current, addr, target)) {
		return true
	}
	if t.previous != nil && hmac.Equal(token, sign(t.previous, addr, target)) {
		return true
	}
	return false
}

func sign(secret []byte, addr netip.Addr, target nodeid.ID) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write(addr.AsSlice())
	mac.Write(target[:])
	return mac.Sum(nil)
}
