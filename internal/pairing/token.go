// Package pairing implements the token half of device pairing: the host
// issues a single-use, time-limited token and hands it to the phone via
// a scannable connection descriptor; the phone presents the token over
// the wire to authenticate its first connection.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

const tokenBytes = 16

var (
	ErrTokenInvalid       = errors.New("pairing: token invalid")
	ErrTokenExpired       = errors.New("pairing: token expired")
	ErrNoNetworkInterface = errors.New("pairing: no routable network interface")
)

// Issuer creates and validates pairing tokens. All methods are safe for
// concurrent use.
type Issuer struct {
	ttl time.Duration

	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewIssuer returns an Issuer whose tokens live for ttl.
func NewIssuer(ttl time.Duration) *Issuer {
	return &Issuer{
		ttl:    ttl,
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Issue generates a new random token and records it with an expiry of
// now + ttl. Expired tokens are swept as a side effect, so the table
// cannot grow without bound even if nothing is ever consumed.
func (i *Issuer) Issue() (token string, expiresAt time.Time, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, err
	}
	token = hex.EncodeToString(b)

	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	i.sweepLocked(now)

	expiresAt = now.Add(i.ttl)
	i.tokens[token] = expiresAt
	return token, expiresAt, nil
}

// ValidateAndConsume checks the token and removes it. A token is valid
// exactly once: success, expiry, and a later retry all leave the table
// without it.
func (i *Issuer) ValidateAndConsume(token string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	expiry, ok := i.tokens[token]
	if !ok {
		return ErrTokenInvalid
	}
	delete(i.tokens, token)

	if i.now().After(expiry) {
		return ErrTokenExpired
	}
	return nil
}

// SweepExpired removes all tokens past expiry and reports how many were
// removed. Issue already sweeps opportunistically; this exists for the
// periodic maintenance job.
func (i *Issuer) SweepExpired() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sweepLocked(i.now())
}

func (i *Issuer) sweepLocked(now time.Time) int {
	n := 0
	for token, expiry := range i.tokens {
		if now.After(expiry) {
			delete(i.tokens, token)
			n++
		}
	}
	return n
}

// Pending reports the number of unconsumed, unexpired tokens.
func (i *Issuer) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	n := 0
	for _, expiry := range i.tokens {
		if !now.After(expiry) {
			n++
		}
	}
	return n
}
