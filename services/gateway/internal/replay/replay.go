// Package replay enforces freshness and single admission for signed update
// requests. A captured request stays valid only inside the freshness window,
// and inside that window an exact (sender, payload hash, inception) tuple is
// admitted once.
package replay

import (
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrStale     = errors.New("inception time outside freshness window")
	ErrDuplicate = errors.New("request already admitted")
)

type tupleKey struct {
	sender      common.Address
	payloadHash [32]byte
	inception   int64
}

// Guard tracks admitted tuples over a sliding window. Admit checks are
// serialized so two copies of the same request cannot both pass.
type Guard struct {
	window time.Duration

	mu       sync.Mutex
	admitted map[tupleKey]time.Time
}

func NewGuard(window time.Duration) *Guard {
	return &Guard{window: window, admitted: make(map[tupleKey]time.Time)}
}

// PayloadHash is the tuple component derived from the request payload.
func PayloadHash(payload []byte) [32]byte { return sha256.Sum256(payload) }

// Admit accepts a request iff inception lies within ±window of now and the
// tuple has not been admitted during the current window. Both failures are
// terminal for the request. An admitted tuple is not rolled back if the
// request later fails downstream; it blocks resubmission until it expires.
func (g *Guard) Admit(sender common.Address, payloadHash [32]byte, inception int64, now time.Time) error {
	// Bounds are compared in integer seconds. Converting an attacker-chosen
	// inception through time.Duration would overflow int64 and wrap a far
	// future timestamp back inside the window.
	nowSec := now.Unix()
	windowSec := int64(g.window / time.Second)
	if inception < nowSec-windowSec || inception > nowSec+windowSec {
		return ErrStale
	}

	key := tupleKey{sender: sender, payloadHash: payloadHash, inception: inception}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(now)
	if _, ok := g.admitted[key]; ok {
		return ErrDuplicate
	}
	g.admitted[key] = now
	return nil
}

// Len reports the number of live admitted tuples.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.admitted)
}

func (g *Guard) evictLocked(now time.Time) {
	// An inception up to +window in the future stays fresh for another
	// window after admission, so tuples must live 2*window before eviction.
	cutoff := now.Add(-2 * g.window)
	for k, at := range g.admitted {
		if at.Before(cutoff) {
			delete(g.admitted, k)
		}
	}
}
