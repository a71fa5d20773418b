package harmonic

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestIDGenerator generates idempotency keys for write action requests.
// Implemented by ULIDGenerator (production) and FixedGenerator (tests).
type RequestIDGenerator interface {
	Generate() string
}

// ULIDGenerator generates time-sortable ULIDs for client request ids.
//
// A ULID embeds a millisecond timestamp in its most significant bits, so
// request ids sort by submission time. That makes the server-side idempotency
// cache naturally browseable in submission order when debugging.
//
// Thread-safety: safe for concurrent use via internal mutex (the monotonic
// entropy source is not goroutine safe on its own).
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULIDGenerator creates a generator backed by crypto/rand entropy.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Generate creates a new ULID string.
//
// Format: "01J8ZC2N4Q0000000000000000" (26 characters, Crockford base32)
//
// Panics if entropy is exhausted (should never happen in practice).
func (g *ULIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// FixedGenerator returns predetermined request ids for testing.
//
// This enables deterministic tests of the idempotency path: a test can submit
// the same known id twice and assert exactly one mutation occurred.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed. This is a fail-fast approach to
// catch test misconfiguration (test submitted more writes than expected).
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
