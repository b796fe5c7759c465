// Package ids generates message identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique message IDs.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() string

// NewID calls f.
func (f GeneratorFunc) NewID() string {
	return f()
}

// UUID returns a random (v4) UUID generator.
func UUID() Generator {
	return GeneratorFunc(func() string {
		return uuid.New().String()
	})
}

// ULID returns a generator of time-sortable ULIDs. IDs from one generator are
// strictly increasing.
func ULID() Generator {
	g := &ulidGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
	return g
}

type ulidGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *ulidGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
