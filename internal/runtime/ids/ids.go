// Package ids provides the identifier sources used for message correlation
// and HTTP tracking ids. Generators are passed explicitly to the components
// that need them; there is no process-wide generator state.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces identifiers. Implementations must be safe for
// concurrent use.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func() string

func (f GeneratorFunc) NewID() string { return f() }

// ULIDGenerator returns time-sortable ULIDs encoded as 26-character strings.
// Each generator owns its monotonic entropy source.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewULIDGenerator returns a ULID generator backed by crypto/rand.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (g *ULIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
	return id.String()
}

// UUIDGenerator returns random (version 4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// ForFormat returns the generator for a configured id format. Unknown or
// empty formats fall back to ULIDs.
func ForFormat(format string) Generator {
	switch format {
	case "uuid":
		return UUIDGenerator{}
	default:
		return NewULIDGenerator()
	}
}
