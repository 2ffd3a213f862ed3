// Package id provides identifier generation for sentinel-rag.
//
//   - ULID: session and request identifiers, lexicographically sortable by creation time
//   - UUID v5: deterministic document identifiers derived from their origin
//
// Usage:
//
//	sid := id.NewULID()                      // e.g., "01ARZ3NDEKTSV4RRFFQ69G5FAV"
//	did := id.DocumentID("data/jobs.csv#3")  // stable across runs
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// documentNamespace is the UUID v5 namespace for document ids.
var documentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/kart-io/sentinel-rag/document"))

// ulidGenerator produces monotonic ULIDs; safe for concurrent use.
type ulidGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func newULIDGenerator(now func() time.Time) *ulidGenerator {
	return &ulidGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     now,
	}
}

func (g *ulidGenerator) generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultULID = newULIDGenerator(time.Now)

// NewULID generates a new ULID string.
func NewULID() string { return defaultULID.generate() }

// DocumentID returns the deterministic UUID v5 for a document origin.
func DocumentID(origin string) string {
	return uuid.NewSHA1(documentNamespace, []byte(origin)).String()
}

// IsULID reports whether s parses as a ULID.
func IsULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
