// Package idgen generates identifiers for jobs, reservations, and assets.
package idgen

import (
	"strconv"

	"github.com/google/uuid"
)

// IDGen mints opaque, URL-safe identifiers. Swapped for a deterministic
// fake in tests that assert on exact IDs.
type IDGen interface {
	New() string
}

// UUID generates RFC 4122 v4 identifiers via google/uuid.
type UUID struct{}

// New returns a UUID-backed IDGen.
func New() UUID { return UUID{} }

// New returns a new random UUID string.
func (UUID) New() string {
	return uuid.NewString()
}

// Sequential is a deterministic IDGen for tests: "prefix-1", "prefix-2", ...
type Sequential struct {
	prefix string
	n      int
}

// NewSequential returns a Sequential IDGen with the given prefix.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

func (s *Sequential) New() string {
	s.n++
	return s.prefix + "-" + strconv.Itoa(s.n)
}
