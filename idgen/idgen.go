// Package idgen provides pluggable ID generation for warcfed.
//
// Snapshot rows, archive records and sync bookkeeping all take a Generator,
// so the ID strategy is decided once at startup and can be pinned in tests.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so catalog rows inserted later sort later by id.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator used for snapshot identifiers.
var Default Generator = UUIDv7()

// RecordURN is the generator used for WARC-Record-ID values ("urn:uuid:...").
var RecordURN Generator = Prefixed("urn:uuid:", UUIDv7())

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Sequence returns a deterministic Generator yielding prefix-1, prefix-2, ...
// Not safe for concurrent use; meant for tests that assert on ids.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
