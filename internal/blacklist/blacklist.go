// Package blacklist implements the BlacklistView abstraction: an
// idempotent handle to a kernel-resident set of (addr, ttl) entries.
// The real implementation shells out to ipset; a MemBackend satisfies
// the same interface for tests.
package blacklist

import (
	"context"
	"fmt"
	"time"
)

// Backend is the three-operation contract §4.E requires: add, remove,
// count, all idempotent. add with an existing key refreshes its TTL;
// remove of a missing key is a no-op.
type Backend interface {
	Add(ctx context.Context, addr uint32, ttl time.Duration) error
	Remove(ctx context.Context, addr uint32) error
	Count(ctx context.Context) (int, error)
}

// dottedDecimal renders a network-byte-order uint32 address as
// dotted-decimal text. The value is derived from a 32-bit integer, so
// the result is always dot-decimal safe for passing as a single argv
// element — never interpolated through a shell (§4.E, §9).
func dottedDecimal(addr uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
}
