// Package sourcemap implements the concurrent address→state table: a
// chained hash table with power-of-two bucket count, bounded capacity,
// and LRU eviction on insert into a full map.
//
// A single sync.RWMutex guards the bucket array, chain slices, and
// every per-entry field (§5: "a single readers/writer lock protects
// the bucket array, chain pointers, and per-entry fields"). A striped
// or sharded map is an allowed optimization the spec explicitly leaves
// open; this implementation takes the simple, provably-correct single
// lock since default load (≤50k pps, capacity 10^4) does not demand
// more.
package sourcemap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ftahirops/synwatchd/internal/model"
)

// ErrAllocFailed is returned by GetOrCreate when a new entry could not
// be allocated. Callers MUST treat the packet as pass-through and
// increment a counter (§4.C failure modes); the Go runtime does not
// surface allocation failure as a recoverable error in practice, but
// the contract is preserved so a future allocator (e.g. a fixed-size
// arena) can report it without changing callers.
var ErrAllocFailed = errors.New("sourcemap: allocation failed")

// Map is the concurrent source-state table.
type Map struct {
	mu       sync.RWMutex
	buckets  [][]*model.SourceState
	mask     uint32
	capacity int
	size     int
}

// New creates a Map. bucketCount must be a positive power of two;
// capacity must be positive. Both are configuration errors detected at
// construction, per §4.C.
func New(bucketCount, capacity int) (*Map, error) {
	if bucketCount <= 0 || (bucketCount&(bucketCount-1)) != 0 {
		return nil, fmt.Errorf("sourcemap: bucket_count must be a positive power of two, got %d", bucketCount)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("sourcemap: capacity must be positive, got %d", capacity)
	}
	return &Map{
		buckets:  make([][]*model.SourceState, bucketCount),
		mask:     uint32(bucketCount - 1),
		capacity: capacity,
	}, nil
}

// hash distributes a 32-bit address across buckets. Only needs to
// distribute well, not be cryptographic; a Fibonacci multiplicative
// hash is cheap and spreads sequential addresses (common in scans)
// across buckets.
func hash(addr uint32) uint32 {
	return addr * 2654435761
}

func (m *Map) bucketIndex(addr uint32) uint32 {
	return hash(addr) & m.mask
}

func (m *Map) findLocked(addr uint32) *model.SourceState {
	b := m.buckets[m.bucketIndex(addr)]
	for _, e := range b {
		if e.Addr == addr {
			return e
		}
	}
	return nil
}

// GetOrCreate returns the entry for addr, creating one if absent. If
// the map is at capacity, the entry with the smallest LastSeen is
// evicted first. A newly created entry has WindowStart == LastSeen ==
// now, SynCount == 0, Blocked == false. Looking up an existing entry
// also refreshes its LastSeen, which is what keeps LRU ordering
// correct (§4.C: "Updating last_seen on every successful lookup keeps
// LRU ordering correct").
func (m *Map) GetOrCreate(addr uint32, now time.Time) (*model.SourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.findLocked(addr); e != nil {
		e.LastSeen = now
		return e, nil
	}

	if m.size >= m.capacity {
		m.evictLRULocked()
	}

	e := &model.SourceState{
		Addr:        addr,
		WindowStart: now,
		LastSeen:    now,
	}
	idx := m.bucketIndex(addr)
	m.buckets[idx] = append(m.buckets[idx], e)
	m.size++
	return e, nil
}

// Observation is the snapshot of a SourceState the detector needs to
// make its threshold decision, returned by Observe while the map's
// write lock is still held so the read-modify-write of the window
// counters is atomic with respect to concurrent Get/ExpiredBlocks
// scans (§5: every per-entry field is written only under the map
// lock).
type Observation struct {
	SynCount    uint32
	Blocked     bool
	BlockExpiry time.Time
}

// Observe records one SYN arrival for addr: it creates the entry if
// absent (evicting the LRU victim if full), applies the §4.F window
// accounting (reset-and-count-as-one if the window has elapsed,
// otherwise increment), refreshes LastSeen, and returns a snapshot of
// the fields the detector's threshold test needs. This is the sole
// path by which SynCount is mutated, and it always runs under the
// map's write lock.
func (m *Map) Observe(addr uint32, now time.Time, window time.Duration) (Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(addr)
	if e == nil {
		if m.size >= m.capacity {
			m.evictLRULocked()
		}
		e = &model.SourceState{Addr: addr}
		idx := m.bucketIndex(addr)
		m.buckets[idx] = append(m.buckets[idx], e)
		m.size++
		e.WindowStart = now
		e.SynCount = 1
	} else if now.Sub(e.WindowStart) > window {
		// Inclusive-on-exceed: the first packet past window expiry
		// restarts the window and counts as 1 (§4.F ordering rules).
		e.WindowStart = now
		e.SynCount = 1
	} else {
		e.SynCount++
	}
	e.LastSeen = now

	return Observation{SynCount: e.SynCount, Blocked: e.Blocked, BlockExpiry: e.BlockExpiry}, nil
}

// MarkBlocked transitions addr into the blocked state under the
// map's write lock. It is a no-op returning false if addr is no longer
// tracked (evicted between the threshold test and this call).
func (m *Map) MarkBlocked(addr uint32, expiry time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findLocked(addr)
	if e == nil {
		return false
	}
	e.Blocked = true
	e.BlockExpiry = expiry
	return true
}

// evictLRULocked scans every bucket for the entry with the smallest
// LastSeen and removes it. O(n) is acceptable: capacity is bounded by
// config (default ~10^4) and eviction is rare in steady state (§4.C).
// Caller must hold m.mu for writing.
func (m *Map) evictLRULocked() {
	var victimBucket int = -1
	var victimIdx int = -1
	var oldest time.Time

	for bi, b := range m.buckets {
		for ei, e := range b {
			if victimBucket == -1 || e.LastSeen.Before(oldest) {
				victimBucket, victimIdx, oldest = bi, ei, e.LastSeen
			}
		}
	}
	if victimBucket == -1 {
		return
	}
	m.removeAtLocked(victimBucket, victimIdx)
}

func (m *Map) removeAtLocked(bucketIdx, entryIdx int) {
	b := m.buckets[bucketIdx]
	b[entryIdx] = b[len(b)-1]
	m.buckets[bucketIdx] = b[:len(b)-1]
	m.size--
}

// Get returns the entry for addr without creating one and without
// mutating LRU order; it takes only the read lock.
func (m *Map) Get(addr uint32) (*model.SourceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.findLocked(addr)
	return e, e != nil
}

// Remove deletes the entry for addr. removed is true iff an entry was
// present.
func (m *Map) Remove(addr uint32) (removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.bucketIndex(addr)
	b := m.buckets[idx]
	for i, e := range b {
		if e.Addr == addr {
			m.removeAtLocked(int(idx), i)
			return true
		}
	}
	return false
}

// ExpiredBlocks returns up to cap addresses with Blocked == true and
// BlockExpiry <= now. Enumeration order is unspecified. This is a
// read-lock scan; the expirer applies writes afterward through
// Unblock, never holding the map's write lock across the backend call
// in between (§4.G, §5).
func (m *Map) ExpiredBlocks(now time.Time, cap int) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint32, 0, cap)
	for _, b := range m.buckets {
		for _, e := range b {
			if len(out) >= cap {
				return out
			}
			if e.Blocked && !e.BlockExpiry.After(now) {
				out = append(out, e.Addr)
			}
		}
	}
	return out
}

// Unblock clears the Blocked flag and zeroes BlockExpiry for addr,
// under a freshly acquired write lock. Returns false if addr is not
// tracked (it may have been evicted between the scan and this call;
// that is not an error, the expirer simply has nothing left to do).
func (m *Map) Unblock(addr uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findLocked(addr)
	if e == nil {
		return false
	}
	e.Blocked = false
	e.BlockExpiry = time.Time{}
	return true
}

// Stats returns the current size and the number of entries with
// Blocked == true.
func (m *Map) Stats() (size, blockedSize int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blocked := 0
	for _, b := range m.buckets {
		for _, e := range b {
			if e.Blocked {
				blocked++
			}
		}
	}
	return m.size, blocked
}

// Clear removes every entry.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.buckets {
		m.buckets[i] = nil
	}
	m.size = 0
}

// Capacity returns the configured upper bound on live entries.
func (m *Map) Capacity() int {
	return m.capacity
}
