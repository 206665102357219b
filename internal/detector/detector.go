// Package detector implements the per-packet pipeline: whitelist gate,
// sliding-window accounting, threshold test, kernel-state
// corroboration, and blacklist enforcement (§4.F). It is the core
// algorithm the specification exists to describe; every other package
// here is a collaborator this one calls.
package detector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ftahirops/synwatchd/internal/clock"
	"github.com/ftahirops/synwatchd/internal/metrics"
	"github.com/ftahirops/synwatchd/internal/model"
	"github.com/ftahirops/synwatchd/internal/ratelog"
	"github.com/ftahirops/synwatchd/internal/sourcemap"
	"github.com/ftahirops/synwatchd/internal/whitelist"
)

// Config holds the detection parameters that may change at reload.
// Values are read fresh on every packet via an atomic.Pointer swap
// (§5 RCU discipline); threshold/window/TTL changes apply to
// subsequent packets without flushing the map or backend (§4.H).
type Config struct {
	Threshold     uint32
	Window        time.Duration
	BlockDuration time.Duration

	// CorroborationCacheTTL bounds how long a kernel-state probe result
	// is reused for a given source before the threshold branch calls
	// the probe again. §9's design note permits caching the probe
	// result for up to ~100ms to keep probe I/O off the hot path while
	// still evaluating corroboration against a fresh-enough count.
	CorroborationCacheTTL time.Duration
}

// KernelProbe is the subset of kprobe.Probe the detector needs.
type KernelProbe interface {
	CountHalfOpenFrom(addr uint32) uint32
}

// AuxProbe is an optional, lower-overhead second opinion on a
// source's half-open count, fed by internal/capture/xdpstat's pinned
// BPF map when the kernel supports it. It exists alongside, not
// instead of, KernelProbe (§9: "perform the probe asynchronously ...
// both preserve the semantics in §4.F so long as the corroboration
// test is still evaluated against a fresh-enough count").
type AuxProbe interface {
	CountFor(addr uint32) (uint32, error)
}

// Backend is the subset of blacklist.Backend the detector needs.
type Backend interface {
	Add(ctx context.Context, addr uint32, ttl time.Duration) error
	Count(ctx context.Context) (int, error)
}

// EventSink receives BLOCKED/SUSPICIOUS events as they are emitted.
type EventSink interface {
	Emit(model.Event)
}

type corrEntry struct {
	count uint32
	at    time.Time
}

// Detector runs the per-packet pipeline. Every dependency is passed in
// explicitly at construction — no package-level globals — per §9's
// "explicit context value through constructors" guidance.
type Detector struct {
	smap      *sourcemap.Map
	whitelist *atomic.Pointer[whitelist.Whitelist]
	cfg       *atomic.Pointer[Config]
	clock     clock.Clock
	probe     KernelProbe
	aux       atomic.Pointer[AuxProbe]
	backend   Backend
	metrics   *metrics.Metrics
	events    EventSink
	log       *zap.Logger

	suspiciousLimiter *ratelog.Limiter
	errorLimiter      *ratelog.Limiter

	corrMu    sync.Mutex
	corrCache map[uint32]corrEntry
}

// corrCacheCap bounds the corroboration cache, mirroring the source
// map's own capacity bound (§1 "bounded memory") rather than letting
// every distinct over-threshold address — spoofed or not — accumulate
// an entry forever. Combined with per-lookup expiry pruning, this
// keeps the cache's size tied to the same ceiling as the source map it
// shadows.
func (d *Detector) corrCacheCap() int {
	if n := d.smap.Capacity(); n > 0 {
		return n
	}
	return 1
}

// New constructs a Detector. whitelistSlot and cfgSlot are shared
// atomic pointers also written by the supervisor's reload path.
func New(
	smap *sourcemap.Map,
	whitelistSlot *atomic.Pointer[whitelist.Whitelist],
	cfgSlot *atomic.Pointer[Config],
	clk clock.Clock,
	probe KernelProbe,
	backend Backend,
	m *metrics.Metrics,
	events EventSink,
	log *zap.Logger,
) *Detector {
	return &Detector{
		smap:              smap,
		whitelist:         whitelistSlot,
		cfg:               cfgSlot,
		clock:             clk,
		probe:             probe,
		backend:           backend,
		metrics:           m,
		events:            events,
		log:               log,
		suspiciousLimiter: ratelog.NewLimiter(20, time.Second),
		errorLimiter:      ratelog.NewLimiter(20, time.Second),
		corrCache:         make(map[uint32]corrEntry),
	}
}

// SetAuxProbe wires in the optional XDP-assisted second opinion
// (internal/capture/xdpstat.Collector satisfies this directly). It is
// safe to call at any time, including concurrently with HandlePacket —
// the detector always reads the current value through an atomic
// pointer — and passing nil disables the aux signal again. The
// supervisor calls this once at startup when xdpstat.Detect() reports
// the host capable, and leaves it unset otherwise.
func (d *Detector) SetAuxProbe(aux AuxProbe) {
	if aux == nil {
		d.aux.Store(nil)
		return
	}
	d.aux.Store(&aux)
}

// HandlePacket runs the seven-step algorithm in §4.F against one raw
// IPv4 packet. The acquisition layer has already filtered for "TCP SYN
// without ACK"; this only validates the buffer is long enough to read
// a source address.
func (d *Detector) HandlePacket(ctx context.Context, raw []byte) {
	d.metrics.PacketsTotal.Inc()

	addr, ok := ExtractSourceAddr(raw)
	if !ok {
		// Extraction failed: drop from the pipeline, kernel's own
		// verdict remains accept (§4.F step 2, §6).
		return
	}

	wl := d.whitelist.Load()
	if wl.Contains(addr) {
		d.metrics.WhitelistHitsTotal.Inc()
		// A whitelisted source never enters the source map; if it is
		// already tracked from before the whitelist was updated,
		// remove it at this, the next opportunity (§3 invariants).
		d.smap.Remove(addr)
		return
	}

	cfg := d.cfg.Load()
	now := d.clock.Now()

	obs, err := d.smap.Observe(addr, now, cfg.Window)
	if err != nil {
		d.metrics.AllocErrorsTotal.Inc()
		if d.errorLimiter.Allow(now) {
			d.log.Warn("source map insert failed, packet passed through", zap.Error(err))
		}
		return
	}

	if obs.SynCount > cfg.Threshold && !obs.Blocked {
		d.runThresholdBranch(ctx, addr, obs, cfg, now)
	}

	d.metrics.SynPacketsTotal.Inc()
}

// runThresholdBranch implements §4.F step 6: kernel-state
// corroboration followed by either a block or a SUSPICIOUS event.
func (d *Detector) runThresholdBranch(ctx context.Context, addr uint32, obs sourcemap.Observation, cfg *Config, now time.Time) {
	halfOpen := d.corroborate(addr, now, cfg.CorroborationCacheTTL)
	half := cfg.Threshold / 2 // integer truncation, per §4.F

	if halfOpen > half {
		if err := d.backend.Add(ctx, addr, cfg.BlockDuration); err != nil {
			d.metrics.BackendErrorsTotal.Inc()
			if d.errorLimiter.Allow(now) {
				d.log.Warn("blacklist add failed, will retry on next triggering packet",
					zap.Error(err))
			}
			return // leave Blocked == false; next packet retries
		}
		expiry := now.Add(cfg.BlockDuration)
		d.smap.MarkBlocked(addr, expiry)
		d.metrics.DetectionsTotal.Inc()
		if n, cerr := d.backend.Count(ctx); cerr == nil {
			d.metrics.BlockedIPsCurrent.Set(float64(n))
		} else if d.errorLimiter.Allow(now) {
			d.log.Warn("blacklist count failed, blocked_ips_current not refreshed", zap.Error(cerr))
		}
		d.emit(model.Event{
			Kind: model.EventBlocked, Addr: addr, SynCount: obs.SynCount,
			HalfOpen: halfOpen, Threshold: cfg.Threshold, At: now,
		})
		return
	}

	// Not corroborated: no block installed, window counter is not
	// reset, so later packets keep re-entering this branch and can
	// still corroborate before the window elapses (§4.F step 6.3).
	d.metrics.FalsePositivesTotal.Inc()
	if d.suspiciousLimiter.Allow(now) {
		d.log.Info("suspicious source not corroborated by kernel state",
			zap.Uint32("half_open", halfOpen), zap.Uint32("threshold", cfg.Threshold))
	}
	d.emit(model.Event{
		Kind: model.EventSuspicious, Addr: addr, SynCount: obs.SynCount,
		HalfOpen: halfOpen, Threshold: cfg.Threshold, At: now,
	})
}

// corroborate returns the half-open count for addr: the kernel-state
// probe's count, raised to the XDP auxiliary signal's count when that
// signal is wired in and reports higher (a lower count from the
// auxiliary signal never lowers the result), reusing a cached result
// if it is fresh enough. Caching keeps probe I/O (a
// /proc read) off the per-packet hot path without weakening the
// corroboration test, per §9's design note.
func (d *Detector) corroborate(addr uint32, now time.Time, ttl time.Duration) uint32 {
	if ttl <= 0 {
		return d.freshCount(addr)
	}

	d.corrMu.Lock()
	if c, ok := d.corrCache[addr]; ok && now.Sub(c.at) < ttl {
		d.corrMu.Unlock()
		return c.count
	}
	d.corrMu.Unlock()

	count := d.freshCount(addr)

	d.corrMu.Lock()
	d.pruneExpiredLocked(now, ttl)
	if _, exists := d.corrCache[addr]; !exists && len(d.corrCache) >= d.corrCacheCap() {
		d.evictOldestCorrLocked()
	}
	d.corrCache[addr] = corrEntry{count: count, at: now}
	d.corrMu.Unlock()

	return count
}

// freshCount queries the kernel-state probe and, when an XDP auxiliary
// signal is wired in, folds in its opinion.
func (d *Detector) freshCount(addr uint32) uint32 {
	count := d.probe.CountHalfOpenFrom(addr)

	if auxp := d.aux.Load(); auxp != nil {
		if auxCount, err := (*auxp).CountFor(addr); err == nil && auxCount > count {
			count = auxCount
		}
	}
	return count
}

// pruneExpiredLocked drops every cache entry whose TTL has already
// lapsed — such an entry is useless for reuse anyway, so removing it
// costs nothing but keeps the cache from accumulating one entry per
// distinct address ever seen (§1 "bounded memory"). Caller must hold
// corrMu.
func (d *Detector) pruneExpiredLocked(now time.Time, ttl time.Duration) {
	for a, e := range d.corrCache {
		if now.Sub(e.at) >= ttl {
			delete(d.corrCache, a)
		}
	}
}

// evictOldestCorrLocked removes the single oldest entry, mirroring
// sourcemap's own LRU eviction: an O(n) scan is acceptable because the
// cache is capped at the source map's own bounded capacity. Caller
// must hold corrMu.
func (d *Detector) evictOldestCorrLocked() {
	var victim uint32
	var oldest time.Time
	first := true
	for a, e := range d.corrCache {
		if first || e.at.Before(oldest) {
			victim, oldest, first = a, e.at, false
		}
	}
	if !first {
		delete(d.corrCache, victim)
	}
}

func (d *Detector) emit(evt model.Event) {
	if d.events != nil {
		d.events.Emit(evt)
	}
}
