package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftahirops/synwatchd/internal/blacklist"
	"github.com/ftahirops/synwatchd/internal/clock"
	"github.com/ftahirops/synwatchd/internal/detector"
	"github.com/ftahirops/synwatchd/internal/expirer"
	"github.com/ftahirops/synwatchd/internal/metrics"
	"github.com/ftahirops/synwatchd/internal/sourcemap"
	"github.com/ftahirops/synwatchd/internal/whitelist"
)

// These tests assemble the detector/expirer/source-map/whitelist/
// backend collaborators the same way Supervisor.New wires them, but
// with the fakes internal/detector and internal/expirer's own tests
// use in place of the real kernel probe, ipset backend and capture
// source (which need root and live kernel state). They exercise the
// full pipeline end to end against the concrete scenarios in spec §8,
// rather than any one package's internals.

type fakeProbe struct{ counts map[uint32]uint32 }

func (f *fakeProbe) CountHalfOpenFrom(addr uint32) uint32 { return f.counts[addr] }

func synPacket(srcAddr uint32) []byte {
	raw := make([]byte, 20)
	raw[12] = byte(srcAddr >> 24)
	raw[13] = byte(srcAddr >> 16)
	raw[14] = byte(srcAddr >> 8)
	raw[15] = byte(srcAddr)
	return raw
}

type harness struct {
	smap    *sourcemap.Map
	wlSlot  *atomic.Pointer[whitelist.Whitelist]
	cfgSlot *atomic.Pointer[detector.Config]
	clk     *clock.Fake
	backend *blacklist.MemBackend
	probe   *fakeProbe
	det     *detector.Detector
	exp     *expirer.Expirer
	m       *metrics.Metrics
}

func newHarness(t *testing.T, threshold uint32, window, blockDuration time.Duration, wl *whitelist.Whitelist) *harness {
	t.Helper()
	smap, err := sourcemap.New(1024, 10_000)
	require.NoError(t, err)

	if wl == nil {
		wl = whitelist.Empty()
	}
	wlSlot := new(atomic.Pointer[whitelist.Whitelist])
	wlSlot.Store(wl)

	cfgSlot := new(atomic.Pointer[detector.Config])
	cfgSlot.Store(&detector.Config{
		Threshold:             threshold,
		Window:                window,
		BlockDuration:         blockDuration,
		CorroborationCacheTTL: 0,
	})

	clk := clock.NewFake(time.Now())
	backend := blacklist.NewMemBackend(clk.Now)
	probe := &fakeProbe{counts: make(map[uint32]uint32)}
	m := metrics.New(smap)
	log := zap.NewNop()

	det := detector.New(smap, wlSlot, cfgSlot, clk, probe, backend, m, nil, log)
	exp := expirer.New(smap, backend, m, nil, clk, log)

	return &harness{smap: smap, wlSlot: wlSlot, cfgSlot: cfgSlot, clk: clk, backend: backend, probe: probe, det: det, exp: exp, m: m}
}

func (h *harness) send(n int, addr uint32) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		h.det.HandlePacket(ctx, synPacket(addr))
	}
}

// Scenario 1: single attacker full cycle. threshold=100, window=1s,
// D=5s, check_interval=1s; 150 SYNs, probe reports k=80. Expect one
// Add, blocked_ips_current==1; after 6s and one tick, one Remove and
// blocked_ips_current==0.
func TestScenarioSingleAttackerFullCycle(t *testing.T) {
	h := newHarness(t, 100, time.Second, 5*time.Second, nil)
	addr := uint32(0xCB007164) // 203.0.113.100
	h.probe.counts[addr] = 80

	h.send(150, addr)

	assert.Equal(t, 1, h.backend.AddCalls())
	assert.True(t, h.backend.Contains(addr))
	n, _ := h.backend.Count(context.Background())
	assert.Equal(t, 1, n)

	h.clk.Advance(6 * time.Second)
	h.exp.Tick(context.Background())

	assert.Equal(t, 1, h.backend.RemoveCalls())
	assert.False(t, h.backend.Contains(addr))
	n, _ = h.backend.Count(context.Background())
	assert.Equal(t, 0, n)
}

// Scenario 2: whitelisted heavy talker. 10.0.0.0/8 whitelisted; 10,000
// SYNs from 10.1.2.3 never reach the map or the backend.
func TestScenarioWhitelistedHeavyTalker(t *testing.T) {
	wl, err := whitelist.New([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	h := newHarness(t, 100, time.Second, 5*time.Second, wl)
	addr := uint32(0x0A010203) // 10.1.2.3

	h.send(10_000, addr)

	assert.Equal(t, uint64(10_000), counterValue(t, h.m))
	assert.Equal(t, 0, h.backend.AddCalls())
	_, found := h.smap.Get(addr)
	assert.False(t, found)
}

// Scenario 4: probe disagreement. threshold=100; 200 SYNs with k=10
// produce no block, then a later burst with k=60 triggers one.
func TestScenarioProbeDisagreementThenCorroborated(t *testing.T) {
	h := newHarness(t, 100, time.Second, 5*time.Second, nil)
	addr := uint32(0xC6336408) // 198.51.100.8
	h.probe.counts[addr] = 10

	h.send(200, addr)
	assert.Equal(t, 0, h.backend.AddCalls())
	assert.False(t, h.backend.Contains(addr))

	h.probe.counts[addr] = 60
	h.send(1, addr)

	assert.Equal(t, 1, h.backend.AddCalls())
	assert.True(t, h.backend.Contains(addr))
}

// Scenario 6: reload under load. A tracked, already-blocked address
// keeps its block across a whitelist reload that newly covers it; new
// packets from that address after the reload hit the whitelist gate
// instead of the detector, and the existing block is not torn down by
// the reload itself (only expiry removes it).
func TestScenarioReloadUnderLoadPreservesExistingBlock(t *testing.T) {
	h := newHarness(t, 3, time.Second, time.Hour, nil)
	addr := uint32(0xC6336407) // 198.51.100.7
	h.probe.counts[addr] = 10

	h.send(5, addr)
	require.Equal(t, 1, h.backend.AddCalls())
	require.True(t, h.backend.Contains(addr))

	wl, err := whitelist.New([]string{"198.51.100.7/32"})
	require.NoError(t, err)
	h.wlSlot.Store(wl) // simulates supervisor.reload()'s atomic swap

	// The block installed before reload survives the swap: the source
	// map and backend are never flushed on reload (§4.H).
	assert.True(t, h.backend.Contains(addr))
	e, found := h.smap.Get(addr)
	require.True(t, found)
	assert.True(t, e.Blocked)

	// Further packets now hit the whitelist branch and are never
	// re-evaluated by the threshold/corroboration logic.
	addCallsBefore := h.backend.AddCalls()
	h.send(10, addr)
	assert.Equal(t, addCallsBefore, h.backend.AddCalls())

	// The whitelist gate removes the now-whitelisted entry from the
	// map at the next access (§3 invariant 1), independent of the
	// backend's own TTL-driven removal.
	_, found = h.smap.Get(addr)
	assert.False(t, found)
}

func counterValue(t *testing.T, m *metrics.Metrics) uint64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "whitelist_hits_total" {
			return uint64(mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	t.Fatal("whitelist_hits_total not found")
	return 0
}
