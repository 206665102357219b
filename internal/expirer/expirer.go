// Package expirer implements the periodic sweep that reconciles
// expired blocks between the source map and the blacklist backend
// (§4.G).
package expirer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ftahirops/synwatchd/internal/clock"
	"github.com/ftahirops/synwatchd/internal/metrics"
	"github.com/ftahirops/synwatchd/internal/model"
	"github.com/ftahirops/synwatchd/internal/sourcemap"
)

// sweepBatchCap bounds how many expired addresses one tick reconciles,
// per §4.G step 2.
const sweepBatchCap = 1024

// Backend is the subset of blacklist.Backend the expirer needs.
type Backend interface {
	Remove(ctx context.Context, addr uint32) error
	Count(ctx context.Context) (int, error)
}

// EventSink receives UNBLOCKED events.
type EventSink interface {
	Emit(model.Event)
}

// Expirer runs Tick on a cooperative timer, driven by its owner
// (internal/supervisor) rather than owning its own goroutine loop —
// this mirrors the teacher's time.Ticker + select idiom in
// engine.RunDaemon, but keeps the sleep/shutdown plumbing in the
// supervisor so every long-lived loop lives in one place.
type Expirer struct {
	smap    *sourcemap.Map
	backend Backend
	metrics *metrics.Metrics
	events  EventSink
	clock   clock.Clock
	log     *zap.Logger
}

// New creates an Expirer.
func New(smap *sourcemap.Map, backend Backend, m *metrics.Metrics, events EventSink, clk clock.Clock, log *zap.Logger) *Expirer {
	return &Expirer{smap: smap, backend: backend, metrics: m, events: events, clock: clk, log: log}
}

// Tick performs one sweep: find expired blocks (read-lock scan), then
// for each, remove from the backend and, on success, clear the
// source-map entry's Blocked flag via a freshly acquired write lock.
// The expirer never holds the map's write lock across the backend
// call in between (§4.G, §5). A remove failure leaves the entry
// marked blocked for the next tick to retry — partial failure is
// acceptable, not fatal.
func (e *Expirer) Tick(ctx context.Context) {
	now := e.clock.Now()
	expired := e.smap.ExpiredBlocks(now, sweepBatchCap)

	for _, addr := range expired {
		if err := e.backend.Remove(ctx, addr); err != nil {
			e.metrics.BackendErrorsTotal.Inc()
			e.log.Warn("expirer: blacklist remove failed, retrying next tick",
				zap.Uint32("addr", addr), zap.Error(err))
			continue
		}
		if e.smap.Unblock(addr) {
			e.emit(model.Event{Kind: model.EventUnblocked, Addr: addr, At: now})
		}
	}

	if n, err := e.backend.Count(ctx); err == nil {
		e.metrics.BlockedIPsCurrent.Set(float64(n))
	} else {
		e.log.Debug("expirer: backend count failed", zap.Error(err))
	}
}

func (e *Expirer) emit(evt model.Event) {
	if e.events != nil {
		e.events.Emit(evt)
	}
}
