// Package metrics implements the metrics surface: a record of
// monotonically increasing counters and sampled gauges, exposed over a
// line-oriented text endpoint (§3, §4.I).
//
// Storage and wire format are built on
// github.com/prometheus/client_golang, the structured-metrics library
// the caddyserver-caddy pack repo depends on directly — this replaces
// the teacher's hand-rolled fmt.Fprintf Prometheus-text writer
// (engine/metrics.go's writePrometheus) now that a real client library
// is available in the pack. A private *prometheus.Registry is used
// instead of the global default registry so this daemon never
// collides with another process's metrics namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ftahirops/synwatchd/internal/sourcemap"
)

// Metrics holds every counter and gauge named in §3. Every field is a
// prometheus instrument, which is internally synchronized — this
// plays the role of the single mutex §5 describes ("a single mutex;
// held only during small field updates and snapshot formatting");
// the synchronization now lives inside the client library rather than
// a hand-rolled struct field.
type Metrics struct {
	reg *prometheus.Registry

	PacketsTotal        prometheus.Counter
	SynPacketsTotal     prometheus.Counter
	WhitelistHitsTotal  prometheus.Counter
	DetectionsTotal     prometheus.Counter
	FalsePositivesTotal prometheus.Counter
	AllocErrorsTotal    prometheus.Counter
	BackendErrorsTotal  prometheus.Counter
	// ProbeParseErrors and WhitelistParseErrors are registered, but no
	// code in this module increments them: kprobe.Probe keeps its own
	// count (ParseErrors), and whitelist.LoadFile only logs the lines it
	// skips.
	ProbeParseErrors    prometheus.Counter
	WhitelistParseErrors prometheus.Counter

	BlockedIPsCurrent prometheus.Gauge
}

// New creates a Metrics instance registered on a fresh, private
// registry. smap is wired in so the source-map size and blocked-count
// gauges are sampled (under the map's own read lock, via Stats) only
// when a scrape actually gathers them.
func New(smap *sourcemap.Map) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		PacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_total", Help: "Total IPv4 TCP SYN packets observed.",
		}),
		SynPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syn_packets_total", Help: "SYN packets that completed the detector pipeline.",
		}),
		WhitelistHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whitelist_hits_total", Help: "Packets short-circuited by the whitelist gate.",
		}),
		DetectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detections_total", Help: "Sources corroborated and blocked.",
		}),
		FalsePositivesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "false_positives_total", Help: "Rate-threshold triggers that failed kernel-state corroboration.",
		}),
		AllocErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alloc_errors_total", Help: "Source-map insertions that failed; packet passed through uncounted.",
		}),
		BackendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backend_errors_total", Help: "Blacklist backend add/remove failures.",
		}),
		ProbeParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probe_parse_errors_total", Help: "Malformed lines skipped by the kernel-state probe.",
		}),
		WhitelistParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whitelist_parse_errors_total", Help: "Malformed lines skipped while loading the whitelist file.",
		}),
		BlockedIPsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blocked_ips_current", Help: "Advisory blacklist backend size, refreshed after add/remove.",
		}),
	}

	reg.MustRegister(
		m.PacketsTotal, m.SynPacketsTotal, m.WhitelistHitsTotal, m.DetectionsTotal,
		m.FalsePositivesTotal, m.AllocErrorsTotal, m.BackendErrorsTotal,
		m.ProbeParseErrors, m.WhitelistParseErrors, m.BlockedIPsCurrent,
	)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "source_map_size", Help: "Live entries in the source map.",
	}, func() float64 {
		size, _ := smap.Stats()
		return float64(size)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "source_map_blocked_size", Help: "Source-map entries currently marked blocked.",
	}, func() float64 {
		_, blocked := smap.Stats()
		return float64(blocked)
	}))

	return m
}

// Registry exposes the private registry for the metrics server.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
