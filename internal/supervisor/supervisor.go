// Package supervisor owns the daemon's lifecycle (§4.H): startup
// wiring in leaf-first order, the signal-driven main loop, config/
// whitelist reload, and graceful shutdown. The structure — a PID
// file, signal.Notify, and a single select loop driven by a
// time.Ticker — is grounded on the teacher's engine.RunDaemon, with
// SIGHUP reload added since xtop's daemon mode never needed one.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ftahirops/synwatchd/internal/blacklist"
	"github.com/ftahirops/synwatchd/internal/capture"
	"github.com/ftahirops/synwatchd/internal/capture/xdpstat"
	"github.com/ftahirops/synwatchd/internal/clock"
	"github.com/ftahirops/synwatchd/internal/config"
	"github.com/ftahirops/synwatchd/internal/detector"
	"github.com/ftahirops/synwatchd/internal/expirer"
	"github.com/ftahirops/synwatchd/internal/kprobe"
	"github.com/ftahirops/synwatchd/internal/metrics"
	"github.com/ftahirops/synwatchd/internal/model"
	"github.com/ftahirops/synwatchd/internal/sourcemap"
	"github.com/ftahirops/synwatchd/internal/whitelist"
)

// procNetTCPPath is the default kernel-state probe target; it is not
// configurable through §6's option table, matching the original's
// hardcoded /proc/net/tcp.
const procNetTCPPath = "/proc/net/tcp"

// xdpStatMapPath is where the optional XDP auxiliary SYN counter's BPF
// map is expected to be pinned, if an operator has attached that
// program outside this daemon's process (§9: attaching the program
// itself is a separate, privileged setup step). Like procNetTCPPath,
// this is not exposed through §6's option table.
const xdpStatMapPath = "/sys/fs/bpf/synwatchd/syn_counts"

// eventSink adapts *zap.Logger to detector.EventSink/expirer.EventSink
// — BLOCKED/SUSPICIOUS/UNBLOCKED events are observable through the
// structured log, one log line per event, rather than a separate
// event stream (§4.F/§4.G/§6).
type eventSink struct {
	log *zap.Logger
}

func (e eventSink) Emit(evt model.Event) {
	e.log.Info("event",
		zap.String("kind", string(evt.Kind)),
		zap.Uint32("addr", evt.Addr),
		zap.Uint32("syn_count", evt.SynCount),
		zap.Uint32("half_open", evt.HalfOpen),
		zap.Uint32("threshold", evt.Threshold),
		zap.Time("at", evt.At),
	)
}

// Supervisor wires every package together and drives the daemon's
// lifecycle. Every long-lived loop (capture, expiry ticking, signal
// handling) lives here, not in the collaborators it owns.
type Supervisor struct {
	cfgPath string
	cfg     *atomic.Pointer[config.Config]
	wl      *atomic.Pointer[whitelist.Whitelist]
	dcfg    *atomic.Pointer[detector.Config]

	smap     *sourcemap.Map
	probe    *kprobe.Probe
	auxProbe *xdpstat.Collector
	backend  *blacklist.IPSet
	mtr      *metrics.Metrics
	mtrSrv   *metrics.Server
	det      *detector.Detector
	exp      *expirer.Expirer
	src      capture.Source

	runDir string
	log    *zap.Logger
}

// New loads the config at cfgPath and constructs every collaborator,
// leaf-first: clock/model have no dependencies; whitelist and source
// map next; kernel probe and blacklist backend next; detector and
// expirer last, since they depend on everything else (§4.H startup
// order).
func New(ctx context.Context, cfgPath string, log *zap.Logger) (*Supervisor, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	wl, err := loadWhitelist(cfg.Whitelist.File, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	smap, err := sourcemap.New(cfg.Limits.HashBuckets, cfg.Limits.MaxTrackedIPs)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	probe := kprobe.New(procNetTCPPath)

	backend, err := blacklist.NewIPSet(ctx, cfg.Enforcement.IPSetName,
		time.Duration(cfg.Enforcement.BlockDurationS)*time.Second,
		cfg.Limits.MaxTrackedIPs, 2*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	m := metrics.New(smap)

	runDir := filepath.Dir(cfg.Logging.MetricsSocket)
	if runDir != "" && runDir != "." {
		if err := os.MkdirAll(runDir, 0o750); err != nil {
			return nil, fmt.Errorf("supervisor: create run dir: %w", err)
		}
	}
	_ = os.Remove(cfg.Logging.MetricsSocket) // stale socket from a prior crash
	mtrSrv, err := metrics.Listen("unix", cfg.Logging.MetricsSocket, m, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	src, err := newCaptureSource(cfg.Capture)
	if err != nil {
		mtrSrv.Close()
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	cfgSlot := new(atomic.Pointer[config.Config])
	cfgSlot.Store(cfg)
	wlSlot := new(atomic.Pointer[whitelist.Whitelist])
	wlSlot.Store(wl)
	dcfgSlot := new(atomic.Pointer[detector.Config])
	dcfgSlot.Store(detectorConfigFrom(cfg))

	sink := eventSink{log: log}
	det := detector.New(smap, wlSlot, dcfgSlot, clock.System{}, probe, backend, m, sink, log)
	exp := expirer.New(smap, backend, m, sink, clock.System{}, log)

	var auxProbe *xdpstat.Collector
	if xc := xdpstat.Detect(); xc.Available {
		coll, err := xdpstat.NewCollector(xdpStatMapPath)
		if err != nil {
			log.Warn("xdp auxiliary counter unavailable, continuing without it", zap.Error(err))
		} else {
			auxProbe = coll
			det.SetAuxProbe(coll)
		}
	}

	return &Supervisor{
		cfgPath:  cfgPath,
		cfg:      cfgSlot,
		wl:       wlSlot,
		dcfg:     dcfgSlot,
		smap:     smap,
		probe:    probe,
		auxProbe: auxProbe,
		backend:  backend,
		mtr:      m,
		mtrSrv:   mtrSrv,
		det:      det,
		exp:      exp,
		src:      src,
		runDir:   runDir,
		log:      log,
	}, nil
}

// Run blocks until ctx is cancelled or a terminating signal arrives,
// driving the capture loop, the expirer's tick, and config reload.
func (s *Supervisor) Run(ctx context.Context) error {
	pidPath := ""
	if s.runDir != "" {
		pidPath = filepath.Join(s.runDir, "synwatchd.pid")
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
			s.log.Warn("could not write pid file", zap.Error(err))
			pidPath = ""
		}
	}
	defer func() {
		if pidPath != "" {
			os.Remove(pidPath)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	signal.Ignore(syscall.SIGPIPE)

	captureDone := make(chan error, 1)
	go s.runCapture(ctx, captureDone)

	cfg := s.cfg.Load()
	ticker := time.NewTicker(time.Duration(cfg.Detection.ProcCheckIntervalS) * time.Second)
	defer ticker.Stop()

	s.log.Info("synwatchd started", zap.Int("pid", os.Getpid()))

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.reload()
			default:
				s.log.Info("received shutdown signal", zap.String("signal", sig.String()))
				s.shutdown()
				return nil
			}

		case <-ticker.C:
			s.exp.Tick(ctx)

		case err := <-captureDone:
			s.shutdown()
			return fmt.Errorf("supervisor: capture source stopped: %w", err)
		}
	}
}

func (s *Supervisor) runCapture(ctx context.Context, done chan<- error) {
	go func() {
		if err := s.mtrSrv.Serve(); err != nil {
			s.log.Debug("metrics server stopped", zap.Error(err))
		}
	}()

	for {
		raw, err := s.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				done <- ctx.Err()
				return
			}
			done <- err
			return
		}
		s.det.HandlePacket(ctx, raw)
	}
}

// reload re-reads the config file and whitelist file and swaps both
// atomically; on any validation failure the running configuration is
// retained unchanged (§4.H reload protocol).
func (s *Supervisor) reload() {
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.log.Warn("reload failed, keeping previous configuration", zap.Error(err))
		return
	}
	wl, err := loadWhitelist(cfg.Whitelist.File, s.log)
	if err != nil {
		s.log.Warn("reload failed loading whitelist, keeping previous configuration", zap.Error(err))
		return
	}

	s.cfg.Store(cfg)
	s.wl.Store(wl)
	s.dcfg.Store(detectorConfigFrom(cfg))
	s.log.Info("configuration reloaded")
}

// shutdown stops the capture source and closes owned resources. The
// blacklist backend's ipset is intentionally left in place (§4.H: a
// restart must not un-block addresses still under an active TTL).
func (s *Supervisor) shutdown() {
	if err := s.src.Close(); err != nil {
		s.log.Debug("capture source close", zap.Error(err))
	}
	if err := s.mtrSrv.Close(); err != nil {
		s.log.Debug("metrics server close", zap.Error(err))
	}
	if s.auxProbe != nil {
		if err := s.auxProbe.Close(); err != nil {
			s.log.Debug("xdp auxiliary counter close", zap.Error(err))
		}
	}
	s.smap.Clear()
	s.log.Info("synwatchd stopped")
}

func loadWhitelist(path string, log *zap.Logger) (*whitelist.Whitelist, error) {
	if path == "" {
		return whitelist.Empty(), nil
	}
	return whitelist.LoadFile(path, log)
}

func newCaptureSource(cfg config.Capture) (capture.Source, error) {
	if cfg.UseRawSocket {
		return capture.NewRawSocketSource()
	}
	return capture.NewNFQueueSource(uint16(cfg.NFQueueNum))
}

func detectorConfigFrom(cfg *config.Config) *detector.Config {
	return &detector.Config{
		Threshold:             cfg.Detection.SynThreshold,
		Window:                time.Duration(cfg.Detection.WindowMs) * time.Millisecond,
		BlockDuration:         time.Duration(cfg.Enforcement.BlockDurationS) * time.Second,
		CorroborationCacheTTL: 100 * time.Millisecond,
	}
}
