// Package xdpstat is an optional, capability-gated auxiliary signal:
// a per-source SYN counter maintained in kernel space by an XDP
// program, read out through a pinned BPF map via
// github.com/cilium/ebpf. It exists alongside, not instead of, the
// kernel-state probe in internal/kprobe — §4.D's corroboration check
// still runs against /proc/net/tcp; this package only gives the
// detector a second, lower-overhead opinion when the kernel supports
// it. Capability detection follows the same shape as the teacher's
// collector/ebpf.Detect: check BTF and privilege before ever touching
// bpf(2), and degrade to "unavailable" rather than erroring out.
package xdpstat

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
)

// Capability describes whether this host can run the XDP auxiliary
// signal at all.
type Capability struct {
	Available bool
	BTF       bool
	HasRoot   bool
	Reason    string
}

// Detect checks for kernel BTF and root privilege, the same two
// preconditions the teacher's eBPF collectors require before
// attempting to load any program.
func Detect() Capability {
	var c Capability

	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		c.BTF = true
	}
	if os.Geteuid() == 0 {
		c.HasRoot = true
	}

	switch {
	case !c.BTF:
		c.Reason = "kernel BTF not available (/sys/kernel/btf/vmlinux missing)"
	case !c.HasRoot:
		c.Reason = "root privileges required for the XDP auxiliary signal"
	default:
		c.Available = true
	}
	return c
}

// Collector reads per-source SYN counts out of a BPF hash map an XDP
// program maintains and pins at a well-known bpffs path. Attaching the
// XDP program itself is a separate, privileged setup step outside this
// daemon's process (mirroring how the teacher's sentinel packs assume
// their tracepoints already exist); Collector only attaches to the
// already-pinned map.
type Collector struct {
	m *ebpf.Map
}

// NewCollector loads the pinned map at path. Callers should gate this
// behind Detect().Available; LoadPinnedMap already fails cleanly if
// nothing is pinned there yet.
func NewCollector(path string) (*Collector, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("xdpstat: load pinned map %s: %w", path, err)
	}
	return &Collector{m: m}, nil
}

// CountFor returns the XDP program's SYN count for addr (network byte
// order, matching the map's key encoding), or 0 if addr has no entry.
func (c *Collector) CountFor(addr uint32) (uint32, error) {
	var value uint32
	if err := c.m.Lookup(&addr, &value); err != nil {
		if err == ebpf.ErrKeyNotExist {
			return 0, nil
		}
		return 0, fmt.Errorf("xdpstat: map lookup: %w", err)
	}
	return value, nil
}

// Close releases the map file descriptor.
func (c *Collector) Close() error {
	return c.m.Close()
}
