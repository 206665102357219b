// Package whitelist implements the longest-prefix-match whitelist of
// IPv4 CIDRs that SYN sources are checked against before they ever
// enter the source map.
//
// Longest-prefix semantics are delegated to github.com/gaissmai/bart, a
// popcount-compressed multibit trie built for exactly this query. This
// commits to one correct data structure per the design note on the
// source's unsound DFS-fallback trie: there is no second code path to
// disagree with the trie.
package whitelist

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/gaissmai/bart"
	"go.uber.org/zap"
)

// Whitelist is an immutable set of IPv4 prefixes. Once built it is
// never mutated; reload builds a new Whitelist and swaps it into the
// shared slot (see internal/supervisor).
type Whitelist struct {
	table bart.Lite
}

// Empty returns a Whitelist containing no prefixes; Contains is always
// false.
func Empty() *Whitelist {
	return &Whitelist{}
}

// New builds a Whitelist from an explicit list of CIDR strings. Every
// entry must parse: unlike LoadFile, which skips invalid lines, one
// invalid entry makes New return an error.
func New(cidrs []string) (*Whitelist, error) {
	w := &Whitelist{}
	for _, c := range cidrs {
		pfx, err := parsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("whitelist: %w", err)
		}
		w.table.Insert(pfx)
	}
	return w, nil
}

// LoadFile builds a Whitelist from a file with one CIDR per line. "#"
// introduces a line comment; blank lines and leading whitespace are
// tolerated. A missing "/N" is equivalent to "/32". Invalid lines are
// skipped with a warning and do not abort loading, matching §4.B.
func LoadFile(path string, log *zap.Logger) (*Whitelist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("whitelist: open %s: %w", path, err)
	}
	defer f.Close()

	w := &Whitelist{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}
		pfx, perr := parsePrefix(line)
		if perr != nil {
			if log != nil {
				log.Warn("whitelist: skipping invalid line",
					zap.String("file", path), zap.Int("line", lineNo), zap.Error(perr))
			}
			continue
		}
		w.table.Insert(pfx)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("whitelist: read %s: %w", path, err)
	}
	return w, nil
}

// parsePrefix parses a CIDR string, defaulting a missing "/N" to /32
// and rejecting anything that is not a valid IPv4 prefix with length in
// [0, 32].
func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		s = s + "/32"
	}
	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	if !pfx.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: not IPv4", s)
	}
	return pfx.Masked(), nil
}

// Contains reports whether addr (network byte order, as stored in
// SourceState) matches any whitelisted prefix via longest-prefix
// match.
func (w *Whitelist) Contains(addr uint32) bool {
	if w == nil {
		return false
	}
	return w.table.Contains(addrFromUint32(addr))
}

// addrFromUint32 converts a network-byte-order IPv4 address into a
// netip.Addr.
func addrFromUint32(addr uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{
		byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
	})
}

// Uint32FromAddr converts a netip.Addr (must be IPv4) into the
// network-byte-order uint32 representation used as the map key
// throughout the pipeline.
func Uint32FromAddr(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
