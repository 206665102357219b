// ipset.go implements Backend by shelling out to the ipset(8) tool,
// the same approach original_source/src/enforce/ipset_mgr.c takes
// (there: fork+execl to /usr/sbin/ipset; here: os/exec with an
// explicit argv). The invocation pattern — exec.CommandContext with a
// bound timeout and no shell — is the teacher's own
// engine.Notifier.sendEmail/sendCommand idiom, generalized from
// mail/sh to ipset.
package blacklist

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IPSet is a Backend backed by the ipset(8) command-line tool. The set
// is created (idempotently) on construction with hash:ip type and a
// default timeout; Add refreshes an entry's TTL by re-adding with
// -exist.
type IPSet struct {
	name   string
	binary string
	call   time.Duration
	log    *zap.Logger
}

// NewIPSet locates the ipset binary, creates (or reuses) the named set
// with defaultTTL and maxEntries, and returns a ready Backend.
// callTimeout bounds every subsequent invocation (§5: "a reasonable
// upper bound per call ... must not exceed a small fraction of
// check_interval").
func NewIPSet(ctx context.Context, name string, defaultTTL time.Duration, maxEntries int, callTimeout time.Duration, log *zap.Logger) (*IPSet, error) {
	if name == "" {
		return nil, fmt.Errorf("blacklist: ipset name must not be empty")
	}
	bin, err := exec.LookPath("ipset")
	if err != nil {
		bin = "/usr/sbin/ipset"
	}
	s := &IPSet{name: name, binary: bin, call: callTimeout, log: log}

	createCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err = s.run(createCtx, "create", "-exist", name, "hash:ip",
		"timeout", strconv.FormatInt(int64(defaultTTL/time.Second), 10),
		"maxelem", strconv.Itoa(maxEntries))
	if err != nil {
		return nil, fmt.Errorf("blacklist: create set %s: %w", name, err)
	}
	return s, nil
}

func (s *IPSet) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if s.log != nil {
			s.log.Debug("blacklist: ipset command failed",
				zap.Strings("args", args), zap.String("output", strings.TrimSpace(string(out))), zap.Error(err))
		}
		return string(out), fmt.Errorf("ipset %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Add ensures addr is present with TTL at least ttl; ipset's -exist
// flag makes a repeat add refresh the timeout rather than error.
func (s *IPSet) Add(ctx context.Context, addr uint32, ttl time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, s.call)
	defer cancel()
	_, err := s.run(callCtx, "add", "-exist", s.name, dottedDecimal(addr),
		"timeout", strconv.FormatInt(int64(ttl/time.Second), 10))
	return err
}

// Remove ensures addr is absent; removing a missing entry is a no-op
// because of -exist.
func (s *IPSet) Remove(ctx context.Context, addr uint32) error {
	callCtx, cancel := context.WithTimeout(ctx, s.call)
	defer cancel()
	_, err := s.run(callCtx, "del", "-exist", s.name, dottedDecimal(addr))
	return err
}

// Test reports whether addr is currently a member of the set.
func (s *IPSet) Test(ctx context.Context, addr uint32) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.call)
	defer cancel()
	_, err := s.run(callCtx, "test", s.name, dottedDecimal(addr))
	if err != nil {
		// ipset test exits non-zero both on "not a member" and on real
		// errors; either way the member-ship answer is "no".
		return false, nil
	}
	return true, nil
}

// Count returns an advisory size estimate parsed from `ipset list
// -terse`'s "Number of entries" line.
func (s *IPSet) Count(ctx context.Context) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.call)
	defer cancel()
	out, err := s.run(callCtx, "list", "-terse", s.name)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		if idx := strings.Index(line, "Number of entries:"); idx >= 0 {
			n, perr := strconv.Atoi(strings.TrimSpace(line[idx+len("Number of entries:"):]))
			if perr == nil {
				return n, nil
			}
		}
	}
	return 0, nil
}

// Flush removes every entry from the set without destroying it.
func (s *IPSet) Flush(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, s.call)
	defer cancel()
	_, err := s.run(callCtx, "flush", s.name)
	return err
}
