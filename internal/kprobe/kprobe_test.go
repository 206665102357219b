package kprobe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// procFixture writes a minimal /proc/net/tcp-style file: a header line
// followed by the given records. Addresses in the records use the
// kernel's little-endian hex encoding, e.g. "0100A8C0" is 192.168.0.1
// (bytes 01 00 A8 C0 reversed).
func procFixture(t *testing.T, lines []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tcp")
	header := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode"
	content := header + "\n"
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCountHalfOpenFrom(t *testing.T) {
	// rem_address encodes 10.0.0.1 as little-endian hex: the kernel
	// writes the 4 address bytes in reverse order, so 10.0.0.1
	// (0x0A,0x00,0x00,0x01) appears as "0100000A".
	path := procFixture(t, []string{
		"0: 00000000:1F90 0100000A:0050 03 00000000:00000000 00:00000000 00000000     0        0 12345 1 0000000000000000 100 0 0 10 0",
		"1: 00000000:1F90 0200000A:0050 01 00000000:00000000 00:00000000 00000000     0        0 12346 1 0000000000000000 100 0 0 10 0",
	})

	p := New(path)
	assert.EqualValues(t, 1, p.CountHalfOpenTotal())

	// 10.0.0.1 -> network-byte-order uint32 0x0A000001
	assert.EqualValues(t, 1, p.CountHalfOpenFrom(0x0A000001))
	assert.EqualValues(t, 0, p.CountHalfOpenFrom(0x0A000002))
}

func TestScanMissingFileIsZero(t *testing.T) {
	p := New("/nonexistent/proc/net/tcp")
	assert.EqualValues(t, 0, p.CountHalfOpenTotal())
}

func TestMalformedLinesCountAsParseErrors(t *testing.T) {
	path := procFixture(t, []string{
		"garbage line with too few fields",
		"1: 00000000:1F90 ZZZZZZZZ:0050 03 00000000:00000000 00:00000000 00000000 0 0 1 1 0 100 0 0 10 0",
	})
	p := New(path)
	p.CountHalfOpenTotal()
	assert.EqualValues(t, 2, p.ParseErrors())
}
