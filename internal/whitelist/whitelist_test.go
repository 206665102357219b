package whitelist

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) uint32 {
	return Uint32FromAddr(netip.MustParseAddr(s))
}

func TestEmptyNeverMatches(t *testing.T) {
	w := Empty()
	assert.False(t, w.Contains(addr("10.0.0.1")))
}

func TestNewExactAndCIDR(t *testing.T) {
	w, err := New([]string{"10.0.0.5", "192.168.0.0/16"})
	require.NoError(t, err)

	assert.True(t, w.Contains(addr("10.0.0.5")))
	assert.False(t, w.Contains(addr("10.0.0.6")))
	assert.True(t, w.Contains(addr("192.168.1.1")))
	assert.False(t, w.Contains(addr("192.169.0.1")))
}

func TestNewRejectsInvalidCIDR(t *testing.T) {
	_, err := New([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestLongestPrefixWins(t *testing.T) {
	w, err := New([]string{"10.0.0.0/8", "10.0.0.0/32"})
	require.NoError(t, err)
	assert.True(t, w.Contains(addr("10.0.0.0")))
	assert.True(t, w.Contains(addr("10.1.2.3")))
}

func TestLoadFileTolerant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	content := "# comment\n\n10.0.0.1\n172.16.0.0/12 # inline comment\nnot-valid\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	w, err := LoadFile(path, nil)
	require.NoError(t, err)

	assert.True(t, w.Contains(addr("10.0.0.1")))
	assert.True(t, w.Contains(addr("172.16.5.5")))
	assert.False(t, w.Contains(addr("8.8.8.8")))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/whitelist.txt", nil)
	assert.Error(t, err)
}

func TestContainsNilSafe(t *testing.T) {
	var w *Whitelist
	assert.False(t, w.Contains(addr("1.1.1.1")))
}

func TestUint32RoundTrip(t *testing.T) {
	a := netip.MustParseAddr("203.0.113.7")
	assert.Equal(t, a, addrFromUint32(Uint32FromAddr(a)))
}
