package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBackendAddRefreshesOnlyForward(t *testing.T) {
	now := time.Now()
	clk := func() time.Time { return now }
	b := NewMemBackend(clk)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, 1, time.Minute))
	assert.True(t, b.Contains(1))
	assert.Equal(t, 1, b.AddCalls())

	// A shorter TTL must not shrink the existing expiry.
	require.NoError(t, b.Add(ctx, 1, time.Second))
	assert.True(t, b.Contains(1))
	assert.Equal(t, now.Add(time.Minute), b.entries[1])
}

func TestMemBackendRemoveIdempotent(t *testing.T) {
	b := NewMemBackend(nil)
	ctx := context.Background()
	require.NoError(t, b.Remove(ctx, 42)) // removing absent key is a no-op
	assert.Equal(t, 1, b.RemoveCalls())

	require.NoError(t, b.Add(ctx, 42, time.Minute))
	require.NoError(t, b.Remove(ctx, 42))
	assert.False(t, b.Contains(42))
}

func TestMemBackendCount(t *testing.T) {
	b := NewMemBackend(nil)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, 1, time.Minute))
	require.NoError(t, b.Add(ctx, 2, time.Minute))

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDottedDecimal(t *testing.T) {
	assert.Equal(t, "10.0.0.1", dottedDecimal(0x0A000001))
	assert.Equal(t, "255.255.255.255", dottedDecimal(0xFFFFFFFF))
}
