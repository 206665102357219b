package ratelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUpToMaxPerWindow(t *testing.T) {
	l := NewLimiter(2, time.Second)
	base := time.Now()

	assert.True(t, l.Allow(base))
	assert.True(t, l.Allow(base.Add(100*time.Millisecond)))
	assert.False(t, l.Allow(base.Add(200*time.Millisecond)))

	assert.True(t, l.Allow(base.Add(2*time.Second)))
}

func TestLimiterUnlimitedWhenMaxNonPositive(t *testing.T) {
	l := NewLimiter(0, time.Second)
	now := time.Now()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(now))
	}
}
