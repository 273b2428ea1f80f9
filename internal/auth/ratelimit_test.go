// ABOUTME: Tests for per-peer authentication throttling
// ABOUTME: Covers burst exhaustion, per-host isolation, and refill over time

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerLimiter_BurstThenBlock(t *testing.T) {
	l := NewPeerLimiter(1, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1:5000"), "attempt %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1:5001"), "same host on another port shares the bucket")
	assert.True(t, l.Allow("10.0.0.2:5000"), "other hosts are independent")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1:5000"), "one token refills per second")
}

func TestPeerLimiter_PrunesIdlePeers(t *testing.T) {
	l := NewPeerLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1:1")
	now = now.Add(2 * limiterIdleTTL)
	l.Allow("10.0.0.2:1")

	l.mu.Lock()
	defer l.mu.Unlock()
	_, stale := l.peers["10.0.0.1"]
	assert.False(t, stale)
	assert.Len(t, l.peers, 1)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "10.0.0.1", hostOf("10.0.0.1:80"))
	assert.Equal(t, "::1", hostOf("[::1]:80"))
	assert.Equal(t, "bufconn", hostOf("bufconn"))
}
