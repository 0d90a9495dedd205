package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(maxPerMinute int) *Limiter {
	l := New(Config{MaxPerMinute: maxPerMinute})
	return l
}

// grab returns the raw bucket for white-box state manipulation.
func grab(l *Limiter, channel, user string) *bucket {
	key := keyFor(channel, user)
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[key]
}

// liftBlock expires the current cooldown and drains the window so the next
// burst can run, without touching strikes. This is what waiting out a
// cooldown looks like to the limiter.
func liftBlock(l *Limiter, channel, user string) {
	key := keyFor(channel, user)
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[key]
	b.blockedUntil = time.Time{}
	b.timestamps = b.timestamps[:0]
}

// ============================================================================
// SLIDING WINDOW TESTS
// ============================================================================

func TestCheck_AllowsUpToLimit(t *testing.T) {
	l := newTestLimiter(5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		res := l.Check("telegram", "U")
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5-(i+1), res.Remaining)
		assert.Greater(t, res.ResetIn, time.Duration(0))
	}

	res := l.Check("telegram", "U")
	assert.False(t, res.Allowed, "request 6 saturates the window")
}

func TestCheck_WindowLimitHolds(t *testing.T) {
	// Of 20 rapid calls at maxPerMinute=5, exactly 5 pass: the 6th takes a
	// strike and the rest land in the cooldown.
	l := newTestLimiter(5)
	defer l.Stop()

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Check("slack", "U").Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestCheck_DistinctKeysIndependent(t *testing.T) {
	l := newTestLimiter(2)
	defer l.Stop()

	l.Check("telegram", "A")
	l.Check("telegram", "A")
	assert.False(t, l.Check("telegram", "A").Allowed)

	assert.True(t, l.Check("telegram", "B").Allowed, "other user unaffected")
	assert.True(t, l.Check("discord", "A").Allowed, "same user on another channel unaffected")
}

// ============================================================================
// STRIKE LADDER TESTS
// ============================================================================

func TestCheck_StrikeLadderToBan(t *testing.T) {
	l := newTestLimiter(2)
	defer l.Stop()

	// Round 1: allow, allow, deny with strike 1 and a ~30 min cooldown.
	assert.True(t, l.Check("telegram", "U").Allowed)
	assert.True(t, l.Check("telegram", "U").Allowed)
	res := l.Check("telegram", "U")
	require.False(t, res.Allowed)
	assert.Equal(t, 1, res.Strikes)
	assert.False(t, res.Banned)
	assert.InDelta(t, float64(30*time.Minute), float64(res.ResetIn), float64(time.Minute))
	assert.Contains(t, res.Reason, "strike 1/3")

	// While blocked, further calls deny without advancing the ladder.
	res = l.Check("telegram", "U")
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.Strikes, "cooldown denials must not add strikes")
	assert.Contains(t, res.Reason, "Try again in")

	// Round 2 after the cooldown lapses: strike 2, doubled cooldown.
	liftBlock(l, "telegram", "U")
	assert.True(t, l.Check("telegram", "U").Allowed)
	assert.True(t, l.Check("telegram", "U").Allowed)
	res = l.Check("telegram", "U")
	require.False(t, res.Allowed)
	assert.Equal(t, 2, res.Strikes)
	assert.InDelta(t, float64(time.Hour), float64(res.ResetIn), float64(time.Minute))

	// Round 3: third saturation is a permanent ban.
	liftBlock(l, "telegram", "U")
	assert.True(t, l.Check("telegram", "U").Allowed)
	assert.True(t, l.Check("telegram", "U").Allowed)
	res = l.Check("telegram", "U")
	require.False(t, res.Allowed)
	assert.True(t, res.Banned)
	assert.Equal(t, 3, res.Strikes)
	assert.Equal(t, time.Duration(-1), res.ResetIn)

	// Banned stays banned regardless of elapsed time.
	liftBlock(l, "telegram", "U")
	res = l.Check("telegram", "U")
	assert.False(t, res.Allowed)
	assert.True(t, res.Banned)
	assert.Contains(t, res.Reason, "permanently blocked")
}

func TestUnban_RestoresAccess(t *testing.T) {
	l := newTestLimiter(1)
	defer l.Stop()

	l.Check("line", "U")
	for i := 0; i < 3; i++ {
		l.Check("line", "U")
		liftBlock(l, "line", "U")
	}
	require.True(t, grab(l, "line", "U").banned, "setup: user must be banned")

	require.True(t, l.Unban("line", "U"))

	b := grab(l, "line", "U")
	assert.False(t, b.banned)
	assert.Zero(t, b.strikes)
	assert.Empty(t, b.timestamps)

	assert.True(t, l.Check("line", "U").Allowed, "unbanned user is admitted again")
	assert.False(t, l.Unban("line", "nobody"), "unknown key reports false")
}

func TestReset_WipesBucket(t *testing.T) {
	l := newTestLimiter(1)
	defer l.Stop()

	l.Check("zalo", "U")
	require.False(t, l.Check("zalo", "U").Allowed)

	l.Reset("zalo", "U")
	assert.Nil(t, grab(l, "zalo", "U"), "bucket is gone after reset")
	assert.True(t, l.Check("zalo", "U").Allowed)
}

// ============================================================================
// SWEEP & STATS TESTS
// ============================================================================

func TestSweep_RemovesIdleKeepsBannedAndBlocked(t *testing.T) {
	l := newTestLimiter(2)
	defer l.Stop()

	l.Check("telegram", "idle")
	l.Check("telegram", "banned")
	l.Check("telegram", "blocked")

	now := time.Now()
	idle := grab(l, "telegram", "idle")
	idle.lastSeen = now.Add(-3 * time.Hour)

	banned := grab(l, "telegram", "banned")
	banned.lastSeen = now.Add(-3 * time.Hour)
	banned.banned = true

	blocked := grab(l, "telegram", "blocked")
	blocked.lastSeen = now.Add(-3 * time.Hour)
	blocked.blockedUntil = now.Add(time.Hour)

	removed := l.sweep(now)
	assert.Equal(t, 1, removed)
	assert.Nil(t, grab(l, "telegram", "idle"), "idle bucket swept")
	assert.NotNil(t, grab(l, "telegram", "banned"), "banned buckets persist")
	assert.NotNil(t, grab(l, "telegram", "blocked"), "cooling-down buckets persist")
}

func TestSweep_KeepsRecentlyActive(t *testing.T) {
	l := newTestLimiter(2)
	defer l.Stop()

	l.Check("telegram", "fresh")
	assert.Zero(t, l.sweep(time.Now()))
	assert.NotNil(t, grab(l, "telegram", "fresh"))
}

func TestStats(t *testing.T) {
	l := newTestLimiter(1)
	defer l.Stop()

	l.Check("a", "u1")
	l.Check("a", "u2")
	l.Check("a", "u2") // strike 1 → blocked

	grab(l, "a", "u1").banned = true

	stats := l.Stats()
	assert.Equal(t, 2, stats["users"])
	assert.Equal(t, 1, stats["banned_users"])
	assert.Equal(t, 1, stats["blocked_users"])
	assert.Equal(t, 1, stats["max_per_minute"])
}

func TestCheck_ConcurrentDistinctKeys(t *testing.T) {
	l := newTestLimiter(30)
	defer l.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", id)
			for i := 0; i < 10; i++ {
				res := l.Check("burst", user)
				assert.True(t, res.Allowed, "10 calls per user fit a 30/min window")
			}
		}(g)
	}
	wg.Wait()

	stats := l.Stats()
	assert.Equal(t, 32, stats["users"])
}

func BenchmarkCheck(b *testing.B) {
	l := New(Config{MaxPerMinute: 1 << 30})
	defer l.Stop()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Check("bench", "user")
	}
}
