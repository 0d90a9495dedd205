// Package ratelimit enforces the per-(channel,user) sliding-window limit
// with three-strike escalation. Buckets live in memory only; strike state
// does not survive a restart.
package ratelimit

import (
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/auth"
)

const (
	// DefaultMaxPerMinute is the sliding-window capacity.
	DefaultMaxPerMinute = 30

	// DefaultMaxStrikes is the number of window saturations before a
	// permanent ban.
	DefaultMaxStrikes = 3

	window        = time.Minute
	sweepInterval = 5 * time.Minute
	idleCutoff    = 2 * time.Hour
	shardCount    = 32
)

// Config tunes the limiter. Zero values select the defaults above.
type Config struct {
	MaxPerMinute int
	MaxStrikes   int

	// BaseCooldown is the first strike's block duration; the second strike
	// doubles it. The final strike is always a permanent ban.
	BaseCooldown time.Duration
}

// Result is the outcome of one Check call. Reason is user-presentable and
// is delivered back to the sender on denial.
type Result struct {
	Allowed   bool          `json:"allowed"`
	Reason    string        `json:"reason,omitempty"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in_ms"`
	Strikes   int           `json:"strikes"`
	Banned    bool          `json:"banned"`
}

type bucket struct {
	timestamps   []time.Time
	strikes      int
	blockedUntil time.Time
	banned       bool
	lastSeen     time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is the process-wide rate limiter. Keys are sharded so distinct
// users proceed in parallel; one bucket's mutations are atomic under its
// shard lock.
type Limiter struct {
	shards    [shardCount]shard
	cfg       Config
	cooldowns [2]time.Duration
	logger    *log.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a limiter and starts its background cleanup sweep. Call Stop
// on shutdown so the sweeper goroutine does not leak.
func New(cfg Config) *Limiter {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = DefaultMaxPerMinute
	}
	if cfg.MaxStrikes <= 0 {
		cfg.MaxStrikes = DefaultMaxStrikes
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Minute
	}

	l := &Limiter{
		cfg:       cfg,
		cooldowns: [2]time.Duration{cfg.BaseCooldown, 2 * cfg.BaseCooldown},
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCh:    make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}

	go l.sweepLoop()

	return l
}

func keyFor(channel, userID string) string {
	return channel + ":" + userID
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Check records one request attempt for (channel, userID) and decides
// whether it may proceed. Evaluation order: permanent ban, active cooldown,
// window pruning, saturation (strike escalation), then admit.
func (l *Limiter) Check(channel, userID string) Result {
	key := keyFor(channel, userID)
	now := time.Now()

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	b.lastSeen = now

	if b.banned {
		return Result{
			Allowed: false,
			Reason:  "You are permanently blocked due to repeated rate limit violations. Contact an administrator to restore access.",
			ResetIn: -1,
			Strikes: b.strikes,
			Banned:  true,
		}
	}

	if now.Before(b.blockedUntil) {
		mins := int(time.Until(b.blockedUntil).Round(time.Minute) / time.Minute)
		if mins < 1 {
			mins = 1
		}
		return Result{
			Allowed: false,
			Reason:  fmt.Sprintf("Too many requests. Try again in %d minute(s).", mins),
			ResetIn: b.blockedUntil.Sub(now),
			Strikes: b.strikes,
		}
	}

	// Prune the sliding window.
	cutoff := now.Add(-window)
	kept := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.timestamps = kept

	if len(b.timestamps) >= l.cfg.MaxPerMinute {
		b.strikes++

		if b.strikes >= l.cfg.MaxStrikes {
			b.banned = true
			l.logger.Printf("🚫 Permanent ban: channel=%s user=%s strikes=%d",
				channel, auth.AuditTag(userID), b.strikes)
			return Result{
				Allowed: false,
				Reason:  fmt.Sprintf("Rate limit exceeded. You are now permanently blocked (strike %d/%d).", b.strikes, l.cfg.MaxStrikes),
				ResetIn: -1,
				Strikes: b.strikes,
				Banned:  true,
			}
		}

		cooldown := l.cooldowns[b.strikes-1]
		b.blockedUntil = now.Add(cooldown)
		l.logger.Printf("⚠️ Strike %d/%d: channel=%s user=%s cooldown=%s",
			b.strikes, l.cfg.MaxStrikes, channel, auth.AuditTag(userID), cooldown)
		return Result{
			Allowed: false,
			Reason: fmt.Sprintf("Rate limit exceeded. You are blocked for %d minutes (strike %d/%d).",
				int(cooldown/time.Minute), b.strikes, l.cfg.MaxStrikes),
			ResetIn: cooldown,
			Strikes: b.strikes,
		}
	}

	b.timestamps = append(b.timestamps, now)

	resetIn := window
	if len(b.timestamps) > 0 {
		resetIn = window - now.Sub(b.timestamps[0])
	}
	return Result{
		Allowed:   true,
		Remaining: l.cfg.MaxPerMinute - len(b.timestamps),
		ResetIn:   resetIn,
		Strikes:   b.strikes,
	}
}

// Reset wipes the bucket for (channel, userID) entirely.
func (l *Limiter) Reset(channel, userID string) {
	key := keyFor(channel, userID)
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
}

// Unban clears ban, strikes, cooldown and window state but keeps the bucket
// so subsequent activity reuses it.
func (l *Limiter) Unban(channel, userID string) bool {
	key := keyFor(channel, userID)
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return false
	}
	b.banned = false
	b.strikes = 0
	b.blockedUntil = time.Time{}
	b.timestamps = b.timestamps[:0]
	l.logger.Printf("✅ Unbanned: channel=%s user=%s", channel, auth.AuditTag(userID))
	return true
}

// Stats returns aggregate limiter numbers for the admin surface.
func (l *Limiter) Stats() map[string]interface{} {
	now := time.Now()
	users, banned, blocked := 0, 0, 0

	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		users += len(s.buckets)
		for _, b := range s.buckets {
			if b.banned {
				banned++
			} else if now.Before(b.blockedUntil) {
				blocked++
			}
		}
		s.mu.Unlock()
	}

	return map[string]interface{}{
		"users":          users,
		"banned_users":   banned,
		"blocked_users":  blocked,
		"max_per_minute": l.cfg.MaxPerMinute,
		"max_strikes":    l.cfg.MaxStrikes,
	}
}

// Stop halts the cleanup sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := l.sweep(time.Now())
			if removed > 0 {
				l.logger.Printf("🧹 Swept %d idle rate buckets", removed)
			}
		case <-l.stopCh:
			return
		}
	}
}

// sweep removes buckets idle past the cutoff whose cooldown has lapsed.
// Banned buckets persist until an explicit Unban.
func (l *Limiter) sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, b := range s.buckets {
			if b.banned {
				continue
			}
			if now.Sub(b.lastSeen) > idleCutoff && b.blockedUntil.Before(now) {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
