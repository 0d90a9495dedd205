package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_ClaimsOnFirstSight(t *testing.T) {
	d := NewMemory(time.Minute)
	defer d.Stop()
	ctx := context.Background()

	assert.False(t, d.Seen(ctx, "telegram:42"), "first sighting claims the key")
	assert.True(t, d.Seen(ctx, "telegram:42"), "second sighting is a duplicate")
	assert.False(t, d.Seen(ctx, "slack:42"), "other channels have their own keys")
}

func TestSeen_ExpiresAfterTTL(t *testing.T) {
	d := NewMemory(20 * time.Millisecond)
	defer d.Stop()
	ctx := context.Background()

	assert.False(t, d.Seen(ctx, "line:abc"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, d.Seen(ctx, "line:abc"), "expired key can be claimed again")
}

func TestSeen_ConcurrentClaimsExactlyOnce(t *testing.T) {
	d := NewMemory(time.Minute)
	defer d.Stop()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	claims := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims <- !d.Seen(ctx, "discord:m1")
		}()
	}
	wg.Wait()
	close(claims)

	won := 0
	for c := range claims {
		if c {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one goroutine claims a key")
}

func TestCleanup_RemovesExpiredKeys(t *testing.T) {
	d := NewMemory(10 * time.Millisecond)
	defer d.Stop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.Seen(ctx, fmt.Sprintf("zalo:%d", i))
	}
	assert.Equal(t, 5, d.Len())

	time.Sleep(30 * time.Millisecond)
	d.cleanup()
	assert.Equal(t, 0, d.Len())
}

func TestStop_Idempotent(t *testing.T) {
	d := NewMemory(time.Minute)
	d.Stop()
	assert.NotPanics(t, func() { d.Stop() })
}
