package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiter_DefaultsToOneInFlight(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "openai:gpt-4.1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			atomic.AddInt32(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(map[string]RateLimit{"fast": {Concurrency: 2}})
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "fast")
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, "fast")
	require.NoError(t, err)
	// A different key is not blocked by "fast" being saturated.
	r3, err := l.Acquire(ctx, "other")
	require.NoError(t, err)
	r1()
	r2()
	r3()
}

func TestLimiter_AcquireHonoursCancellation(t *testing.T) {
	l := NewLimiter(nil)
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k")
	require.Error(t, err)
}
