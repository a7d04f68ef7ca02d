// internal/fetcher/gate_test.go
package fetcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGates_SerializesSameToken(t *testing.T) {
	gates := newTokenGates(1)
	var inFlight, maxInFlight int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := gates.acquire(context.Background(), "same")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestTokenGates_IndependentTokens(t *testing.T) {
	gates := newTokenGates(1)
	releaseA, err := gates.acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	releaseB, err := gates.acquire(ctx, "b")
	require.NoError(t, err, "a different token must not wait")
	releaseB()
}

func TestTokenGates_HonorsContext(t *testing.T) {
	gates := newTokenGates(1)
	release, err := gates.acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = gates.acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenGates_EvictsIdleGates(t *testing.T) {
	gates := newTokenGates(1)

	release, err := gates.acquire(context.Background(), "rotating-1")
	require.NoError(t, err)
	assert.Equal(t, 1, gates.live())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = gates.acquire(ctx, "rotating-1")
	require.Error(t, err)
	assert.Equal(t, 1, gates.live(), "the holder still references the gate")

	release()
	assert.Equal(t, 0, gates.live())

	for _, token := range []string{"rotating-2", "rotating-3", "rotating-4"} {
		release, err := gates.acquire(context.Background(), token)
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 0, gates.live())
}
