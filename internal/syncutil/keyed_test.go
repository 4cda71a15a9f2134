package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_LockUnlock(t *testing.T) {
	k := NewKeyedLocker(0)
	unlock, err := k.Lock(context.Background(), "wallet-a")
	require.NoError(t, err)
	unlock()

	unlock, err = k.Lock(context.Background(), "wallet-a")
	require.NoError(t, err)
	unlock()
}

func TestKeyedLocker_MutualExclusion(t *testing.T) {
	k := NewKeyedLocker(16)
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestKeyedLocker_ContextCancelled(t *testing.T) {
	k := NewKeyedLocker(4)
	unlock, err := k.Lock(context.Background(), "held")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := k.Lock(ctx, "held")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
