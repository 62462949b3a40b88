package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryConsumeExactlyOnce(t *testing.T) {
	r := NewMemoryNullifierRegistry()
	ctx := context.Background()

	ok, err := r.TryConsume(ctx, word(1))
	require.NoError(t, err)
	require.True(t, ok)

	// Every subsequent call returns false and never mutates state.
	for i := 0; i < 10; i++ {
		ok, err := r.TryConsume(ctx, word(1))
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 1, r.Size())
}

func TestTryConsumeIndependentNullifiers(t *testing.T) {
	r := NewMemoryNullifierRegistry()
	ctx := context.Background()

	for i := uint64(0); i < 5; i++ {
		ok, err := r.TryConsume(ctx, word(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 5, r.Size())
}

func TestTryConsumeConcurrentRace(t *testing.T) {
	r := NewMemoryNullifierRegistry()
	ctx := context.Background()

	const racers = 64
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := r.TryConsume(ctx, word(7))
			require.NoError(t, err)
			if ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	// The classic double-spend race: exactly one attempt may win.
	require.Equal(t, int64(1), wins)
	require.Equal(t, 1, r.Size())
}
