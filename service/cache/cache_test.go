package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlockhashSource struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeBlockhashSource) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return Blockhash{}, f.err
	}
	return Blockhash{Hash: "hash-" + string(rune('0'+n)), LastValidBlockHeight: uint64(100 + n)}, nil
}

type fakeFeeSource struct {
	calls    atomic.Int32
	accounts [][]string
	mu       sync.Mutex
}

func (f *fakeFeeSource) RecentPrioritizationFees(ctx context.Context, accounts []string) ([]uint64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.accounts = append(f.accounts, accounts)
	f.mu.Unlock()
	return []uint64{10, 20, 30}, nil
}

func TestBlockhashCache_HitWithinTTL(t *testing.T) {
	backend := NewMemoryBackend()
	now := time.Now()
	backend.now = func() time.Time { return now }

	src := &fakeBlockhashSource{}
	c := NewBlockhashCache(src, backend, 500*time.Millisecond, nil, nil)

	first, err := c.Latest(context.Background())
	require.NoError(t, err)
	second, err := c.Latest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(501 * time.Millisecond)
	third, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, third.Hash)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestBlockhashCache_ConcurrentMissesCoalesce(t *testing.T) {
	src := &fakeBlockhashSource{delay: 50 * time.Millisecond}
	c := NewBlockhashCache(src, NewMemoryBackend(), time.Second, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Latest(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestBlockhashCache_ErrorsAreNotCached(t *testing.T) {
	src := &fakeBlockhashSource{err: errors.New("rpc down")}
	c := NewBlockhashCache(src, NewMemoryBackend(), time.Second, nil, nil)

	_, err := c.Latest(context.Background())
	require.Error(t, err)
	_, err = c.Latest(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestFeeCache_KeyIgnoresAccountOrder(t *testing.T) {
	src := &fakeFeeSource{}
	c := NewFeeCache(src, NewMemoryBackend(), time.Second, nil, nil)

	fees, err := c.Samples(context.Background(), []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30}, fees)

	_, err = c.Samples(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, []string{"a", "b"}, src.accounts[0])
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func TestTTL_BackendFailureFallsThrough(t *testing.T) {
	src := &fakeBlockhashSource{}
	c := NewBlockhashCache(src, failingBackend{}, time.Second, nil, nil)

	bh, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, bh.Hash)
}

func TestTTL_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	c := NewTTL[string]("test", NewMemoryBackend(), time.Second, nil, nil)

	var loads atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		if loads.Add(1) == 1 {
			close(started)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
			return "value", nil
		}
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, "k", load)
		firstErr <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.Get(context.Background(), "k", load)
		second <- result{v, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "value", got.v)
	assert.Equal(t, int32(1), loads.Load())
}
