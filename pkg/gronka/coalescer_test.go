package gronka_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2xai/gronka/pkg/gronka"
	repomemory "github.com/p2xai/gronka/pkg/gronka/repo/memory"
)

const testURL = "https://media.example.com/clip.mp4"

func blockingProducer(release <-chan struct{}, calls *int32, result *gronka.DownloadResult, err error) gronka.ProducerFunc {
	return func(ctx context.Context) (*gronka.DownloadResult, error) {
		atomic.AddInt32(calls, 1)
		if release != nil {
			<-release
		}
		return result, err
	}
}

func TestCoalescerFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent fetches share one producer call", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)

		release := make(chan struct{})
		var calls int32
		want := &gronka.DownloadResult{Data: []byte("payload"), Kind: gronka.KindVideo}
		producer := blockingProducer(release, &calls, want, nil)

		const waiters = 10
		results := make([]*gronka.FetchResult, waiters)
		errs := make([]error, waiters)

		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = c.Fetch(ctx, testURL, gronka.FetchOptions{}, producer)
			}(i)
		}

		// Give every goroutine a chance to attach before the fetch settles.
		deadline := time.Now().Add(2 * time.Second)
		for c.InFlight() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		for i := range results {
			require.NoError(t, errs[i])
			assert.Equal(t, want.Data, results[i].Fresh.Data)
			assert.False(t, results[i].Cached)
		}
		assert.Zero(t, c.InFlight())
	})

	t.Run("producer error fans out to all waiters", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)

		release := make(chan struct{})
		var calls int32
		wantErr := errors.New("upstream exploded")
		producer := blockingProducer(release, &calls, nil, wantErr)

		const waiters = 5
		errs := make([]error, waiters)

		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = c.Fetch(ctx, testURL, gronka.FetchOptions{}, producer)
			}(i)
		}

		deadline := time.Now().Add(2 * time.Second)
		for c.InFlight() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		for i := range errs {
			assert.ErrorIs(t, errs[i], wantErr)
		}
	})

	t.Run("failed fetch leaves no residue for the next attempt", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)

		var calls int32
		_, err := c.Fetch(ctx, testURL, gronka.FetchOptions{}, blockingProducer(nil, &calls, nil, errors.New("boom")))
		require.Error(t, err)

		result, err := c.Fetch(ctx, testURL, gronka.FetchOptions{},
			blockingProducer(nil, &calls, &gronka.DownloadResult{Data: []byte("ok")}, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), result.Fresh.Data)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("panicking producer does not strand the in-flight entry", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)

		assert.Panics(t, func() {
			_, _ = c.Fetch(ctx, testURL, gronka.FetchOptions{}, func(ctx context.Context) (*gronka.DownloadResult, error) {
				panic("producer exploded")
			})
		})
		assert.Zero(t, c.InFlight())

		// The key is free again: a later fetch runs its own producer.
		var calls int32
		result, err := c.Fetch(ctx, testURL, gronka.FetchOptions{},
			blockingProducer(nil, &calls, &gronka.DownloadResult{Data: []byte("retry")}, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte("retry"), result.Fresh.Data)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("waiters attached to a panicking producer get an error", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)

		entered := make(chan struct{})
		release := make(chan struct{})
		leaderDone := make(chan struct{})
		go func() {
			defer func() {
				_ = recover()
				close(leaderDone)
			}()
			_, _ = c.Fetch(ctx, testURL, gronka.FetchOptions{}, func(ctx context.Context) (*gronka.DownloadResult, error) {
				close(entered)
				<-release
				panic("producer exploded")
			})
		}()
		<-entered

		waiterErr := make(chan error, 1)
		go func() {
			// If the waiter narrowly misses the in-flight entry it becomes
			// its own leader and this producer reports that instead.
			_, err := c.Fetch(ctx, testURL, gronka.FetchOptions{}, blockingProducer(nil, new(int32), nil, errors.New("fetched alone")))
			waiterErr <- err
		}()

		time.Sleep(50 * time.Millisecond)
		close(release)
		<-leaderDone

		select {
		case err := <-waiterErr:
			require.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never released")
		}
		assert.Zero(t, c.InFlight())
	})

	t.Run("empty url is rejected", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)
		_, err := c.Fetch(ctx, "", gronka.FetchOptions{}, blockingProducer(nil, new(int32), nil, nil))
		var validation *gronka.ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("waiter context cancellation releases the waiter only", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)

		release := make(chan struct{})
		var calls int32
		producer := blockingProducer(release, &calls, &gronka.DownloadResult{Data: []byte("late")}, nil)

		go c.Fetch(ctx, testURL, gronka.FetchOptions{}, producer)
		deadline := time.Now().Add(2 * time.Second)
		for c.InFlight() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		waiterCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Fetch(waiterCtx, testURL, gronka.FetchOptions{}, producer)
		assert.ErrorIs(t, err, context.Canceled)

		close(release)
	})
}

func TestCoalescerLedger(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, c *gronka.Coalescer, opts gronka.FetchOptions, kind gronka.MediaKind) {
		t.Helper()
		err := c.RecordResult(ctx, testURL, opts, &gronka.LedgerEntry{
			ContentHash: "abc123",
			Kind:        kind,
			Extension:   "mp4",
			DeliveryURL: "https://cdn.example.com/abc123.mp4",
			SizeBytes:   42,
		})
		require.NoError(t, err)
	}

	t.Run("ledger hit short-circuits the producer", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)
		seed(t, c, gronka.FetchOptions{}, gronka.KindVideo)

		var calls int32
		result, err := c.Fetch(ctx, testURL, gronka.FetchOptions{}, blockingProducer(nil, &calls, nil, nil))
		require.NoError(t, err)
		assert.True(t, result.Cached)
		assert.Equal(t, "abc123", result.Entry.ContentHash)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("kind mismatch never short-circuits", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)
		seed(t, c, gronka.FetchOptions{}, gronka.KindVideo)

		var calls int32
		result, err := c.Fetch(ctx, testURL, gronka.FetchOptions{ExpectedKind: gronka.KindGIF},
			blockingProducer(nil, &calls, &gronka.DownloadResult{Data: []byte("fresh")}, nil))
		require.NoError(t, err)
		assert.False(t, result.Cached)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("no expected kind means any cached kind wins", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)
		seed(t, c, gronka.FetchOptions{}, gronka.KindGIF)

		var calls int32
		result, err := c.Fetch(ctx, testURL, gronka.FetchOptions{}, blockingProducer(nil, &calls, nil, nil))
		require.NoError(t, err)
		assert.True(t, result.Cached)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("skip cache bypasses the ledger", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)
		seed(t, c, gronka.FetchOptions{}, gronka.KindVideo)

		var calls int32
		result, err := c.Fetch(ctx, testURL, gronka.FetchOptions{SkipCache: true},
			blockingProducer(nil, &calls, &gronka.DownloadResult{Data: []byte("fresh")}, nil))
		require.NoError(t, err)
		assert.False(t, result.Cached)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("transform requests bypass the ledger read", func(t *testing.T) {
		c := gronka.NewCoalescer(repomemory.New(), nil)
		seed(t, c, gronka.FetchOptions{}, gronka.KindVideo)

		var calls int32
		opts := gronka.FetchOptions{Transform: gronka.TransformSpec{OptimizeLevel: 35}}
		result, err := c.Fetch(ctx, testURL, opts,
			blockingProducer(nil, &calls, &gronka.DownloadResult{Data: []byte("fresh")}, nil))
		require.NoError(t, err)
		assert.False(t, result.Cached)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("transform writes land under the qualified key", func(t *testing.T) {
		repo := repomemory.New()
		c := gronka.NewCoalescer(repo, nil)
		spec := gronka.TransformSpec{OptimizeLevel: 35}
		seed(t, c, gronka.FetchOptions{Transform: spec}, gronka.KindVideo)

		entry, err := repo.GetLedgerEntry(ctx, gronka.HashSourceURL(testURL, spec))
		require.NoError(t, err)
		assert.Equal(t, "abc123", entry.ContentHash)

		// The unqualified key stays empty.
		_, err = repo.GetLedgerEntry(ctx, gronka.HashSourceURL(testURL, gronka.TransformSpec{}))
		assert.ErrorIs(t, err, gronka.ErrLedgerEntryNotFound)
	})

	t.Run("upsert replaces the previous entry", func(t *testing.T) {
		repo := repomemory.New()
		c := gronka.NewCoalescer(repo, nil)
		seed(t, c, gronka.FetchOptions{}, gronka.KindVideo)

		err := c.RecordResult(ctx, testURL, gronka.FetchOptions{}, &gronka.LedgerEntry{
			ContentHash: "def456",
			Kind:        gronka.KindVideo,
		})
		require.NoError(t, err)

		entry, err := repo.GetLedgerEntry(ctx, gronka.HashSourceURL(testURL, gronka.TransformSpec{}))
		require.NoError(t, err)
		assert.Equal(t, "def456", entry.ContentHash)
	})
}
