// ABOUTME: Tests for the content-addressed file cache
// ABOUTME: Covers dedup under concurrency, reference counting, sweep grace periods, and write failures

package filecache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-postbox/internal/ident"
	"github.com/2389/coven-postbox/internal/store"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func eachBackend(t *testing.T, fn func(t *testing.T, b store.Backend)) {
	t.Run("memory", func(t *testing.T) {
		b := store.NewMemoryStore()
		t.Cleanup(func() { b.Close() })
		fn(t, b)
	})
	t.Run("sqlite", func(t *testing.T) {
		b, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		fn(t, b)
	})
}

func TestCache_PutDeduplicates(t *testing.T) {
	eachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		c := New(b)

		d1, err := c.Put(ctx, "a.txt", []byte("hello"))
		require.NoError(t, err)
		d2, err := c.Put(ctx, "b.txt", []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, d1, d2)
		assert.Equal(t, ident.Sum([]byte("hello")), d1)

		f, ok, err := c.Get(ctx, d1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), f.RefCount)
		assert.Equal(t, "a.txt", f.Name, "first put names the entry")
		assert.Equal(t, int64(5), f.Size)
		assert.Equal(t, []byte("hello"), f.Data)
	})
}

func TestCache_ConcurrentPutsCreateOneEntry(t *testing.T) {
	eachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		c := New(b)
		const callers = 16

		var g errgroup.Group
		for i := range callers {
			g.Go(func() error {
				_, err := c.Put(ctx, fmt.Sprintf("copy-%d", i), []byte("same bytes"))
				return err
			})
		}
		require.NoError(t, g.Wait())

		f, ok, err := c.Get(ctx, ident.Sum([]byte("same bytes")))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(callers), f.RefCount)
	})
}

// The reference count always equals puts plus attaches minus detaches.
func TestCache_RefCountArithmetic(t *testing.T) {
	eachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		c := New(b)
		data := []byte("counted")

		ops := []string{"put", "put", "attach", "detach", "put", "detach", "detach", "attach"}
		var digest ident.Digest
		want := int64(0)
		for _, op := range ops {
			var err error
			switch op {
			case "put":
				digest, err = c.Put(ctx, "c", data)
				want++
			case "attach":
				err = c.Attach(ctx, digest)
				want++
			case "detach":
				err = c.Detach(ctx, digest)
				want--
			}
			require.NoError(t, err, op)

			f, ok, err := c.Get(ctx, digest)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, f.RefCount, "after %s", op)
		}
	})
}

func TestCache_DetachErrors(t *testing.T) {
	eachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		c := New(b)

		unknown := ident.Sum([]byte("never stored"))
		assert.ErrorIs(t, c.Attach(ctx, unknown), ErrUnknownDigest)
		assert.ErrorIs(t, c.Detach(ctx, unknown), ErrUnknownDigest)

		d, err := c.Put(ctx, "x", []byte("x"))
		require.NoError(t, err)
		require.NoError(t, c.Detach(ctx, d))
		assert.ErrorIs(t, c.Detach(ctx, d), ErrNotReferenced)

		f, ok, err := c.Get(ctx, d)
		require.NoError(t, err)
		require.True(t, ok, "detach to zero does not delete")
		assert.Equal(t, int64(0), f.RefCount)
	})
}

func TestCache_SweepHonoursGracePeriod(t *testing.T) {
	eachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		clock := newFakeClock()
		c := New(b, WithGracePeriod(time.Minute), WithClock(clock.Now))

		stale, err := c.Put(ctx, "stale", []byte("stale"))
		require.NoError(t, err)
		live, err := c.Put(ctx, "live", []byte("live"))
		require.NoError(t, err)
		recent, err := c.Put(ctx, "recent", []byte("recent"))
		require.NoError(t, err)

		require.NoError(t, c.Detach(ctx, stale))
		clock.Advance(45 * time.Second)
		require.NoError(t, c.Detach(ctx, recent))
		clock.Advance(30 * time.Second)

		n, err := c.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, ok, err := c.Get(ctx, stale)
		require.NoError(t, err)
		assert.False(t, ok, "evicted entries are absent, not errors")

		for _, d := range []ident.Digest{live, recent} {
			_, ok, err := c.Get(ctx, d)
			require.NoError(t, err)
			assert.True(t, ok)
		}
	})
}

func TestCache_ReattachCancelsEviction(t *testing.T) {
	eachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		clock := newFakeClock()
		c := New(b, WithGracePeriod(time.Minute), WithClock(clock.Now))

		d, err := c.Put(ctx, "flap", []byte("flap"))
		require.NoError(t, err)
		require.NoError(t, c.Detach(ctx, d))
		require.NoError(t, c.Attach(ctx, d))
		clock.Advance(time.Hour)

		n, err := c.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

// Two editors attaching the same "hello" file share one entry.
func TestCache_TwoEditorsShareHello(t *testing.T) {
	eachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		c := New(b)

		d1, err := c.Put(ctx, "one.txt", []byte("hello"))
		require.NoError(t, err)
		d2, err := c.Put(ctx, "two.txt", []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, d1, d2)

		f, _, err := c.Get(ctx, d1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.RefCount)

		require.NoError(t, c.Detach(ctx, d1))
		f, ok, err := c.Get(ctx, d1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), f.RefCount)
	})
}

// failingBackend wraps a backend so that PutFile reports a medium failure.
type failingBackend struct {
	store.Backend
}

type failingTx struct {
	store.Tx
}

func (b failingBackend) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := b.Backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{tx}, nil
}

func (failingTx) PutFile(context.Context, *store.CachedFile) (int64, bool, error) {
	return 0, false, fmt.Errorf("writing blob: %w: disk full", store.ErrIO)
}

func TestCache_PutIOFailure(t *testing.T) {
	inner := store.NewMemoryStore()
	c := New(failingBackend{inner})

	_, err := c.Put(context.Background(), "big.bin", []byte("payload"))
	require.ErrorIs(t, err, store.ErrIO)

	_, ok, err := New(inner).Get(context.Background(), ident.Sum([]byte("payload")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ClosedBackend(t *testing.T) {
	b := store.NewMemoryStore()
	c := New(b)
	require.NoError(t, b.Close())

	_, err := c.Put(context.Background(), "x", []byte("x"))
	assert.ErrorIs(t, err, store.ErrUnavailable)
}
