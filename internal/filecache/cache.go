// ABOUTME: Content-addressed attachment cache with reference counting
// ABOUTME: Identical bytes share one entry; unreferenced entries are evicted by Sweep after a grace period

package filecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-postbox/internal/ident"
	"github.com/2389/coven-postbox/internal/metrics"
	"github.com/2389/coven-postbox/internal/store"
)

// DefaultGracePeriod is how long an unreferenced entry survives before Sweep may evict it.
const DefaultGracePeriod = 10 * time.Minute

// ErrUnknownDigest is returned when attaching or detaching a digest that is not cached
var ErrUnknownDigest = errors.New("unknown digest")

// ErrNotReferenced is returned when detaching an entry whose reference count is already zero
var ErrNotReferenced = errors.New("file not referenced")

// File is a cached attachment.
type File struct {
	Digest    ident.Digest
	Name      string
	Size      int64
	Data      []byte
	RefCount  int64
	CreatedAt time.Time
}

// Cache stores attachment bytes keyed by digest.
type Cache struct {
	backend store.Backend
	grace   time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithGracePeriod sets how long zero-reference entries are kept. Negative values are treated as zero.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Cache) { c.grace = max(d, 0) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a cache over backend.
func New(backend store.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		grace:   DefaultGracePeriod,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "filecache")
	return c
}

// GracePeriod returns the configured eviction grace period.
func (c *Cache) GracePeriod() time.Duration {
	return c.grace
}

// Put stores data under its digest with one reference, or adds a reference
// if the bytes are already cached. The insert-or-increment runs in one
// backend transaction, so concurrent puts of the same bytes create one entry.
// A backend write failure is returned wrapping store.ErrIO.
func (c *Cache) Put(ctx context.Context, name string, data []byte) (ident.Digest, error) {
	digest := ident.Sum(data)

	tx, err := c.backend.Begin(ctx)
	if err != nil {
		return ident.Digest{}, fmt.Errorf("caching %q: %w", name, err)
	}
	defer tx.Rollback()

	refs, created, err := tx.PutFile(ctx, &store.CachedFile{
		Digest:    digest,
		Name:      name,
		Size:      int64(len(data)),
		Data:      data,
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		return ident.Digest{}, fmt.Errorf("caching %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return ident.Digest{}, fmt.Errorf("caching %q: %w", name, err)
	}

	c.metrics.FilePut(created)
	c.logger.Debug("file cached",
		"digest", digest.String(),
		"name", name,
		"size", len(data),
		"created", created,
		"ref_count", refs)
	return digest, nil
}

// Attach adds a reference to a cached entry.
func (c *Cache) Attach(ctx context.Context, digest ident.Digest) error {
	return c.adjust(ctx, digest, 1)
}

// Detach removes a reference. Reaching zero marks the entry for eviction
// but does not delete it.
func (c *Cache) Detach(ctx context.Context, digest ident.Digest) error {
	return c.adjust(ctx, digest, -1)
}

func (c *Cache) adjust(ctx context.Context, digest ident.Digest, delta int64) error {
	tx, err := c.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("adjusting references of %s: %w", digest, err)
	}
	defer tx.Rollback()

	refs, err := AdjustRefs(ctx, tx, digest, delta, c.now())
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("adjusting references of %s: %w", digest, err)
	}

	c.logger.Debug("file references adjusted", "digest", digest.String(), "delta", delta, "ref_count", refs)
	return nil
}

// AdjustRefs changes an entry's reference count inside an open transaction.
// Other components use it to keep reference changes atomic with their own writes.
func AdjustRefs(ctx context.Context, tx store.Tx, digest ident.Digest, delta int64, now time.Time) (int64, error) {
	f, err := tx.GetFile(ctx, digest)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDigest, digest)
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", digest, err)
	}
	if f.RefCount+delta < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotReferenced, digest)
	}
	refs, err := tx.AdjustFileRefs(ctx, digest, delta, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("adjusting references of %s: %w", digest, err)
	}
	return refs, nil
}

// Get returns the cached entry for digest. The bool is false when the entry
// does not exist, including after eviction.
func (c *Cache) Get(ctx context.Context, digest ident.Digest) (*File, bool, error) {
	tx, err := c.backend.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", digest, err)
	}
	defer tx.Rollback()

	r, err := tx.GetFile(ctx, digest)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", digest, err)
	}
	return &File{
		Digest:    r.Digest,
		Name:      r.Name,
		Size:      r.Size,
		Data:      r.Data,
		RefCount:  r.RefCount,
		CreatedAt: r.CreatedAt,
	}, true, tx.Commit()
}

// Sweep deletes every unreferenced entry that has been at zero for longer
// than the grace period and returns how many were deleted.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	cutoff := c.now().UTC().Add(-c.grace)

	tx, err := c.backend.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeping file cache: %w", err)
	}
	defer tx.Rollback()

	n, err := tx.RemoveStaleFiles(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping file cache: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweeping file cache: %w", err)
	}

	c.metrics.FilesEvicted(n)
	c.logger.Info("file cache swept", "evicted", n, "cutoff", cutoff)
	return n, nil
}
