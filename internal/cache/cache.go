// Package cache memoizes serialized query results in a named region shared
// by co-located node processes. There is no active eviction: entries expire
// lazily on read, and the only enforced bound is the region's byte capacity.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Cache is a keyed, TTL-bounded store of serialized query results. When the
// backing region file is unavailable it degrades to a process-local map with
// identical semantics; callers cannot tell the difference.
type Cache struct {
	name     string
	capacity int64
	logger   *zap.Logger

	mu    sync.Mutex
	file  *os.File          // nil in process-local mode
	local map[string]record // authoritative in process-local mode

	clock func() int64 // monotonic millis
}

// Option adjusts cache construction.
type Option func(*options)

type options struct {
	dir       string
	clock     func() int64
	inProcess bool
}

// WithDir overrides the directory the region file lives in (default TMPDIR).
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithClock overrides the millisecond clock used for freshness checks.
func WithClock(clock func() int64) Option {
	return func(o *options) { o.clock = clock }
}

// InProcess forces the process-local fallback even when a region could be
// created.
func InProcess() Option {
	return func(o *options) { o.inProcess = true }
}

// New opens (or creates) the named cache region. Region failures are logged
// and downgrade the cache to process-local mode; New never fails.
func New(name string, capacity int64, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dir == "" {
		o.dir = os.TempDir()
	}
	if o.clock == nil {
		o.clock = monotonicMillis()
	}

	c := &Cache{
		name:     name,
		capacity: capacity,
		logger:   logger,
		local:    make(map[string]record),
		clock:    o.clock,
	}

	if o.inProcess {
		return c
	}

	path := filepath.Join(o.dir, fmt.Sprintf("crashnet_%s.cache", name))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		logger.Warn("Cache region unavailable, using process-local cache",
			zap.String("name", name),
			zap.Error(err))
		return c
	}
	c.file = file
	return c
}

// monotonicMillis returns a millisecond clock anchored once at startup;
// deltas come from the runtime's monotonic reading, so wall-clock changes
// cannot invalidate or resurrect entries.
func monotonicMillis() func() int64 {
	base := time.Now()
	baseMillis := base.UnixMilli()
	return func() int64 {
		return baseMillis + time.Since(base).Milliseconds()
	}
}

// Get returns the payload stored under key iff the entry is fresh. An
// expired entry is a miss and is dropped from the image.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, release, err := c.load()
	if err != nil {
		c.logger.Error("Cache read failed", zap.String("name", c.name), zap.Error(err))
		return nil, false
	}
	defer release()

	rec, ok := entries[key]
	if !ok {
		return nil, false
	}
	if rec.ttlMillis > 0 && c.clock()-rec.insertedAt > int64(rec.ttlMillis) {
		delete(entries, key)
		if err := c.store(entries); err != nil {
			c.logger.Warn("Failed to drop expired cache entry",
				zap.String("name", c.name),
				zap.String("key", key),
				zap.Error(err))
		}
		return nil, false
	}
	return rec.payload, true
}

// Put overwrites any prior entry under key. A ttl of zero means no expiry.
// When the resulting image would exceed the region capacity the put fails
// and the previous image is preserved.
func (c *Cache) Put(key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, release, err := c.load()
	if err != nil {
		return fmt.Errorf("cache read failed: %w", err)
	}
	defer release()

	entries[key] = record{
		payload:    payload,
		insertedAt: c.clock(),
		ttlMillis:  int32(ttl / time.Millisecond),
	}

	if err := c.store(entries); err != nil {
		c.logger.Error("Cache write failed",
			zap.String("name", c.name),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	return nil
}

// Remove drops the entry stored under key.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, release, err := c.load()
	if err != nil {
		return false
	}
	defer release()

	if _, ok := entries[key]; !ok {
		return false
	}
	delete(entries, key)
	if err := c.store(entries); err != nil {
		c.logger.Error("Cache write failed", zap.String("name", c.name), zap.Error(err))
		return false
	}
	return true
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, release, err := c.load()
	if err != nil {
		return
	}
	defer release()

	for key := range entries {
		delete(entries, key)
	}
	if err := c.store(entries); err != nil {
		c.logger.Error("Cache clear failed", zap.String("name", c.name), zap.Error(err))
	}
}

// Close releases the region file. The on-disk image stays intact for other
// processes sharing the region.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// load returns the current entry map and a release func that must be called
// once the caller is done mutating/reading it. In region mode the region
// lock is held until release; in process-local mode the map is the local one.
func (c *Cache) load() (map[string]record, func(), error) {
	if c.file == nil {
		return c.snapshotLocal(), func() {}, nil
	}

	fd := int(c.file.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX); err != nil {
		// Region lock unavailable: degrade permanently to process-local mode.
		c.logger.Warn("Cache region lock unavailable, degrading to process-local cache",
			zap.String("name", c.name),
			zap.Error(err))
		c.file.Close()
		c.file = nil
		return c.snapshotLocal(), func() {}, nil
	}
	release := func() { syscall.Flock(fd, syscall.LOCK_UN) }

	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		release()
		return nil, nil, err
	}
	buf, err := io.ReadAll(c.file)
	if err != nil {
		release()
		return nil, nil, err
	}
	return decodeImage(buf), release, nil
}

// snapshotLocal copies the process-local map so a failed write cannot
// mutate the authoritative image.
func (c *Cache) snapshotLocal() map[string]record {
	entries := make(map[string]record, len(c.local))
	for key, rec := range c.local {
		entries[key] = rec
	}
	return entries
}

// store writes the whole image back. Callers still hold the region lock.
func (c *Cache) store(entries map[string]record) error {
	buf := encodeImage(entries)
	if int64(len(buf)) > c.capacity {
		return fmt.Errorf("cache image of %d bytes exceeds region capacity %d", len(buf), c.capacity)
	}

	if c.file == nil {
		c.local = entries
		return nil
	}
	if err := c.file.Truncate(0); err != nil {
		return err
	}
	if _, err := c.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return nil
}
