// Package yycache is the two-tier facade: read-through/write-through
// composition of the memory tier (memtier) and the disk tier (diskstore),
// with synchronous and callback-style asynchronous APIs.
//
// Grounded on the teacher's server.go/logging_cache_view.go composition
// style (a thin type wrapping an inner cache plus extra behavior layered on
// top) and on original_source/YYCache.h's initWithName:/initWithPath: pair
// and removeAllObjectsWithProgressBlock:endBlock: API.
package yycache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ibireme/go-yycache/diskstore"
	"github.com/ibireme/go-yycache/memtier"
)

// ErrBackendUnavailable is the cause wrapped into the error returned by
// Open/OpenPath when the disk backend cannot be opened or its advisory
// lock cannot be acquired. Construction is the only point that fails hard
// (spec.md §7).
var ErrBackendUnavailable = errors.New("yycache: backend unavailable")

// Codec converts between caller values and the bytes stored on disk. The
// facade itself never interprets a value; it only routes it.
type Codec interface {
	Encode(value interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
}

// BytesCodec is the identity Codec for callers that already work in
// []byte, so Open doesn't require an encoder for the common case.
type BytesCodec struct{}

func (BytesCodec) Encode(value interface{}) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil, errors.Errorf("yycache: BytesCodec cannot encode %T, supply a Codec", value)
	}
	return b, nil
}

func (BytesCodec) Decode(data []byte) (interface{}, error) { return data, nil }

type options struct {
	memory     memtier.Config
	disk       diskstore.Config
	codec      Codec
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// Option configures a Cache at construction, per spec.md §6's option table.
type Option func(*options)

func WithCodec(c Codec) Option { return func(o *options) { o.codec = c } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

func WithMemoryCountLimit(n int64) Option { return func(o *options) { o.memory.CountLimit = n } }
func WithMemoryCostLimit(n int64) Option  { return func(o *options) { o.memory.CostLimit = n } }
func WithMemoryAgeLimit(d time.Duration) Option {
	return func(o *options) { o.memory.AgeLimit = d }
}
func WithMemoryAutoTrimInterval(d time.Duration) Option {
	return func(o *options) { o.memory.AutoTrimInterval = d }
}
func WithMemoryClearOnLowMemory(b bool) Option {
	return func(o *options) { o.memory.ClearOnLowMemory = &b }
}
func WithMemoryClearOnBackground(b bool) Option {
	return func(o *options) { o.memory.ClearOnBackground = &b }
}
func WithMemoryReleaseOnMainThread(b bool) Option {
	return func(o *options) { o.memory.ReleaseOnMainThread = b }
}
func WithMemoryReleaseAsynchronously(b bool) Option {
	return func(o *options) { o.memory.ReleaseAsynchronously = &b }
}

func WithDiskCountLimit(n int64) Option { return func(o *options) { o.disk.CountLimit = n } }
func WithDiskCostLimit(n int64) Option  { return func(o *options) { o.disk.CostLimit = n } }
func WithDiskAgeLimit(d time.Duration) Option {
	return func(o *options) { o.disk.AgeLimit = d }
}
func WithDiskFreeSpaceLimit(n int64) Option {
	return func(o *options) { o.disk.FreeDiskSpaceLimit = n }
}
func WithDiskAutoTrimInterval(d time.Duration) Option {
	return func(o *options) { o.disk.AutoTrimInterval = d }
}
func WithDiskInlineThreshold(n int64) Option {
	return func(o *options) { o.disk.InlineThreshold = n }
}
func WithDiskCoalesceAccessTime(b bool) Option {
	return func(o *options) { o.disk.CoalesceAccessTime = b }
}

// Cache is the two-tier, read-through/write-through facade.
type Cache struct {
	path  string
	mem   *memtier.Tier
	disk  *diskstore.Store
	codec Codec
	log   *zap.Logger
	lock  *os.File

	queue chan func()
	done  chan struct{}

	metrics *cacheMetrics
}

type cacheMetrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	promotions prometheus.Counter
	writes     prometheus.Counter
	removes    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, path string) *cacheMetrics {
	labels := prometheus.Labels{"cache": path}
	m := &cacheMetrics{
		hits:       prometheus.NewCounter(prometheus.CounterOpts{Name: "yycache_hits_total", Help: "Cache hits.", ConstLabels: labels}),
		misses:     prometheus.NewCounter(prometheus.CounterOpts{Name: "yycache_misses_total", Help: "Cache misses.", ConstLabels: labels}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{Name: "yycache_promotions_total", Help: "Disk-hit promotions into memory.", ConstLabels: labels}),
		writes:     prometheus.NewCounter(prometheus.CounterOpts{Name: "yycache_writes_total", Help: "Set calls.", ConstLabels: labels}),
		removes:    prometheus.NewCounter(prometheus.CounterOpts{Name: "yycache_removes_total", Help: "Remove calls.", ConstLabels: labels}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.promotions, m.writes, m.removes)
	}
	return m
}

// Open opens (creating if needed) a cache in the conventional per-application
// cache directory joined with name, per original_source/YYCache's
// initWithName: contract.
func Open(name string, opts ...Option) (*Cache, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
	}
	return OpenPath(filepath.Join(base, name), opts...)
}

// OpenPath opens (creating if needed) a cache rooted at an absolute path.
// Constructing two live instances over the same path is undefined behavior;
// an advisory LOCK file detects, but does not prevent, that case.
func OpenPath(path string, opts ...Option) (*Cache, error) {
	o := options{codec: BytesCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
	}

	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}

	o.memory.Logger = o.logger
	o.disk.Logger = o.logger

	mem := memtier.New(o.memory)
	disk, err := diskstore.Open(path, o.disk)
	if err != nil {
		mem.Close()
		lock.Close()
		return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
	}

	c := &Cache{
		path:    path,
		mem:     mem,
		disk:    disk,
		codec:   o.codec,
		log:     o.logger,
		lock:    lock,
		queue:   make(chan func(), 256),
		done:    make(chan struct{}),
		metrics: newMetrics(o.registerer, path),
	}
	go c.runWorker()
	return c, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(path, "LOCK"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrBackendUnavailable, "another live instance holds the lock at "+path)
	}
	return f, nil
}

func (c *Cache) runWorker() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.queue:
			fn()
		}
	}
}

// Close stops the async worker and both tiers, and releases the lock file.
func (c *Cache) Close() error {
	close(c.done)
	c.mem.Close()
	err := c.disk.Close()
	unix.Flock(int(c.lock.Fd()), unix.LOCK_UN)
	c.lock.Close()
	return err
}

// Contains reports whether key is present in either tier.
func (c *Cache) Contains(key string) bool {
	if c.mem.Contains(key) {
		return true
	}
	ok, err := c.disk.Contains(key)
	if err != nil {
		c.log.Warn("yycache: disk contains failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

// Get returns key's value. A memory hit returns immediately; a disk hit is
// decoded and promoted into memory before returning.
func (c *Cache) Get(key string) (interface{}, bool, error) {
	if v, ok := c.mem.Get(key); ok {
		c.metrics.hits.Inc()
		return v, true, nil
	}
	entry, ok, err := c.disk.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.metrics.misses.Inc()
		return nil, false, nil
	}
	v, err := c.codec.Decode(entry.Value)
	if err != nil {
		return nil, false, errors.Wrap(err, "yycache: decode")
	}
	c.mem.Set(key, v, int64(len(entry.Value)))
	c.metrics.hits.Inc()
	c.metrics.promotions.Inc()
	return v, true, nil
}

// Set writes value through to both tiers. value == nil is equivalent to
// Remove(key).
func (c *Cache) Set(key string, value interface{}, cost int64) error {
	if key == "" {
		return nil
	}
	if value == nil {
		return c.Remove(key)
	}
	encoded, err := c.codec.Encode(value)
	if err != nil {
		return errors.Wrap(err, "yycache: encode")
	}
	c.mem.Set(key, value, cost)
	if err := c.disk.Set(key, encoded, nil); err != nil {
		return err
	}
	c.metrics.writes.Inc()
	return nil
}

// Remove deletes key from both tiers.
func (c *Cache) Remove(key string) error {
	if key == "" {
		return nil
	}
	c.mem.Remove(key)
	c.metrics.removes.Inc()
	return c.disk.Remove(key)
}

// Clear empties both tiers.
func (c *Cache) Clear() error {
	c.mem.Clear()
	return c.disk.Clear(nil)
}

// ClearWithProgress empties both tiers, reporting progress over the disk
// tier's rows, per the supplemented removeAllObjectsWithProgressBlock:
// endBlock: feature. Runs on the background worker.
func (c *Cache) ClearWithProgress(progress func(removed, total int), end func(error)) {
	c.submit(func() {
		c.mem.Clear()
		err := c.disk.Clear(progress)
		if end != nil {
			end(err)
		}
	})
}

// TotalCount returns the number of entries across both tiers.
func (c *Cache) TotalCount() (int64, error) {
	diskCount, err := c.disk.TotalCount()
	if err != nil {
		return 0, err
	}
	return c.mem.TotalCount() + diskCount, nil
}

// TotalCost returns the sum of costs across both tiers.
func (c *Cache) TotalCost() (int64, error) {
	diskCost, err := c.disk.TotalCost()
	if err != nil {
		return 0, err
	}
	return c.mem.TotalCost() + diskCost, nil
}

// OnLowMemory forwards a host low-memory signal to the memory tier.
func (c *Cache) OnLowMemory() { c.mem.OnLowMemory() }

// OnBackground forwards a host backgrounding signal to the memory tier.
func (c *Cache) OnBackground() { c.mem.OnBackground() }

func (c *Cache) submit(fn func()) {
	select {
	case c.queue <- fn:
	default:
		fn()
	}
}

// ContainsAsync resolves key's presence on the background worker and
// invokes done with the result.
func (c *Cache) ContainsAsync(key string, done func(bool)) {
	c.submit(func() {
		ok := c.Contains(key)
		if done != nil {
			done(ok)
		}
	})
}

// GetAsync resolves key on the background worker and invokes done with the
// result. Callbacks for missing keys receive ok == false rather than a
// sentinel value.
func (c *Cache) GetAsync(key string, done func(interface{}, bool, error)) {
	c.submit(func() {
		v, ok, err := c.Get(key)
		if done != nil {
			done(v, ok, err)
		}
	})
}

// SetAsync writes value on the background worker and invokes done, if
// non-nil, when finished.
func (c *Cache) SetAsync(key string, value interface{}, cost int64, done func(error)) {
	c.submit(func() {
		err := c.Set(key, value, cost)
		if done != nil {
			done(err)
		}
	})
}

// RemoveAsync removes key on the background worker.
func (c *Cache) RemoveAsync(key string, done func(error)) {
	c.submit(func() {
		err := c.Remove(key)
		if done != nil {
			done(err)
		}
	})
}

// ClearAsync clears both tiers on the background worker.
func (c *Cache) ClearAsync(done func(error)) {
	c.submit(func() {
		err := c.Clear()
		if done != nil {
			done(err)
		}
	})
}
