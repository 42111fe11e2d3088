// Package memtier implements the in-process memory tier: a concurrent,
// cost-bounded, age-bounded LRU with deterministic eviction, a background
// trimming loop, host pressure hooks, and controlled release of evicted
// values.
//
// It is generalized from the teacher's segmented HOT/WARM/COLD cache
// (cache/cache.go) down to the single LRU list spec.md names, keeping the
// fake-head/fake-tail list technique and the lock-then-trim shape.
package memtier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ibireme/go-yycache/lru"
	"github.com/ibireme/go-yycache/memtier/release"
)

// Clock abstracts time for deterministic age-trim tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures a Tier. The zero Config means every limit is unlimited
// and AutoTrimInterval defaults to 5s, matching spec.md §4.B/§6.
type Config struct {
	CountLimit int64         // 0 = unlimited
	CostLimit  int64         // 0 = unlimited
	AgeLimit   time.Duration // 0 = unlimited

	AutoTrimInterval time.Duration // default 5s

	ClearOnLowMemory      *bool // default true
	ClearOnBackground     *bool // default true
	ReleaseOnMainThread   bool  // default false
	ReleaseAsynchronously *bool // default true

	Logger *zap.Logger
	Clock  Clock

	// OnLowMemoryCleared and OnBackgroundCleared are invoked after Clear()
	// completes in response to OnLowMemory()/OnBackground(). They receive
	// the tier and must not call back into it from that goroutine (spec
	// §4.B "documented restriction").
	OnLowMemoryCleared  func(*Tier)
	OnBackgroundCleared func(*Tier)
}

func boolDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Tier is a concurrent, cost/count/age bounded LRU cache.
type Tier struct {
	mu    sync.Mutex
	list  *lru.List
	table map[string]*lru.Node
	cost  int64

	countLimit int64
	costLimit  int64
	ageLimit   time.Duration

	clock Clock
	log   *zap.Logger
	exec  release.Executor

	clearOnLowMemory  bool
	clearOnBackground bool
	onLowMemory       func(*Tier)
	onBackground      func(*Tier)

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Tier and starts its background trimmer.
func New(conf Config) *Tier {
	interval := conf.AutoTrimInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	clock := conf.Clock
	if clock == nil {
		clock = realClock{}
	}
	log := conf.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// release_on_main_thread, when true, takes priority over
	// release_asynchronously (spec.md §4.B).
	var exec release.Executor
	switch {
	case conf.ReleaseOnMainThread:
		exec = release.NewMainThread()
	case boolDefault(conf.ReleaseAsynchronously, true):
		exec = release.NewAsync(1024)
	default:
		exec = release.Sync{}
	}

	t := &Tier{
		list:              lru.New(),
		table:             make(map[string]*lru.Node),
		countLimit:        conf.CountLimit,
		costLimit:         conf.CostLimit,
		ageLimit:          conf.AgeLimit,
		clock:             clock,
		log:               log,
		exec:              exec,
		clearOnLowMemory:  boolDefault(conf.ClearOnLowMemory, true),
		clearOnBackground: boolDefault(conf.ClearOnBackground, true),
		onLowMemory:       conf.OnLowMemoryCleared,
		onBackground:      conf.OnBackgroundCleared,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	t.group = g
	g.Go(func() error {
		t.runTrimmer(ctx, interval)
		return nil
	})
	return t
}

// Close stops the background trimmer and waits for any release executor
// work still outstanding. Production callers are not required to call
// Close before process exit; tests use it to make eviction deterministic.
func (t *Tier) Close() {
	t.cancel()
	t.group.Wait()
	t.exec.Close()
}

func (t *Tier) runTrimmer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			evicted := t.trimLocked(t.costLimit, t.countLimit, t.ageLimit)
			t.mu.Unlock()
			t.submitAll(evicted)
		}
	}
}

// Contains reports whether key is present, without affecting LRU order.
func (t *Tier) Contains(key string) bool {
	if key == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.table[key]
	return ok
}

// Get returns the value for key, moving it to the front of the LRU list and
// refreshing its access time, or (nil, false) on miss.
func (t *Tier) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.table[key]
	if !ok {
		return nil, false
	}
	n.AccessNanos = t.clock.Now().UnixNano()
	t.list.MoveToFront(n)
	return n.Value, true
}

// Set inserts or replaces key's value with the given cost. value == nil is
// equivalent to Remove(key).
func (t *Tier) Set(key string, value interface{}, cost int64) {
	if key == "" {
		return
	}
	if value == nil {
		t.Remove(key)
		return
	}
	t.mu.Lock()
	var replaced interface{}
	hadReplaced := false
	if n, ok := t.table[key]; ok {
		t.cost -= n.Cost
		t.list.Remove(n)
		delete(t.table, key)
		replaced, hadReplaced = n.Value, true
	}
	now := t.clock.Now().UnixNano()
	n := t.list.PushFront(key, value, cost, now)
	t.table[key] = n
	t.cost += cost
	evicted := t.trimLocked(t.costLimit, t.countLimit, t.ageLimit)
	t.mu.Unlock()
	if hadReplaced {
		t.exec.Submit(replaced)
	}
	t.submitAll(evicted)
}

// Remove deletes key, if present, releasing its value via the configured
// executor once the lock is dropped.
func (t *Tier) Remove(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	n, ok := t.table[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.cost -= n.Cost
	t.list.Remove(n)
	delete(t.table, key)
	t.mu.Unlock()
	t.exec.Submit(n.Value)
	t.log.Debug("removed", zap.String("key", key))
}

// Clear empties the tier, releasing every value.
func (t *Tier) Clear() {
	t.mu.Lock()
	values := t.clearLocked()
	t.mu.Unlock()
	t.submitAll(values)
}

// clearLocked empties the tier and returns the evicted values for the
// caller to submit for release once the lock is dropped.
func (t *Tier) clearLocked() []interface{} {
	var values []interface{}
	t.list.Do(func(n *lru.Node) { values = append(values, n.Value) })
	t.list = lru.New()
	t.table = make(map[string]*lru.Node)
	t.cost = 0
	return values
}

// TotalCount returns the number of live entries.
func (t *Tier) TotalCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.list.Len())
}

// TotalCost returns the sum of live entries' costs.
func (t *Tier) TotalCost() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cost
}

// TrimToCount evicts tail nodes until at most n remain. Unlike the
// config-driven trim path, where a limit of 0 means "unlimited, don't
// trim", an explicit TrimToCount(0) means exactly that: evict everything.
func (t *Tier) TrimToCount(n int64) {
	if n == 0 {
		t.Clear()
		return
	}
	t.mu.Lock()
	evicted := t.trimToCountLocked(n)
	t.mu.Unlock()
	t.submitAll(evicted)
}

// TrimToCost evicts tail nodes until total cost is at most c. As with
// TrimToCount, an explicit TrimToCost(0) evicts everything rather than
// being treated as "unlimited".
func (t *Tier) TrimToCost(c int64) {
	if c == 0 {
		t.Clear()
		return
	}
	t.mu.Lock()
	evicted := t.trimToCostLocked(c)
	t.mu.Unlock()
	t.submitAll(evicted)
}

// TrimToAge evicts tail nodes whose (now - accessTime) exceeds age. Because
// access time increases toward the head, this stops at the first node still
// within budget. age <= 0 is a no-op (there is no "unlimited" reading for a
// duration the way 0 reads as "unlimited count/cost"; call Clear directly to
// evict everything).
func (t *Tier) TrimToAge(age time.Duration) {
	t.mu.Lock()
	evicted := t.trimToAgeLocked(age)
	t.mu.Unlock()
	t.submitAll(evicted)
}

// trimLocked runs cost -> count -> age eviction while t.mu is held and
// returns every evicted value. Callers must submit the result for release
// only after dropping the lock.
func (t *Tier) trimLocked(cost, count int64, age time.Duration) []interface{} {
	var evicted []interface{}
	evicted = append(evicted, t.trimToCostLocked(cost)...)
	evicted = append(evicted, t.trimToCountLocked(count)...)
	evicted = append(evicted, t.trimToAgeLocked(age)...)
	return evicted
}

func (t *Tier) trimToCostLocked(c int64) []interface{} {
	if c <= 0 {
		return nil
	}
	var evicted []interface{}
	for t.cost > c {
		n := t.list.PopBack()
		if n == nil {
			break
		}
		t.cost -= n.Cost
		delete(t.table, n.Key)
		evicted = append(evicted, n.Value)
	}
	return evicted
}

func (t *Tier) trimToCountLocked(limit int64) []interface{} {
	if limit <= 0 {
		return nil
	}
	var evicted []interface{}
	for int64(t.list.Len()) > limit {
		n := t.list.PopBack()
		if n == nil {
			break
		}
		t.cost -= n.Cost
		delete(t.table, n.Key)
		evicted = append(evicted, n.Value)
	}
	return evicted
}

func (t *Tier) trimToAgeLocked(age time.Duration) []interface{} {
	if age <= 0 {
		return nil
	}
	now := t.clock.Now().UnixNano()
	limitNanos := age.Nanoseconds()
	var evicted []interface{}
	for {
		n := t.list.Back()
		if n == nil {
			break
		}
		if now-n.AccessNanos <= limitNanos {
			break
		}
		t.list.Remove(n)
		t.cost -= n.Cost
		delete(t.table, n.Key)
		evicted = append(evicted, n.Value)
	}
	return evicted
}

func (t *Tier) submitAll(values []interface{}) {
	for _, v := range values {
		t.exec.Submit(v)
	}
}

// OnLowMemory clears the tier in response to a host low-memory signal, then
// invokes the configured callback, if any. The callback must not call back
// into the tier from the goroutine it runs on.
func (t *Tier) OnLowMemory() {
	if !t.clearOnLowMemory {
		return
	}
	t.log.Info("clearing on low memory signal")
	t.Clear()
	if t.onLowMemory != nil {
		t.onLowMemory(t)
	}
}

// OnBackground clears the tier in response to a host backgrounding signal,
// then invokes the configured callback, if any.
func (t *Tier) OnBackground() {
	if !t.clearOnBackground {
		return
	}
	t.log.Info("clearing on background signal")
	t.Clear()
	if t.onBackground != nil {
		t.onBackground(t)
	}
}
