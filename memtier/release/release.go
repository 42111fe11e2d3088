// Package release implements the memory tier's controlled release of
// evicted values, generalizing recycle.Pool's reference-counted Data/
// DataReader release from the teacher into a generic executor abstraction
// that can run a value's final teardown synchronously, on a background
// worker, or on a designated "main" thread.
package release

import "sync"

// Releaser is implemented by values that hold resources needing explicit
// teardown on eviction. Values that don't implement it are simply dropped.
type Releaser interface {
	Release()
}

// Executor disposes of evicted values. Sync runs the release on the caller
// of Submit; Async and MainThread hand it to a worker goroutine.
type Executor interface {
	// Submit releases v, synchronously or asynchronously depending on the
	// implementation.
	Submit(v interface{})
	// Close waits for any outstanding asynchronous work to finish. It is
	// optional for callers: production code is not required to call it
	// before process exit, but tests use it to make release deterministic.
	Close()
}

func release(v interface{}) {
	if r, ok := v.(Releaser); ok {
		r.Release()
	}
}

// Sync releases values on the calling goroutine. It is the executor used
// when both ReleaseOnMainThread and ReleaseAsynchronously are false.
type Sync struct{}

func (Sync) Submit(v interface{}) { release(v) }
func (Sync) Close()               {}

// Async hands values to a bounded channel drained by a single worker
// goroutine, so Remove/Trim return without paying destructor cost. If the
// channel is full, Submit releases synchronously instead of blocking the
// caller, preserving progress per the "if the worker is full, drop
// synchronously" guidance.
type Async struct {
	queue chan interface{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewAsync starts a worker goroutine draining a channel of the given
// capacity.
func NewAsync(capacity int) *Async {
	if capacity <= 0 {
		capacity = 1
	}
	a := &Async{queue: make(chan interface{}, capacity)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for v := range a.queue {
		release(v)
	}
}

func (a *Async) Submit(v interface{}) {
	select {
	case a.queue <- v:
	default:
		release(v)
	}
}

// Close stops accepting new work and waits for the worker to drain the
// queue. Submit must not be called concurrently with Close.
func (a *Async) Close() {
	a.once.Do(func() { close(a.queue) })
	a.wg.Wait()
}

// MainThread submits release work to a single dedicated goroutine standing
// in for "the main/UI thread" that some embedders require destructors run
// on. A real UI embedding replaces this with an Executor that marshals onto
// its own main loop (e.g. a runtime.LockOSThread'd goroutine, or a GUI
// framework's "run on UI thread" primitive); this implementation only
// guarantees single-goroutine, in-order execution.
type MainThread struct {
	queue chan interface{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewMainThread() *MainThread {
	m := &MainThread{queue: make(chan interface{}, 64)}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *MainThread) run() {
	defer m.wg.Done()
	for v := range m.queue {
		release(v)
	}
}

// Submit blocks until the value has been handed to the main-thread queue.
// Unlike Async, it does not drop on backpressure: correctness for values
// that must be released on a specific thread outweighs caller latency here.
func (m *MainThread) Submit(v interface{}) { m.queue <- v }

func (m *MainThread) Close() {
	m.once.Do(func() { close(m.queue) })
	m.wg.Wait()
}
