package integration

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rcrowley/go-metrics"

	"github.com/ibireme/go-yycache/yycache"
)

// This is the Go port of spec scenario 6: 8 threads each perform 10000
// mixed set/get/remove operations on disjoint key ranges, then the test
// checks that every key's final liveness (as tracked independently by its
// owning goroutine) matches what the cache reports, and that the whole run
// completes within a 10 second wall budget.
//
// Each worker owns its key range exclusively, so there is no cross-worker
// race on any individual key's liveness bookkeeping; the cache's own
// locking is what's under test.
var _ = Describe("Concurrent mixed workload", func() {
	It("has no deadlock and agrees with every worker's view of its own keys", func() {
		const (
			workers       = 8
			opsPerWorker  = 10000
			keysPerWorker = 64
			wallBudget    = 10 * time.Second
		)

		dir, err := os.MkdirTemp("", "integration-test")
		Expect(err).NotTo(HaveOccurred())
		cache, err := yycache.OpenPath(dir)
		Expect(err).NotTo(HaveOccurred())
		defer cache.Close()

		registry := metrics.NewRegistry()
		setTimer := metrics.NewRegisteredTimer("set", registry)
		getTimer := metrics.NewRegisteredTimer("get", registry)
		removeTimer := metrics.NewRegisteredTimer("remove", registry)
		hitCounter := metrics.NewRegisteredCounter("hits", registry)
		missCounter := metrics.NewRegisteredCounter("misses", registry)

		liveByWorker := make([][]bool, workers)
		for i := range liveByWorker {
			liveByWorker[i] = make([]bool, keysPerWorker)
		}

		keyFor := func(worker, idx int) string {
			return fmt.Sprintf("w%d-k%d", worker, idx)
		}

		var wg sync.WaitGroup
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			w := w
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				src := rand.New(rand.NewSource(int64(w) + 1))
				for op := 0; op < opsPerWorker; op++ {
					idx := src.Intn(keysPerWorker)
					key := keyFor(w, idx)
					switch src.Intn(3) {
					case 0:
						start := time.Now()
						err := cache.Set(key, []byte("v"), 1)
						setTimer.UpdateSince(start)
						Expect(err).NotTo(HaveOccurred())
						liveByWorker[w][idx] = true
					case 1:
						start := time.Now()
						_, ok, err := cache.Get(key)
						getTimer.UpdateSince(start)
						Expect(err).NotTo(HaveOccurred())
						if ok {
							hitCounter.Inc(1)
						} else {
							missCounter.Inc(1)
						}
					case 2:
						start := time.Now()
						err := cache.Remove(key)
						removeTimer.UpdateSince(start)
						Expect(err).NotTo(HaveOccurred())
						liveByWorker[w][idx] = false
					}
				}
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(wallBudget):
			Fail("workers did not finish within the wall budget, possible deadlock")
		}

		for w := 0; w < workers; w++ {
			for idx := 0; idx < keysPerWorker; idx++ {
				key := keyFor(w, idx)
				Expect(cache.Contains(key)).To(Equal(liveByWorker[w][idx]), "key %s", key)
			}
		}

		By(fmt.Sprintf("set p99=%s get p99=%s remove p99=%s hits=%d misses=%d",
			time.Duration(setTimer.Percentile(0.99)),
			time.Duration(getTimer.Percentile(0.99)),
			time.Duration(removeTimer.Percentile(0.99)),
			hitCounter.Count(), missCounter.Count()))
	})
})
