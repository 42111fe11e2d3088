package release_test

import (
	"sync/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ibireme/go-yycache/memtier/release"
)

type counted struct{ n *int32 }

func (c counted) Release() { atomic.AddInt32(c.n, 1) }

var _ = Describe("Sync", func() {
	It("releases on the calling goroutine immediately", func() {
		var n int32
		release.Sync{}.Submit(counted{&n})
		Expect(atomic.LoadInt32(&n)).To(Equal(int32(1)))
	})

	It("ignores values without a Release method", func() {
		Expect(func() { release.Sync{}.Submit("plain value") }).NotTo(Panic())
	})
})

var _ = Describe("Async", func() {
	It("releases all submitted values by the time Close returns", func() {
		a := release.NewAsync(4)
		var n int32
		const count = 100
		for i := 0; i < count; i++ {
			a.Submit(counted{&n})
		}
		a.Close()
		Expect(atomic.LoadInt32(&n)).To(Equal(int32(count)))
	})

	It("drops synchronously instead of blocking when the queue is full", func() {
		a := release.NewAsync(1)
		var n int32
		done := make(chan struct{})
		go func() {
			for i := 0; i < 1000; i++ {
				a.Submit(counted{&n})
			}
			close(done)
		}()
		Eventually(done).Should(BeClosed())
		a.Close()
		Expect(atomic.LoadInt32(&n)).To(Equal(int32(1000)))
	})
})

var _ = Describe("MainThread", func() {
	It("releases every submitted value in order on a single goroutine", func() {
		m := release.NewMainThread()
		var n int32
		const count = 50
		for i := 0; i < count; i++ {
			m.Submit(counted{&n})
		}
		m.Close()
		Expect(atomic.LoadInt32(&n)).To(Equal(int32(count)))
	})
})
