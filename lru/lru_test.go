package lru_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ibireme/go-yycache/lru"
)

var _ = Describe("List", func() {
	var l *lru.List

	BeforeEach(func() {
		l = lru.New()
	})

	It("starts empty", func() {
		Expect(l.Len()).To(Equal(0))
		Expect(l.Front()).To(BeNil())
		Expect(l.Back()).To(BeNil())
	})

	It("push front puts most recent at front, oldest at back", func() {
		a := l.PushFront("a", 1, 1, 0)
		b := l.PushFront("b", 2, 1, 0)
		Expect(l.Len()).To(Equal(2))
		Expect(l.Front()).To(BeIdenticalTo(b))
		Expect(l.Back()).To(BeIdenticalTo(a))
	})

	It("move to front reorders without changing length", func() {
		a := l.PushFront("a", 1, 1, 0)
		b := l.PushFront("b", 2, 1, 0)
		l.MoveToFront(a)
		Expect(l.Len()).To(Equal(2))
		Expect(l.Front()).To(BeIdenticalTo(a))
		Expect(l.Back()).To(BeIdenticalTo(b))
	})

	It("move to front of already-front node is a no-op", func() {
		a := l.PushFront("a", 1, 1, 0)
		l.PushFront("b", 2, 1, 0)
		l.MoveToFront(l.Front())
		Expect(l.Front()).NotTo(BeIdenticalTo(a))
	})

	It("remove detaches an arbitrary node", func() {
		a := l.PushFront("a", 1, 1, 0)
		b := l.PushFront("b", 2, 1, 0)
		c := l.PushFront("c", 3, 1, 0)
		l.Remove(b)
		Expect(l.Len()).To(Equal(2))
		Expect(l.Front()).To(BeIdenticalTo(c))
		Expect(l.Back()).To(BeIdenticalTo(a))
	})

	It("pop back evicts the least-recently-used node", func() {
		l.PushFront("a", 1, 1, 0)
		l.PushFront("b", 2, 1, 0)
		popped := l.PopBack()
		Expect(popped.Key).To(Equal("a"))
		Expect(l.Len()).To(Equal(1))
	})

	It("pop back on empty list returns nil", func() {
		Expect(l.PopBack()).To(BeNil())
	})

	It("do visits nodes front to back", func() {
		l.PushFront("a", 1, 1, 0)
		l.PushFront("b", 2, 1, 0)
		l.PushFront("c", 3, 1, 0)
		var keys []string
		l.Do(func(n *lru.Node) { keys = append(keys, n.Key) })
		Expect(keys).To(Equal([]string{"c", "b", "a"}))
	})

	It("tracks cost and access time on each node", func() {
		n := l.PushFront("a", "value", 42, 100)
		Expect(n.Value).To(Equal("value"))
		Expect(n.Cost).To(Equal(int64(42)))
		Expect(n.AccessNanos).To(Equal(int64(100)))
	})
})
