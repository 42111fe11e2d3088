package yycache_test

import (
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/ibireme/go-yycache/yycache"
)

type stringCodec struct{}

func (stringCodec) Encode(value interface{}) ([]byte, error) {
	return []byte(value.(string)), nil
}

func (stringCodec) Decode(data []byte) (interface{}, error) {
	return string(data), nil
}

// mockDone mocks the async API's completion callback shape, grounded on the
// teacher's MockCallback (cache/mock_callback_test.go).
type mockDone struct {
	mock.Mock
}

func (m *mockDone) Set(err error) {
	m.Called(err)
}

var _ = Describe("Cache", func() {
	var (
		dir string
		c   *yycache.Cache
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "yycache-test")
		Expect(err).NotTo(HaveOccurred())
		c, err = yycache.OpenPath(dir, yycache.WithCodec(stringCodec{}))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		c.Close()
	})

	It("misses on an absent key", func() {
		_, ok, err := c.Get("missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("round-trips through the memory tier", func() {
		Expect(c.Set("a", "hello", 5)).To(Succeed())
		v, ok, err := c.Get("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("hello"))
		Expect(c.Contains("a")).To(BeTrue())
	})

	It("writes through to disk so the value survives a process restart", func() {
		Expect(c.Set("a", "hello", 5)).To(Succeed())
		Expect(c.Close()).To(Succeed())

		reopened, err := yycache.OpenPath(dir, yycache.WithCodec(stringCodec{}))
		Expect(err).NotTo(HaveOccurred())

		v, ok, err := reopened.Get("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("hello"))

		// Get promotes the disk hit into memory.
		Expect(reopened.Contains("a")).To(BeTrue())

		// Release the second handle's lock, then re-open the original handle
		// so AfterEach's Close doesn't double-close.
		Expect(reopened.Close()).To(Succeed())
		c, err = yycache.OpenPath(dir, yycache.WithCodec(stringCodec{}))
		Expect(err).NotTo(HaveOccurred())
	})

	It("set with nil value is equivalent to remove", func() {
		Expect(c.Set("a", "hello", 5)).To(Succeed())
		Expect(c.Set("a", nil, 0)).To(Succeed())
		Expect(c.Contains("a")).To(BeFalse())
	})

	It("remove deletes from both tiers", func() {
		Expect(c.Set("a", "hello", 5)).To(Succeed())
		Expect(c.Remove("a")).To(Succeed())
		Expect(c.Contains("a")).To(BeFalse())
		_, ok, err := c.Get("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("clear empties both tiers", func() {
		Expect(c.Set("a", "1", 1)).To(Succeed())
		Expect(c.Set("b", "2", 1)).To(Succeed())
		Expect(c.Clear()).To(Succeed())

		count, err := c.TotalCount()
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(0)))
	})

	It("rejects a second live instance at the same path", func() {
		_, err := yycache.OpenPath(dir, yycache.WithCodec(stringCodec{}))
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(yycache.ErrBackendUnavailable))
	})

	It("set async invokes its callback after the write lands", func() {
		done := make(chan error, 1)
		c.SetAsync("a", "hello", 1, func(err error) { done <- err })
		Eventually(done).Should(Receive(BeNil()))

		v, ok, err := c.Get("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("hello"))
	})

	It("set async invokes a mocked completion callback exactly once with a nil error", func() {
		m := &mockDone{}
		m.On("Set", mock.Anything).Return()
		done := make(chan struct{})
		c.SetAsync("b", "world", 1, func(err error) {
			m.Set(err)
			close(done)
		})
		Eventually(done).Should(BeClosed())
		m.AssertExpectations(GinkgoT())
		m.AssertCalled(GinkgoT(), "Set", error(nil))
	})

	It("contains async resolves from the background worker", func() {
		Expect(c.Set("a", "hello", 1)).To(Succeed())
		done := make(chan bool, 1)
		c.ContainsAsync("a", func(ok bool) { done <- ok })
		Eventually(done).Should(Receive(BeTrue()))

		done2 := make(chan bool, 1)
		c.ContainsAsync("missing", func(ok bool) { done2 <- ok })
		Eventually(done2).Should(Receive(BeFalse()))
	})

	It("get async resolves from the background worker", func() {
		Expect(c.Set("a", "hello", 1)).To(Succeed())
		done := make(chan interface{}, 1)
		c.GetAsync("a", func(v interface{}, ok bool, err error) { done <- v })
		Eventually(done).Should(Receive(Equal("hello")))
	})

	It("clear with progress reports progress and completes", func() {
		Expect(c.Set("a", "1", 1)).To(Succeed())
		Expect(c.Set("b", "2", 1)).To(Succeed())

		done := make(chan error, 1)
		c.ClearWithProgress(func(removed, total int) {}, func(err error) { done <- err })
		Eventually(done).Should(Receive(BeNil()))

		count, err := c.TotalCount()
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(0)))
	})

	It("OnLowMemory clears the memory tier without touching disk", func() {
		Expect(c.Set("a", "hello", 1)).To(Succeed())
		c.OnLowMemory()
		Expect(c.Contains("a")).To(BeTrue()) // memory cleared, but disk still has it

		v, ok, err := c.Get("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("hello"))
	})
})

var _ = Describe("BytesCodec", func() {
	It("passes []byte values through unchanged", func() {
		var codec yycache.BytesCodec
		encoded, err := codec.Encode([]byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(encoded).To(Equal([]byte("x")))

		decoded, err := codec.Decode([]byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal([]byte("x")))
	})

	It("rejects non-[]byte values", func() {
		var codec yycache.BytesCodec
		_, err := codec.Encode("not bytes")
		Expect(err).To(HaveOccurred())
	})
})
