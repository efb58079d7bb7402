package maintenance_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/maintenance"
	"github.com/isarandi/barecat/store"
)

func openFreshStore(dir string, limit int64) *store.Store {
	s, err := store.Open(filepath.Join(dir, "arch"), store.OpenOptions{
		Mode:           cos.ReadWrite,
		ShardSizeLimit: limit,
		UseTriggers:    true,
	})
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("Defrag", func() {
	var dir string
	var s *store.Store

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "barecat-defrag-test-*")
		Expect(err).NotTo(HaveOccurred())
		s = openFreshStore(dir, cos.ShardSizeUnlimited)
	})

	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})

	// Scenario B — defrag reclaims gap (spec §8).
	It("reclaims the gap left by a deleted middle file", func() {
		a := make([]byte, 10)
		b := make([]byte, 20)
		c := make([]byte, 30)
		for i := range a {
			a[i] = 'A'
		}
		for i := range b {
			b[i] = 'B'
		}
		for i := range c {
			c[i] = 'C'
		}
		Expect(s.AddBytes("A", a, store.AddOptions{})).To(Succeed())
		Expect(s.AddBytes("B", b, store.AddOptions{})).To(Succeed())
		Expect(s.AddBytes("C", c, store.AddOptions{})).To(Succeed())
		Expect(s.Remove("B")).To(Succeed())

		physBefore, err := s.Shards().PhysicalLength(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(physBefore).To(BeEquivalentTo(60))

		_, err = maintenance.Defrag(s)
		Expect(err).NotTo(HaveOccurred())

		physAfter, err := s.Shards().PhysicalLength(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(physAfter).To(BeEquivalentTo(40))

		fa, err := s.LookupFile("A")
		Expect(err).NotTo(HaveOccurred())
		Expect(fa.Offset).To(BeEquivalentTo(0))

		fc, err := s.LookupFile("C")
		Expect(err).NotTo(HaveOccurred())
		Expect(fc.Offset).To(BeEquivalentTo(10))

		gotA, err := s.Read("A")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotA).To(Equal(a))

		gotC, err := s.Read("C")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotC).To(Equal(c))
	})

	// Property #7 — defrag idempotence: after defrag, physical == logical,
	// and a second defrag does no work.
	It("is idempotent: a second run reclaims nothing further", func() {
		Expect(s.AddBytes("A", []byte("aaaaaaaaaa"), store.AddOptions{})).To(Succeed())
		Expect(s.AddBytes("B", []byte("bbbbbbbbbbbbbbbbbbbb"), store.AddOptions{})).To(Succeed())
		Expect(s.Remove("A")).To(Succeed())
		Expect(s.AddBytes("C", []byte("ccc"), store.AddOptions{})).To(Succeed())

		_, err := maintenance.Defrag(s)
		Expect(err).NotTo(HaveOccurred())

		logical, err := s.Index().TotalLogicalSize()
		Expect(err).NotTo(HaveOccurred())
		var physical int64
		for i := 0; i < s.Shards().NumShards(); i++ {
			n, err := s.Shards().PhysicalLength(i)
			Expect(err).NotTo(HaveOccurred())
			physical += n
		}
		Expect(physical).To(Equal(logical))

		report2, err := maintenance.Defrag(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(report2.BytesReclaimed).To(BeZero())
	})
})
