package maintenance_test

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/maintenance"
	"github.com/isarandi/barecat/store"
)

var _ = Describe("Reshard", func() {
	// Scenario C — reshard split (spec §8): one shard at 1 MiB holding ten
	// 150 KiB files, resharded down to 500_000 bytes.
	It("splits a single shard into several without altering file content", func() {
		dir := mkTempDir()
		s := openFreshStore(dir, 1<<20)

		const fileSize = 150 * 1024
		contents := make(map[string][]byte)
		for i := 0; i < 10; i++ {
			name := fmt.Sprintf("f%02d.bin", i)
			data := make([]byte, fileSize)
			for j := range data {
				data[j] = byte(i)
			}
			Expect(s.AddBytes(name, data, store.AddOptions{})).To(Succeed())
			contents[name] = data
		}

		_, err := maintenance.Reshard(s, 500_000)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Shards().NumShards()).To(BeNumerically(">=", 4))
		for i := 0; i < s.Shards().NumShards(); i++ {
			n, err := s.Shards().PhysicalLength(i)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeNumerically("<=", 500_000))
		}

		for name, want := range contents {
			got, err := s.Read(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))

			fi, err := s.LookupFile(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(fi.Offset + fi.Size).To(BeNumerically("<=", 500_000))
		}

		Expect(s.Index().ShardSizeLimit()).To(BeEquivalentTo(500_000))

		Expect(s.Close()).To(Succeed())
	})

	// Property #8 — reshard preserves content for a valid new_limit,
	// including CRC and invariant 5 w.r.t. the new limit.
	It("preserves CRC across a reshard", func() {
		dir := mkTempDir()
		s := openFreshStore(dir, cos.ShardSizeUnlimited)
		Expect(s.AddBytes("x.bin", []byte("some payload bytes"), store.AddOptions{})).To(Succeed())
		before, err := s.LookupFile("x.bin")
		Expect(err).NotTo(HaveOccurred())

		_, err = maintenance.Reshard(s, 1<<20)
		Expect(err).NotTo(HaveOccurred())

		after, err := s.LookupFile("x.bin")
		Expect(err).NotTo(HaveOccurred())
		Expect(after.CRC32C).To(Equal(before.CRC32C))

		got, err := s.Read("x.bin")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("some payload bytes"))

		Expect(s.Close()).To(Succeed())
	})

	// Reshard refuses a limit smaller than an existing file, before
	// touching any byte.
	It("refuses a new limit smaller than an existing file", func() {
		dir := mkTempDir()
		s := openFreshStore(dir, cos.ShardSizeUnlimited)
		Expect(s.AddBytes("big.bin", make([]byte, 1000), store.AddOptions{})).To(Succeed())

		_, err := maintenance.Reshard(s, 500)
		Expect(err).To(HaveOccurred())

		got, err := s.Read("big.bin")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(1000))

		Expect(s.Close()).To(Succeed())
	})
})
