package index_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
)

func openFresh(dir string) *index.Index {
	idx, err := index.Open(filepath.Join(dir, "arch-index"), index.OpenOptions{
		Mode:           cos.ReadWrite,
		ShardSizeLimit: cos.ShardSizeUnlimited,
		UseTriggers:    true,
	})
	Expect(err).NotTo(HaveOccurred())
	return idx
}

var _ = Describe("Index", func() {
	var dir string
	var idx *index.Index

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "barecat-index-test-*")
		Expect(err).NotTo(HaveOccurred())
		idx = openFresh(dir)
	})

	AfterEach(func() {
		Expect(idx.Close()).To(Succeed())
	})

	It("starts with an empty root directory", func() {
		root, err := idx.LookupDir("")
		Expect(err).NotTo(HaveOccurred())
		Expect(root.NumFiles).To(BeZero())
		Expect(root.SizeTree).To(BeZero())
	})

	It("propagates aggregates up the ancestor chain on add", func() {
		Expect(idx.AddFile("a.txt", 0, 0, 5, index.AddFileOptions{})).To(Succeed())
		Expect(idx.AddFile("dir/b.txt", 0, 5, 6, index.AddFileOptions{})).To(Succeed())

		root, err := idx.LookupDir("")
		Expect(err).NotTo(HaveOccurred())
		Expect(root.NumFilesTree).To(BeEquivalentTo(2))
		Expect(root.SizeTree).To(BeEquivalentTo(11))

		dirInfo, err := idx.LookupDir("dir")
		Expect(err).NotTo(HaveOccurred())
		Expect(dirInfo.NumFiles).To(BeEquivalentTo(1))
		Expect(dirInfo.SizeTree).To(BeEquivalentTo(6))
	})

	It("rejects adding a file at a path that already is a directory", func() {
		Expect(idx.AddDir("dir", false, nil, nil, nil, nil)).To(Succeed())
		err := idx.AddFile("dir", 0, 0, 1, index.AddFileOptions{})
		Expect(err).To(HaveOccurred())
	})

	It("renames a directory subtree as a batch path rewrite", func() {
		Expect(idx.AddFile("a/b/c.txt", 0, 0, 1, index.AddFileOptions{})).To(Succeed())
		Expect(idx.AddFile("a/b/d.txt", 0, 1, 1, index.AddFileOptions{})).To(Succeed())
		Expect(idx.Rename("a/b", "a/e", false)).To(Succeed())

		_, err := idx.LookupDir("a/b")
		Expect(err).To(HaveOccurred())

		e, err := idx.LookupDir("a/e")
		Expect(err).NotTo(HaveOccurred())
		Expect(e.NumFiles).To(BeEquivalentTo(2))

		c, err := idx.LookupFile("a/e/c.txt")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Path).To(Equal("a/e/c.txt"))
	})

	It("rename with overwrite replaces an existing empty directory", func() {
		Expect(idx.AddFile("a/b/c.txt", 0, 0, 1, index.AddFileOptions{})).To(Succeed())
		Expect(idx.AddDir("a/e", false, nil, nil, nil, nil)).To(Succeed())

		Expect(idx.Rename("a/b", "a/e", false)).To(MatchError(&bcerr.FileExists{Path: "a/e"}))
		Expect(idx.Rename("a/b", "a/e", true)).To(Succeed())

		_, err := idx.LookupDir("a/b")
		Expect(err).To(HaveOccurred())
		e, err := idx.LookupDir("a/e")
		Expect(err).NotTo(HaveOccurred())
		Expect(e.NumFiles).To(BeEquivalentTo(1))

		a, err := idx.LookupDir("a")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.NumSubdirs).To(BeEquivalentTo(1))
	})

	It("rename refuses to move a file onto a directory even with overwrite", func() {
		Expect(idx.AddFile("f.txt", 0, 0, 1, index.AddFileOptions{})).To(Succeed())
		Expect(idx.AddDir("d", false, nil, nil, nil, nil)).To(Succeed())

		err := idx.Rename("f.txt", "d", true)
		Expect(err).To(MatchError(&bcerr.IsADirectory{Path: "d"}))
	})

	It("find_space reuses the gap right after a file in its own shard", func() {
		Expect(idx.AddFile("a", 0, 0, 10, index.AddFileOptions{})).To(Succeed())
		Expect(idx.AddFile("b", 0, 10, 10, index.AddFileOptions{})).To(Succeed())
		Expect(idx.RemoveFile("b")).To(Succeed())

		a, err := idx.LookupFile("a")
		Expect(err).NotTo(HaveOccurred())
		placement, err := idx.FindSpace(a, 15)
		Expect(err).NotTo(HaveOccurred())
		Expect(placement.Shard).To(Equal(0))
		Expect(placement.Offset).To(BeEquivalentTo(0))
	})

	It("verifies a clean archive has no integrity findings", func() {
		Expect(idx.AddFile("a.txt", 0, 0, 5, index.AddFileOptions{})).To(Succeed())
		report, err := idx.VerifyIntegrity()
		Expect(err).NotTo(HaveOccurred())
		Expect(report.OK()).To(BeTrue())
	})

	It("bulk mode recomputes exact aggregates on close", func() {
		bulk, err := idx.BeginBulk()
		Expect(err).NotTo(HaveOccurred())
		Expect(idx.AddFile("x/y/z.bin", 0, 0, 100, index.AddFileOptions{})).To(Succeed())
		Expect(bulk.Close()).To(Succeed())

		root, err := idx.LookupDir("")
		Expect(err).NotTo(HaveOccurred())
		Expect(root.NumFilesTree).To(BeEquivalentTo(1))
		Expect(root.SizeTree).To(BeEquivalentTo(100))
	})
})
