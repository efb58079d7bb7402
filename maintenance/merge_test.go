package maintenance_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/maintenance"
	"github.com/isarandi/barecat/store"
)

func mkTempDir() string {
	dir, err := os.MkdirTemp("", "barecat-maintenance-test-*")
	Expect(err).NotTo(HaveOccurred())
	return dir
}

var _ = Describe("Merge", func() {
	// Scenario E — merge with prefix (spec §8).
	It("copy-merges a source archive under a prefix", func() {
		dir := mkTempDir()
		sourcePath := filepath.Join(dir, "source")

		src := openFreshStore2(sourcePath, cos.ShardSizeUnlimited)
		Expect(src.AddBytes("file.txt", []byte("hello"), store.AddOptions{})).To(Succeed())
		Expect(src.AddBytes("dir/nested.txt", []byte("world!"), store.AddOptions{})).To(Succeed())
		Expect(src.Close()).To(Succeed())

		target := openFreshStore(dir, cos.ShardSizeUnlimited)
		Expect(target.AddBytes("existing.txt", []byte("ab"), store.AddOptions{})).To(Succeed())

		Expect(maintenance.CopyMerge(target, sourcePath, maintenance.MergeOptions{Prefix: "pref"})).To(Succeed())

		for path, want := range map[string]string{
			"existing.txt":         "ab",
			"pref/file.txt":        "hello",
			"pref/dir/nested.txt":  "world!",
		} {
			got, err := target.Read(path)
			Expect(err).NotTo(HaveOccurred(), "reading %s", path)
			Expect(string(got)).To(Equal(want), "content of %s", path)
		}

		root, err := target.LookupDir("")
		Expect(err).NotTo(HaveOccurred())
		Expect(root.SizeTree).To(BeEquivalentTo(13))
		Expect(root.NumFilesTree).To(BeEquivalentTo(3))

		prefDir, err := target.LookupDir("pref")
		Expect(err).NotTo(HaveOccurred())
		Expect(prefDir.SizeTree).To(BeEquivalentTo(11))
		Expect(prefDir.NumFilesTree).To(BeEquivalentTo(2))

		Expect(target.Close()).To(Succeed())
	})

	// Property #10 — merge preserves files: every source and target file
	// is readable in the merged target with original bytes.
	It("preserves every file from both sides of a conflict-free merge", func() {
		dir := mkTempDir()
		sourcePath := filepath.Join(dir, "source")

		src := openFreshStore2(sourcePath, cos.ShardSizeUnlimited)
		Expect(src.AddBytes("a.bin", []byte("AAAA"), store.AddOptions{})).To(Succeed())
		Expect(src.AddBytes("sub/b.bin", []byte("BBBB"), store.AddOptions{})).To(Succeed())
		Expect(src.Close()).To(Succeed())

		target := openFreshStore(dir, cos.ShardSizeUnlimited)
		Expect(target.AddBytes("c.bin", []byte("CCCC"), store.AddOptions{})).To(Succeed())

		Expect(maintenance.CopyMerge(target, sourcePath, maintenance.MergeOptions{})).To(Succeed())

		for path, want := range map[string]string{
			"a.bin":     "AAAA",
			"sub/b.bin": "BBBB",
			"c.bin":     "CCCC",
		} {
			got, err := target.Read(path)
			Expect(err).NotTo(HaveOccurred(), "reading %s", path)
			Expect(string(got)).To(Equal(want))
		}

		report, err := target.VerifyIntegrity(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.OK()).To(BeTrue())

		Expect(target.Close()).To(Succeed())
	})

	// FilteredMerge must detect path conflicts before writing anything,
	// exactly like SymlinkMerge/CopyMerge.
	It("rejects a filtered merge whose source path collides with an existing target directory", func() {
		dir := mkTempDir()
		sourcePath := filepath.Join(dir, "source")

		src := openFreshStore2(sourcePath, cos.ShardSizeUnlimited)
		Expect(src.AddBytes("conflict", []byte("x"), store.AddOptions{})).To(Succeed())
		Expect(src.Close()).To(Succeed())

		target := openFreshStore(dir, cos.ShardSizeUnlimited)
		Expect(target.Mkdir("conflict", false, nil, nil, nil, nil)).To(Succeed())

		err := maintenance.FilteredMerge(target, sourcePath, "*", nil, maintenance.MergeOptions{})
		Expect(err).To(HaveOccurred())

		// Nothing should have been written: "conflict" is still a directory,
		// not a file, and no rows were inserted from the rejected merge.
		_, isDir, err := target.Exists("conflict")
		Expect(err).NotTo(HaveOccurred())
		Expect(isDir).To(BeTrue())

		Expect(target.Close()).To(Succeed())
	})

	It("does not reject a filtered merge when only an excluded path conflicts", func() {
		dir := mkTempDir()
		sourcePath := filepath.Join(dir, "source")

		src := openFreshStore2(sourcePath, cos.ShardSizeUnlimited)
		Expect(src.AddBytes("conflict", []byte("x"), store.AddOptions{})).To(Succeed())
		Expect(src.AddBytes("keep.txt", []byte("k"), store.AddOptions{})).To(Succeed())
		Expect(src.Close()).To(Succeed())

		target := openFreshStore(dir, cos.ShardSizeUnlimited)
		Expect(target.Mkdir("conflict", false, nil, nil, nil, nil)).To(Succeed())

		// "conflict" collides with the target directory, but the rules
		// exclude it — the merge must go through with the rest.
		rules := []index.Rule{{Include: false, Pattern: "conflict"}}
		Expect(maintenance.FilteredMerge(target, sourcePath, "", rules, maintenance.MergeOptions{})).To(Succeed())

		got, err := target.Read("keep.txt")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("k"))

		isFile, isDir, err := target.Exists("conflict")
		Expect(err).NotTo(HaveOccurred())
		Expect(isFile).To(BeFalse())
		Expect(isDir).To(BeTrue())

		Expect(target.Close()).To(Succeed())
	})

	It("filtered-merges only files matching an include/exclude rule set", func() {
		dir := mkTempDir()
		sourcePath := filepath.Join(dir, "source")

		src := openFreshStore2(sourcePath, cos.ShardSizeUnlimited)
		Expect(src.AddBytes("keep.txt", []byte("k"), store.AddOptions{})).To(Succeed())
		Expect(src.AddBytes("skip.bin", []byte("s"), store.AddOptions{})).To(Succeed())
		Expect(src.Close()).To(Succeed())

		target := openFreshStore(dir, cos.ShardSizeUnlimited)
		rules := []index.Rule{
			{Include: true, Pattern: "*.txt"},
			{Include: false, Pattern: "*"},
		}
		Expect(maintenance.FilteredMerge(target, sourcePath, "", rules, maintenance.MergeOptions{})).To(Succeed())

		got, err := target.Read("keep.txt")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("k"))

		isFile, _, err := target.Exists("skip.bin")
		Expect(err).NotTo(HaveOccurred())
		Expect(isFile).To(BeFalse())

		Expect(target.Close()).To(Succeed())
	})
})

func openFreshStore2(basePath string, limit int64) *store.Store {
	s, err := store.Open(basePath, store.OpenOptions{
		Mode:           cos.ReadWrite,
		ShardSizeLimit: limit,
		UseTriggers:    true,
	})
	Expect(err).NotTo(HaveOccurred())
	return s
}
