package store_test

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/store"
)

func bytesReader(s string) io.Reader { return bytes.NewReader([]byte(s)) }

func openFresh(t *testing.T, opts store.OpenOptions) *store.Store {
	t.Helper()
	base := filepath.Join(t.TempDir(), "arch")
	if opts.Mode == 0 {
		opts.Mode = cos.ReadWrite
	}
	if opts.ShardSizeLimit == 0 {
		opts.ShardSizeLimit = cos.ShardSizeUnlimited
	}
	opts.UseTriggers = true
	s, err := store.Open(base, opts)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario A — basic add/read (spec §8).
func TestAddRead(t *testing.T) {
	s := openFresh(t, store.OpenOptions{})
	if err := s.AddBytes("a.txt", []byte("hello"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBytes("dir/b.txt", []byte("world!"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read("a.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("Read(a.txt) = %q, %v", got, err)
	}
	got, err = s.Read("dir/b.txt")
	if err != nil || string(got) != "world!" {
		t.Fatalf("Read(dir/b.txt) = %q, %v", got, err)
	}

	root, err := s.LookupDir("")
	if err != nil {
		t.Fatal(err)
	}
	if root.NumFilesTree != 2 {
		t.Errorf("root.NumFilesTree = %d, want 2", root.NumFilesTree)
	}
	if root.SizeTree != 11 {
		t.Errorf("root.SizeTree = %d, want 11", root.SizeTree)
	}
}

// Scenario D — rename subtree (spec §8).
func TestRenameSubtree(t *testing.T) {
	s := openFresh(t, store.OpenOptions{})
	if err := s.AddBytes("a/b/c.txt", []byte("x"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBytes("a/b/d.txt", []byte("y"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename("a/b", "a/e", false); err != nil {
		t.Fatal(err)
	}

	if got, err := s.Read("a/e/c.txt"); err != nil || string(got) != "x" {
		t.Fatalf("Read(a/e/c.txt) = %q, %v", got, err)
	}
	if got, err := s.Read("a/e/d.txt"); err != nil || string(got) != "y" {
		t.Fatalf("Read(a/e/d.txt) = %q, %v", got, err)
	}
	if _, err := s.LookupDir("a/b"); err == nil {
		t.Error("LookupDir(a/b) should fail after rename")
	}
	e, err := s.LookupDir("a/e")
	if err != nil {
		t.Fatal(err)
	}
	if e.NumFiles != 2 {
		t.Errorf("a/e.NumFiles = %d, want 2", e.NumFiles)
	}
}

// Scenario F — file too large (spec §8): no bytes written, archive
// otherwise unchanged.
func TestAddFileTooLarge(t *testing.T) {
	s := openFresh(t, store.OpenOptions{ShardSizeLimit: 500})
	err := s.AddBytes("big.bin", make([]byte, 1000), store.AddOptions{})
	if err == nil {
		t.Fatal("expected FileTooLarge error")
	}
	if _, ok := err.(*bcerr.FileTooLarge); !ok {
		t.Errorf("err = %T, want *bcerr.FileTooLarge", err)
	}
	if isFile, isDir, _ := s.Exists("big.bin"); isFile || isDir {
		t.Error("big.bin should not exist after a failed add")
	}
	root, err := s.LookupDir("")
	if err != nil {
		t.Fatal(err)
	}
	if root.NumFilesTree != 0 || root.SizeTree != 0 {
		t.Errorf("archive should be unchanged, got NumFilesTree=%d SizeTree=%d", root.NumFilesTree, root.SizeTree)
	}
}

// Update with new_size == old_size: placement unchanged, CRC recomputed
// (spec §8 boundary behaviors).
func TestUpdateSameSize(t *testing.T) {
	s := openFresh(t, store.OpenOptions{})
	if err := s.AddBytes("f.bin", []byte("aaaaa"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	before, err := s.LookupFile("f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update("f.bin", bytesReader("bbbbb"), 5, store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	after, err := s.LookupFile("f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if after.Shard != before.Shard || after.Offset != before.Offset {
		t.Errorf("placement changed on same-size update: before=%+v after=%+v", before, after)
	}
	if after.CRC32C == before.CRC32C {
		t.Error("CRC should have been recomputed for new content")
	}
	got, err := s.Read("f.bin")
	if err != nil || string(got) != "bbbbb" {
		t.Fatalf("Read after update = %q, %v", got, err)
	}
}

// Update that grows past the old size relocates the payload via FindSpace.
func TestUpdateGrowRelocates(t *testing.T) {
	s := openFresh(t, store.OpenOptions{})
	if err := s.AddBytes("f.bin", []byte("aaaaa"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBytes("g.bin", []byte("bbbbb"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Update("f.bin", bytesReader("cccccccccc"), 10, store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read("f.bin")
	if err != nil || string(got) != "cccccccccc" {
		t.Fatalf("Read(f.bin) after grow = %q, %v", got, err)
	}
	got, err = s.Read("g.bin")
	if err != nil || string(got) != "bbbbb" {
		t.Fatalf("Read(g.bin) unaffected = %q, %v", got, err)
	}
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arch")
	rw, err := store.Open(base, store.OpenOptions{Mode: cos.ReadWrite, ShardSizeLimit: cos.ShardSizeUnlimited, UseTriggers: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.AddBytes("a.txt", []byte("x"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatal(err)
	}

	ro, err := store.Open(base, store.OpenOptions{Mode: cos.ReadOnly})
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()

	err = ro.AddBytes("b.txt", []byte("y"), store.AddOptions{})
	if _, ok := err.(*bcerr.ReadOnly); !ok {
		t.Errorf("Add on a read-only store: err = %v, want *bcerr.ReadOnly", err)
	}
}

func TestAppendOnlyRejectsRemove(t *testing.T) {
	s := openFresh(t, store.OpenOptions{Mode: cos.AppendOnly})
	// AppendOnly can still add.
	if err := s.AddBytes("a.txt", []byte("x"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("a.txt"); err == nil {
		t.Fatal("Remove should be rejected in append-only mode")
	} else if _, ok := err.(*bcerr.AppendOnly); !ok {
		t.Errorf("err = %T, want *bcerr.AppendOnly", err)
	}
}

// File-object spillover: writes past the original size are staged and
// only committed to the shard on Close (spec §4.4.2).
func TestFileHandleSpillover(t *testing.T) {
	s := openFresh(t, store.OpenOptions{})
	if err := s.AddBytes("f.bin", []byte("hello"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}

	f, err := s.Open("f.bin", store.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(0, store.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(" world")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read("f.bin")
	if err != nil || string(got) != "hello world" {
		t.Fatalf("Read(f.bin) after spillover close = %q, %v", got, err)
	}
}

func TestFileHandleInPlaceOverwrite(t *testing.T) {
	s := openFresh(t, store.OpenOptions{})
	if err := s.AddBytes("f.bin", []byte("hello"), store.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	f, err := s.Open("f.bin", store.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("HELLO")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read("f.bin")
	if err != nil || string(got) != "HELLO" {
		t.Fatalf("Read(f.bin) after in-place overwrite = %q, %v", got, err)
	}
}
