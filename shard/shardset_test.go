package shard_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/shard"
)

func TestAppendAndReadRange(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arch")
	s, err := shard.Open(base, cos.ReadWrite, 100, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	r1, err := s.Append(0, bytes.NewReader([]byte("hello")), 5)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Shard != 0 || r1.Offset != 0 || r1.Size != 5 {
		t.Fatalf("unexpected placement: %+v", r1)
	}

	r2, err := s.Append(5, bytes.NewReader([]byte("world!")), 6)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Shard != 0 || r2.Offset != 5 {
		t.Fatalf("unexpected placement: %+v", r2)
	}

	got, err := s.ReadRange(0, 0, 5)
	if err != nil || string(got) != "hello" {
		t.Fatalf("ReadRange = %q, %v", got, err)
	}
	got, err = s.ReadRange(0, 5, 6)
	if err != nil || string(got) != "world!" {
		t.Fatalf("ReadRange = %q, %v", got, err)
	}
}

func TestAppendRollsOverShard(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arch")
	s, err := shard.Open(base, cos.ReadWrite, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	r1, err := s.Append(0, bytes.NewReader(bytes.Repeat([]byte{1}, 8)), 8)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Shard != 0 || r1.Offset != 0 {
		t.Fatalf("unexpected placement: %+v", r1)
	}
	// 8 + 8 > 10, must roll to a new shard
	r2, err := s.Append(8, bytes.NewReader(bytes.Repeat([]byte{2}, 8)), 8)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Shard != 1 || r2.Offset != 0 {
		t.Fatalf("expected rollover to shard 1 offset 0, got %+v", r2)
	}
	if s.NumShards() != 2 {
		t.Fatalf("NumShards = %d, want 2", s.NumShards())
	}
}

func TestFileTooLarge(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arch")
	s, err := shard.Open(base, cos.ReadWrite, 500, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, err = s.Append(0, bytes.NewReader(bytes.Repeat([]byte{0}, 1000)), 1000)
	if err == nil {
		t.Fatal("expected FileTooLarge error")
	}
	if s.NumShards() != 0 {
		t.Fatalf("expected no shard created after failed append, got %d", s.NumShards())
	}
}

func TestDiscoverRejectsGap(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "arch")
	s, err := shard.Open(base, cos.ReadWrite, cos.ShardSizeUnlimited, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartNewShard(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartNewShard(); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// rename shard 1 to shard 2, leaving a gap at index 1.
	from := fmt.Sprintf("%s-shard-%05d", base, 1)
	to := fmt.Sprintf("%s-shard-%05d", base, 2)
	if err := os.Rename(from, to); err != nil {
		t.Fatal(err)
	}
	if _, err := shard.Open(base, cos.ReadOnly, cos.ShardSizeUnlimited, false); err == nil {
		t.Fatal("expected gap detection to fail Open")
	}
}
