package store

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/paths"
)

// AddOptions carries the optional POSIX-style metadata spec §3.1 allows on
// a FileRecord.
type AddOptions struct {
	Mode     *uint32
	UID, GID *int
	MtimeNs  *int64
}

// Add streams data (exactly size bytes) into the archive at path (spec
// §4.4.1 add). Ancestor directories are created automatically. Fails with
// *bcerr.FileExists if path already names a file or directory.
func (s *Store) Add(path string, data io.Reader, size int64, opts AddOptions) error {
	if err := s.requireWrite("add"); err != nil {
		return err
	}
	norm, ok := paths.Normalize(path)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", path)
	}
	if isFile, isDir, err := s.idx.Exists(norm); err != nil {
		return err
	} else if isFile || isDir {
		return &bcerr.FileExists{Path: norm}
	}

	logicalEnd, err := s.currentShardLogicalEnd()
	if err != nil {
		return err
	}
	res, err := s.shards.Append(logicalEnd, data, size)
	if err != nil {
		return err
	}
	crc := res.CRC32C
	addOpts := index.AddFileOptions{
		CRC32C:  &crc,
		Mode:    opts.Mode,
		UID:     opts.UID,
		GID:     opts.GID,
		MtimeNs: opts.MtimeNs,
	}
	if err := s.idx.AddFile(norm, res.Shard, res.Offset, res.Size, addOpts); err != nil {
		return err
	}
	s.metrics.FilesAdded.Inc()
	s.metrics.BytesWritten.Add(float64(res.Size))
	return nil
}

// AddBytes is a convenience wrapper over Add for in-memory payloads.
func (s *Store) AddBytes(path string, data []byte, opts AddOptions) error {
	return s.Add(path, bytes.NewReader(data), int64(len(data)), opts)
}

// currentShardLogicalEnd returns the Index's authoritative logical end of
// the current last shard (0 if there are no shards yet or the last shard
// is empty) — the value ShardSet.Append's algorithm requires, per spec
// §4.2: "as reported by the Index, not by seek".
func (s *Store) currentShardLogicalEnd() (int64, error) {
	n := s.shards.NumShards()
	if n == 0 {
		return 0, nil
	}
	return s.idx.ShardLogicalEnd(n - 1)
}

// Mkdir inserts an empty directory record (spec §4.4.1 mkdir).
func (s *Store) Mkdir(path string, existOk bool, mode *uint32, uid, gid *int, mtimeNs *int64) error {
	if err := s.requireWrite("mkdir"); err != nil {
		return err
	}
	norm, ok := paths.Normalize(path)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", path)
	}
	return s.idx.AddDir(norm, existOk, mode, uid, gid, mtimeNs)
}

// Remove deletes a file record. If it was the last file in the highest
// used shard, that shard is truncated to reclaim its bytes immediately;
// otherwise the range becomes a gap for defrag to reclaim later (spec
// §4.4.1 remove).
func (s *Store) Remove(path string) error {
	if err := s.requireMutateExisting("remove"); err != nil {
		return err
	}
	norm, ok := paths.Normalize(path)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", path)
	}
	fi, err := s.idx.LookupFile(norm)
	if err != nil {
		return err
	}
	if err := s.idx.RemoveFile(norm); err != nil {
		return err
	}
	s.metrics.FilesRemoved.Inc()
	return s.reclaimIfTrailing(fi)
}

// reclaimIfTrailing truncates the shard if the just-removed/just-updated
// file was both in the highest-indexed shard and left no later file
// behind it (i.e. the shard's new logical end is now below the old file's
// end).
func (s *Store) reclaimIfTrailing(prior index.FileInfo) error {
	if prior.Shard != s.shards.NumShards()-1 {
		return nil
	}
	newEnd, err := s.currentShardLogicalEnd()
	if err != nil {
		return err
	}
	if newEnd < prior.End() {
		if err := s.shards.Truncate(prior.Shard, newEnd); err != nil {
			return err
		}
		s.metrics.GapBytesFreed.Add(float64(prior.End() - newEnd))
	}
	return nil
}

// Rmdir deletes an empty directory (spec §4.4.1 rmdir).
func (s *Store) Rmdir(path string) error {
	if err := s.requireMutateExisting("rmdir"); err != nil {
		return err
	}
	norm, ok := paths.Normalize(path)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", path)
	}
	return s.idx.RemoveEmptyDir(norm)
}

// Rmtree deletes a directory and every descendant file/dir. Shard bytes are
// left as gaps until defrag runs (spec §4.4.1 rmtree).
func (s *Store) Rmtree(path string) error {
	if err := s.requireMutateExisting("rmtree"); err != nil {
		return err
	}
	norm, ok := paths.Normalize(path)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", path)
	}
	dir, err := s.idx.LookupDir(norm)
	if err != nil {
		return err
	}
	if err := s.idx.RemoveRecursively(norm); err != nil {
		return err
	}
	s.metrics.FilesRemoved.Add(float64(dir.NumFilesTree))
	return nil
}

// Rename implements file or directory rename (spec §4.4.1 rename / §4.3.6).
func (s *Store) Rename(src, dst string, allowOverwrite bool) error {
	if err := s.requireMutateExisting("rename"); err != nil {
		return err
	}
	normSrc, ok := paths.Normalize(src)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", src)
	}
	normDst, ok := paths.Normalize(dst)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", dst)
	}
	return s.idx.Rename(normSrc, normDst, allowOverwrite)
}

// Chmod/Chown/UpdateMtime set one POSIX metadata field on a file or dir.
func (s *Store) Chmod(path string, mode uint32) error {
	if err := s.requireWrite("chmod"); err != nil {
		return err
	}
	return s.idx.Chmod(path, mode)
}

func (s *Store) Chown(path string, uid, gid int) error {
	if err := s.requireWrite("chown"); err != nil {
		return err
	}
	return s.idx.Chown(path, uid, gid)
}

func (s *Store) UpdateMtime(path string, mtimeNs int64) error {
	if err := s.requireWrite("update_mtime"); err != nil {
		return err
	}
	return s.idx.UpdateMtime(path, mtimeNs)
}

// Update overwrites path's payload with newData (spec §4.4.1 update). If
// newSize <= the existing size, the new bytes are written in place at the
// existing offset (leaving a tail gap if smaller); otherwise FindSpace
// picks a destination (possibly the same shard if there's a trailing gap,
// possibly a relocation) and the full new payload is written there. CRC is
// always recomputed.
func (s *Store) Update(path string, newData io.Reader, newSize int64, opts AddOptions) error {
	if err := s.requireMutateExisting("update"); err != nil {
		return err
	}
	norm, ok := paths.Normalize(path)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", path)
	}
	old, err := s.idx.LookupFile(norm)
	if err != nil {
		return err
	}

	buf := make([]byte, newSize)
	if _, err := io.ReadFull(newData, buf); err != nil {
		return errors.Wrap(err, "reading new payload for update")
	}

	var placement struct {
		Shard    int
		Offset   int64
		NewShard bool
	}
	if newSize <= old.Size {
		placement.Shard, placement.Offset = old.Shard, old.Offset
	} else {
		p, err := s.idx.FindSpace(old, newSize)
		if err != nil {
			return err
		}
		placement.Shard, placement.Offset, placement.NewShard = p.Shard, p.Offset, p.NewShard
	}
	if placement.NewShard {
		if _, err := s.shards.StartNewShard(); err != nil {
			return err
		}
	}
	wr, err := s.shards.WriteAt(placement.Shard, placement.Offset, buf)
	if err != nil {
		return err
	}

	crc := wr.CRC32C
	if err := s.idx.UpdateFilePlacement(norm, wr.Shard, wr.Offset, wr.Size, &crc); err != nil {
		return err
	}
	if opts.Mode != nil {
		if err := s.idx.Chmod(norm, *opts.Mode); err != nil {
			return err
		}
	}
	if opts.UID != nil || opts.GID != nil {
		uid, gid := old.UID, old.GID
		if opts.UID != nil {
			uid = *opts.UID
		}
		if opts.GID != nil {
			gid = *opts.GID
		}
		if err := s.idx.Chown(norm, uid, gid); err != nil {
			return err
		}
	}
	if opts.MtimeNs != nil {
		if err := s.idx.UpdateMtime(norm, *opts.MtimeNs); err != nil {
			return err
		}
	}
	if err := s.reclaimIfTrailing(old); err != nil {
		return err
	}
	s.metrics.BytesWritten.Add(float64(wr.Size))
	return nil
}
