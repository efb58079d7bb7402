// Package shard owns the ordered sequence of shard blob files for one
// archive (spec §4.2): discovery, append, random-access read/write,
// truncate, and new-shard rollover, all bounded by a configurable
// shard_size_limit.
package shard

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcdebug"
	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/cos"
)

// NamePattern describes the on-disk shard filename scheme: <base>-shard-NNNNN,
// five digits, zero-padded, contiguous from 0.
const namePrefix = "-shard-"

func shardPath(basePath string, idx int) string {
	return fmt.Sprintf("%s%s%05d", basePath, namePrefix, idx)
}

// ShardFileName computes the on-disk path of shard idx for an archive
// rooted at basePath, without requiring an open Set — used by reshard to
// name temporary overflow shard files before they are renamed into a
// live archive's sequence.
func ShardFileName(basePath string, idx int) string {
	return shardPath(basePath, idx)
}

// Set manages the physical shard files backing one archive.
type Set struct {
	basePath      string
	mode          cos.Mode
	sizeLimit     int64
	allowSymlinks bool

	mu    sync.Mutex
	files []*os.File // one handle per shard index, opened lazily
}

// Open discovers existing <basePath>-shard-NNNNN files (which must be
// contiguous from 0; a gap is fatal) and returns a Set ready for read
// and/or write depending on mode. allowSymlinkShards permits writing
// through a shard file that is itself a symlink (default: refuse, since a
// symlinked shard usually means two archives intentionally share bytes via
// symlink-merge, and writing through would silently desync the other
// archive's index).
func Open(basePath string, mode cos.Mode, sizeLimit int64, allowSymlinkShards bool) (*Set, error) {
	n, err := discover(basePath)
	if err != nil {
		return nil, err
	}
	s := &Set{
		basePath:      basePath,
		mode:          mode,
		sizeLimit:     sizeLimit,
		allowSymlinks: allowSymlinkShards,
		files:         make([]*os.File, n),
	}
	return s, nil
}

// discover returns the contiguous shard count 0..N-1 present on disk.
func discover(basePath string) (int, error) {
	dir := "."
	base := basePath
	if i := lastSlash(basePath); i >= 0 {
		dir, base = basePath[:i], basePath[i+1:]
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "reading archive directory %s", dir)
	}
	prefix := base + namePrefix
	var indices []int
	for _, e := range entries {
		name := e.Name()
		if len(name) != len(prefix)+5 || name[:len(prefix)] != prefix {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(name[len(prefix):], "%05d", &idx); err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for i, idx := range indices {
		if idx != i {
			return 0, errors.Errorf("shard sequence for %s has a gap: expected shard %05d, found %05d",
				basePath, i, idx)
		}
	}
	return len(indices), nil
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

// NumShards returns the number of shards currently known to the set.
func (s *Set) NumShards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// handle returns the open file for shard idx, opening it (read-write if the
// set is writable, read-only otherwise) on first use. Concurrent callers
// share the one *os.File; ReadAt/WriteAt use pread/pwrite under the hood so
// this is safe without per-goroutine duplication, unlike APIs that require
// seek-then-read.
func (s *Set) handle(idx int) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.files) {
		return nil, errors.Errorf("shard %d out of range (have %d shards)", idx, len(s.files))
	}
	if s.files[idx] != nil {
		return s.files[idx], nil
	}
	path := shardPath(s.basePath, idx)
	if s.mode.CanWrite() && !s.allowSymlinks {
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return nil, errors.Errorf("refusing to open shard %s for write: it is a symlink "+
				"(pass allowSymlinkShards if this archive intentionally shares bytes)", path)
		}
	}
	flag := os.O_RDONLY
	if s.mode.CanWrite() {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening shard %s", path)
	}
	s.files[idx] = f
	return f, nil
}

// ReadRange returns size bytes read from shard at offset.
func (s *Set) ReadRange(shardIdx int, offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := s.ReadInto(shardIdx, offset, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReadInto fills buf from shard at offset, returning the number of bytes
// actually read. A short read at EOF is not an error.
func (s *Set) ReadInto(shardIdx int, offset int64, buf []byte) (int, error) {
	f, err := s.handle(shardIdx)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, errors.Wrapf(&bcerr.IntegrityError{Msg: err.Error()},
			"reading shard %d at offset %d", shardIdx, offset)
	}
	return n, nil
}

// AppendResult is what a successful Append/WriteAt call reports back.
type AppendResult struct {
	Shard  int
	Offset int64
	Size   int64
	CRC32C uint32
}

// Append writes payload (read fully from r, exactly size bytes) following
// the algorithm in spec §4.2: if logicalEnd (the Index's authoritative
// current last-shard end, not whatever the OS reports the file length to
// be) plus size would exceed the shard size limit, a new shard is started
// first. A single payload that can never fit even an empty shard is
// rejected before any byte is written.
func (s *Set) Append(logicalEnd int64, r io.Reader, size int64) (AppendResult, error) {
	if s.sizeLimit != cos.ShardSizeUnlimited && size > s.sizeLimit {
		return AppendResult{}, &bcerr.FileTooLarge{Size: size, ShardSizeLimit: s.sizeLimit}
	}
	lastIdx := s.NumShards() - 1
	offset := logicalEnd
	if lastIdx < 0 {
		idx, err := s.StartNewShard()
		if err != nil {
			return AppendResult{}, err
		}
		lastIdx, offset = idx, 0
	} else if s.sizeLimit != cos.ShardSizeUnlimited && offset+size > s.sizeLimit {
		idx, err := s.StartNewShard()
		if err != nil {
			return AppendResult{}, err
		}
		lastIdx, offset = idx, 0
	}
	crc, n, err := s.writeAtCRC(lastIdx, offset, r, size)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Shard: lastIdx, Offset: offset, Size: n, CRC32C: crc}, nil
}

// WriteAt writes data at an exact, already-decided placement — used by
// Store.Update for in-place overwrites.
func (s *Set) WriteAt(shardIdx int, offset int64, data []byte) (AppendResult, error) {
	if s.sizeLimit != cos.ShardSizeUnlimited && offset+int64(len(data)) > s.sizeLimit {
		return AppendResult{}, errors.Errorf(
			"write at shard %d offset %d size %d would cross shard_size_limit %d",
			shardIdx, offset, len(data), s.sizeLimit)
	}
	crc, n, err := s.writeAtCRC(shardIdx, offset, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Shard: shardIdx, Offset: offset, Size: n, CRC32C: crc}, nil
}

func (s *Set) writeAtCRC(shardIdx int, offset int64, r io.Reader, size int64) (uint32, int64, error) {
	f, err := s.handle(shardIdx)
	if err != nil {
		return 0, 0, err
	}
	h := cos.NewCRC32C()
	lr := io.LimitReader(r, size)
	data, err := io.ReadAll(lr)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "reading payload for shard %d", shardIdx)
	}
	if int64(len(data)) != size {
		return 0, 0, errors.Errorf("short payload: expected %d bytes, got %d", size, len(data))
	}
	_, _ = h.Write(data)
	if _, err := f.WriteAt(data, offset); err != nil {
		return 0, 0, errors.Wrapf(err, "writing shard %d at offset %d", shardIdx, offset)
	}
	return h.Sum32(), int64(len(data)), nil
}

// StartNewShard appends an empty shard to the sequence and returns its
// index.
func (s *Set) StartNewShard() (int, error) {
	s.mu.Lock()
	idx := len(s.files)
	s.files = append(s.files, nil)
	s.mu.Unlock()
	f, err := s.handle(idx)
	if err != nil {
		return 0, err
	}
	bcdebug.AssertNoErr(f.Sync())
	return idx, nil
}

// Truncate sets the physical length of shard idx, used by defrag/reshard
// to reclaim trailing bytes once a shard's live content has been
// compacted or moved elsewhere.
func (s *Set) Truncate(shardIdx int, newLen int64) error {
	f, err := s.handle(shardIdx)
	if err != nil {
		return err
	}
	if err := f.Truncate(newLen); err != nil {
		return errors.Wrapf(err, "truncating shard %d to %d", shardIdx, newLen)
	}
	return nil
}

// DeleteShard closes and removes the highest shard(s), called only when
// defrag/reshard has emptied every shard above shardIdx. Callers must
// delete from the top down so NumShards stays contiguous.
func (s *Set) DeleteShard(shardIdx int) error {
	s.mu.Lock()
	if shardIdx != len(s.files)-1 {
		s.mu.Unlock()
		return errors.Errorf("DeleteShard must remove the highest shard (%d), got %d",
			len(s.files)-1, shardIdx)
	}
	f := s.files[shardIdx]
	s.files = s.files[:shardIdx]
	s.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
	if err := os.Remove(shardPath(s.basePath, shardIdx)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing shard %d", shardIdx)
	}
	return nil
}

// Path returns the on-disk path of shard idx.
func (s *Set) Path(idx int) string { return shardPath(s.basePath, idx) }

// PhysicalLength returns the OS-reported byte length of shard idx.
func (s *Set) PhysicalLength(idx int) (int64, error) {
	f, err := s.handle(idx)
	if err != nil {
		return 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat shard %d", idx)
	}
	return fi.Size(), nil
}

// Reopen closes every currently-open handle and re-runs shard discovery,
// picking up a shard_size_limit change and any shard files that were
// renamed into place out-of-band (reshard, merge). Existing handles held
// by callers before Reopen must not be used afterward.
func (s *Set) Reopen(sizeLimit int64) error {
	s.mu.Lock()
	files := s.files
	s.files = nil
	s.mu.Unlock()
	var errs cos.Errs
	for _, f := range files {
		if f != nil {
			errs.Add(f.Close())
		}
	}
	n, err := discover(s.basePath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.files = make([]*os.File, n)
	s.sizeLimit = sizeLimit
	s.mu.Unlock()
	return errs.JoinErr()
}

// Close closes every open shard handle.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs cos.Errs
	for _, f := range s.files {
		if f != nil {
			errs.Add(f.Close())
		}
	}
	return errs.JoinErr()
}
