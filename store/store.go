// Package store composes shard.Set and index.Index into the combined
// filesystem-like object described in spec §4.4: Store. It enforces the
// archive's access mode, resolves paths against the index, and supplies the
// read/write file-object façade over shard byte ranges.
package store

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/metrics"
	"github.com/isarandi/barecat/shard"
)

// OpenOptions configures Open.
type OpenOptions struct {
	Mode           cos.Mode
	ShardSizeLimit int64 // only consulted when creating a brand-new archive
	UseTriggers    bool  // only consulted when creating a brand-new archive

	// AllowSymlinkShards permits writing through a shard file that is
	// itself a symlink (default: refuse; see shard.Open).
	AllowSymlinkShards bool

	// Metrics, if non-nil, receives per-operation counters (barecat/metrics).
	// A Store created without one runs with metrics disabled.
	Metrics *metrics.Metrics
}

// Store is the top-level object a caller interacts with: it composes a
// shard.Set (payload bytes) and an index.Index (metadata), presenting the
// combined API described in spec §4.4.
type Store struct {
	basePath string
	mode     cos.Mode
	shards   *shard.Set
	idx      *index.Index
	lock     *cos.FileLock
	metrics  *metrics.Metrics
}

// Open opens (or, in ReadWrite mode, creates) the archive at basePath: the
// index file is basePath itself (or its legacy -sqlite-index sibling), and
// shard files are basePath-shard-NNNNN. A single-writer flock is taken for
// any write-capable mode (spec §5 "Single-writer invariant").
func Open(basePath string, opts OpenOptions) (*Store, error) {
	var lock *cos.FileLock
	if opts.Mode.CanWrite() {
		l, err := cos.LockExclusive(basePath + ".lock")
		if err != nil {
			return nil, err
		}
		lock = l
	}

	indexPath := index.ResolveIndexPath(basePath)
	idx, err := index.Open(indexPath, index.OpenOptions{
		Mode:           opts.Mode,
		ShardSizeLimit: opts.ShardSizeLimit,
		UseTriggers:    opts.UseTriggers,
	})
	if err != nil {
		lock.Unlock() //nolint:errcheck
		return nil, err
	}

	shards, err := shard.Open(basePath, opts.Mode, idx.ShardSizeLimit(), opts.AllowSymlinkShards)
	if err != nil {
		idx.Close()   //nolint:errcheck
		lock.Unlock() //nolint:errcheck
		return nil, err
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NoOp()
	}

	st := &Store{
		basePath: basePath,
		mode:     opts.Mode,
		shards:   shards,
		idx:      idx,
		lock:     lock,
		metrics:  m,
	}
	if err := st.UpdateGauges(); err != nil {
		blog.Warnf("open %s: could not prime metric gauges: %v", basePath, err)
	}
	return st, nil
}

// UpdateGauges refreshes the point-in-time gauges (file count, shard
// count, unreferenced gap bytes) from the index and shard set. Counters
// track activity continuously; gauges are refreshed here, at open and
// after maintenance runs.
func (s *Store) UpdateGauges() error {
	nf, err := s.idx.NumFiles()
	if err != nil {
		return err
	}
	s.metrics.NumFiles.Set(float64(nf))
	s.metrics.NumShards.Set(float64(s.shards.NumShards()))
	logical, err := s.idx.TotalLogicalSize()
	if err != nil {
		return err
	}
	// Stat the shard paths directly so priming the gauges at open does not
	// defeat the lazy handle pool.
	var phys int64
	for i := 0; i < s.shards.NumShards(); i++ {
		fi, err := os.Stat(s.shards.Path(i))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		phys += fi.Size()
	}
	if gap := phys - logical; gap > 0 {
		s.metrics.GapBytes.Set(float64(gap))
	} else {
		s.metrics.GapBytes.Set(0)
	}
	return nil
}

// Close releases the index connection, all shard handles, and the writer
// lock (if held).
func (s *Store) Close() error {
	var errs cos.Errs
	errs.Add(s.idx.Close())
	errs.Add(s.shards.Close())
	errs.Add(s.lock.Unlock())
	return errs.JoinErr()
}

// Mode reports the access mode this Store was opened with.
func (s *Store) Mode() cos.Mode { return s.mode }

// BasePath returns the archive's base path (the index file path, absent any
// legacy suffix).
func (s *Store) BasePath() string { return s.basePath }

// Index exposes the underlying Index for read-only introspection
// (lookup/listdir/walk/glob) and for maintenance code in this module that
// needs direct access. Mutating calls should go through Store's own
// methods so shard bytes and index rows stay coupled correctly.
func (s *Store) Index() *index.Index { return s.idx }

// Shards exposes the underlying shard.Set, used by maintenance code.
func (s *Store) Shards() *shard.Set { return s.shards }

// Metrics exposes the Store's metrics sink, used by maintenance code to
// record defrag/reshard/merge runs.
func (s *Store) Metrics() *metrics.Metrics { return s.metrics }

// Lock exposes the single-writer lock, used by maintenance operations
// (reshard, merge) that must briefly reopen the shard set.
func (s *Store) Lock() *cos.FileLock { return s.lock }

func (s *Store) requireWrite(op string) error {
	if !s.mode.CanWrite() {
		return &bcerr.ReadOnly{Op: op}
	}
	return nil
}

func (s *Store) requireMutateExisting(op string) error {
	if !s.mode.CanMutateExisting() {
		if s.mode == cos.ReadOnly {
			return &bcerr.ReadOnly{Op: op}
		}
		return &bcerr.AppendOnly{Op: op}
	}
	return nil
}

// DiskUsage reports free/total bytes on the filesystem backing this
// archive's base path.
func (s *Store) DiskUsage() (cos.DiskUsage, error) {
	return cos.Statfs(s.basePath)
}

// RemoveArchive deletes the index, every shard, and any engine journal/
// WAL/shm sidecars (spec §6.6) — a standalone archive-remove helper, not
// called internally.
func RemoveArchive(basePath string) error {
	indexPath := index.ResolveIndexPath(basePath)
	var errs cos.Errs
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(indexPath + suffix); err != nil && !os.IsNotExist(err) {
			errs.Add(errors.Wrapf(err, "removing %s%s", indexPath, suffix))
		}
	}
	if err := os.Remove(basePath + ".lock"); err != nil && !os.IsNotExist(err) {
		errs.Add(err)
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s-shard-%05d", basePath, i)
		if _, err := os.Stat(name); err != nil {
			break
		}
		if err := os.Remove(name); err != nil {
			errs.Add(err)
		}
	}
	if err := errs.JoinErr(); err != nil {
		blog.Warnf("RemoveArchive(%s): %v", basePath, err)
		return err
	}
	return nil
}
