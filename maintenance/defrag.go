// Package maintenance implements the archive-wide operations spec §4.5 and
// §4.6 describe: defrag (full/smart/quick), reshard, merge (symlink/copy/
// filtered), and schema upgrade. Every operation here works across an
// already-open *store.Store rather than owning its own state, mirroring
// how the teacher's xaction runners operate on an already-mounted target.
package maintenance

import (
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/shard"
	"github.com/isarandi/barecat/store"
)

// Report summarizes the outcome of one maintenance run.
type Report struct {
	BytesReclaimed int64
}

var errStopIter = errors.New("maintenance: stop iteration")

// requireReadWrite gates the maintenance operations that move or discard
// existing bytes: read-only and append-only stores both refuse them (spec
// §4.4 "AppendOnly additionally rejects ... defrag").
func requireReadWrite(s *store.Store, op string) error {
	switch s.Mode() {
	case cos.ReadWrite:
		return nil
	case cos.ReadOnly:
		return &bcerr.ReadOnly{Op: op}
	default:
		return &bcerr.AppendOnly{Op: op}
	}
}

func refreshGauges(s *store.Store, op string) {
	if err := s.UpdateGauges(); err != nil {
		blog.Warnf("%s: refreshing gauges: %v", op, err)
	}
}

func physicalSize(s *store.Store) (int64, error) {
	var total int64
	for i := 0; i < s.Shards().NumShards(); i++ {
		n, err := s.Shards().PhysicalLength(i)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Defrag runs the full defrag algorithm (spec §4.5.1): every file, visited
// in physical address order, is copied down to the earliest available
// position, shard by shard, eliminating every gap in one pass. Grounded on
// BarecatDefragger.defrag in the original implementation, translated from
// per-shard Python file objects to shard.Set's ReadRange/WriteAt.
func Defrag(s *store.Store) (Report, error) {
	var report Report
	if err := requireReadWrite(s, "defrag"); err != nil {
		return report, err
	}
	idx := s.Index()
	shards := s.Shards()
	limit := idx.ShardSizeLimit()

	oldTotal, err := physicalSize(s)
	if err != nil {
		return report, err
	}

	newShard := 0
	var newOffset int64
	var relocs []index.Relocation

	walkErr := idx.IterAllFileInfos(index.OrderAddress, func(fi index.FileInfo) error {
		if limit != cos.ShardSizeUnlimited && newOffset+fi.Size > limit {
			if err := shards.Truncate(newShard, newOffset); err != nil {
				return err
			}
			newShard++
			newOffset = 0
		}
		if !(newShard == fi.Shard && newOffset == fi.Offset) {
			data, err := shards.ReadRange(fi.Shard, fi.Offset, fi.Size)
			if err != nil {
				return errors.Wrapf(err, "reading %s during defrag", fi.Path)
			}
			if _, err := shards.WriteAt(newShard, newOffset, data); err != nil {
				return errors.Wrapf(err, "writing %s during defrag", fi.Path)
			}
			relocs = append(relocs, index.Relocation{Path: fi.Path, Shard: newShard, Offset: newOffset})
		}
		newOffset += fi.Size
		return nil
	})
	if walkErr != nil {
		return report, walkErr
	}
	if err := idx.BulkRelocate(relocs); err != nil {
		return report, err
	}
	if err := shards.Truncate(newShard, newOffset); err != nil {
		return report, err
	}
	for i := shards.NumShards() - 1; i > newShard; i-- {
		if err := shards.DeleteShard(i); err != nil {
			return report, err
		}
	}

	report.BytesReclaimed, err = reclaimedSince(s, oldTotal)
	if err != nil {
		return report, err
	}
	s.Metrics().DefragRuns.Inc()
	refreshGauges(s, "defrag")
	s.Metrics().GapBytesFreed.Add(float64(report.BytesReclaimed))
	blog.Infof("defrag: reclaimed %d bytes", report.BytesReclaimed)
	return report, nil
}

func reclaimedSince(s *store.Store, oldTotal int64) (int64, error) {
	newTotal, err := physicalSize(s)
	if err != nil {
		return 0, err
	}
	return oldTotal - newTotal, nil
}

// chunk is a maximal run of physically-contiguous files starting at
// (shard, startOffset), used by DefragSmart to move many files with one
// byte copy and one bulk SQL update instead of one each.
type chunk struct {
	shard                  int
	startOffset, endOffset int64
}

func (c chunk) size() int64 { return c.endOffset - c.startOffset }

// findNextChunk walks file records in address order starting at
// (minShard, minOffset), merging adjacent files into one chunk as long as
// the next file continues immediately where the previous one ended, the
// shard does not change, and the chunk still fits in maxSize. It gives up
// and returns found=false if the very next file alone exceeds maxSize.
func findNextChunk(idx *index.Index, minShard int, minOffset, maxSize int64) (c chunk, found bool, err error) {
	first := true
	iterErr := idx.IterAllFileInfos(index.OrderAddress, func(fi index.FileInfo) error {
		if found {
			return errStopIter
		}
		if fi.Shard < minShard || (fi.Shard == minShard && fi.Offset < minOffset) {
			return nil
		}
		if first {
			first = false
			if fi.Size > maxSize {
				return errStopIter
			}
			c = chunk{shard: fi.Shard, startOffset: fi.Offset, endOffset: fi.End()}
			found = true
			return nil
		}
		if fi.Shard == c.shard && fi.Offset == c.endOffset && c.size()+fi.Size <= maxSize {
			c.endOffset = fi.End()
			return nil
		}
		return errStopIter
	})
	if iterErr != nil && iterErr != errStopIter {
		return chunk{}, false, iterErr
	}
	return c, found, nil
}

// DefragSmart is the run-coalescing variant of Defrag (spec §4.5.2): it
// copies whole contiguous runs of files in one ReadRange/WriteAt pair and
// relocates every file in the run with a single bulk SQL update, rather
// than one pair of syscalls per file. Functionally equivalent to Defrag;
// intended for archives large enough that per-file syscall count (not
// byte-copy volume) dominates runtime.
func DefragSmart(s *store.Store) (Report, error) {
	var report Report
	if err := requireReadWrite(s, "defrag"); err != nil {
		return report, err
	}
	idx := s.Index()
	shards := s.Shards()
	limit := idx.ShardSizeLimit()

	oldTotal, err := physicalSize(s)
	if err != nil {
		return report, err
	}
	totalFiles, err := idx.NumFiles()
	if err != nil {
		return report, err
	}

	newShard := 0
	var newOffset int64
	srcShard := 0
	var srcOffset int64
	var processed int64

	for processed < totalFiles {
		available := int64(1<<62 - 1)
		if limit != cos.ShardSizeUnlimited {
			available = limit - newOffset
		}
		c, found, err := findNextChunk(idx, srcShard, srcOffset, available)
		if err != nil {
			return report, err
		}
		if !found {
			if newOffset > 0 && limit != cos.ShardSizeUnlimited {
				if err := shards.Truncate(newShard, newOffset); err != nil {
					return report, err
				}
				newShard++
				newOffset = 0
				continue
			}
			break
		}

		if !(newShard == c.shard && newOffset == c.startOffset) {
			data, err := shards.ReadRange(c.shard, c.startOffset, c.size())
			if err != nil {
				return report, errors.Wrap(err, "reading chunk during smart defrag")
			}
			if _, err := shards.WriteAt(newShard, newOffset, data); err != nil {
				return report, errors.Wrap(err, "writing chunk during smart defrag")
			}
			if err := idx.ShiftRun(c.shard, c.startOffset, c.endOffset, newShard, newOffset-c.startOffset); err != nil {
				return report, err
			}
		}

		fileCount, err := idx.CountFilesInRange(newShard, newOffset, newOffset+c.size())
		if err != nil {
			return report, err
		}
		processed += fileCount
		newOffset += c.size()
		srcShard, srcOffset = c.shard, c.endOffset
	}

	if err := shards.Truncate(newShard, newOffset); err != nil {
		return report, err
	}
	for i := shards.NumShards() - 1; i > newShard; i-- {
		if err := shards.DeleteShard(i); err != nil {
			return report, err
		}
	}

	report.BytesReclaimed, err = reclaimedSince(s, oldTotal)
	if err != nil {
		return report, err
	}
	s.Metrics().DefragRuns.Inc()
	refreshGauges(s, "defrag")
	s.Metrics().GapBytesFreed.Add(float64(report.BytesReclaimed))
	blog.Infof("defrag(smart): reclaimed %d bytes", report.BytesReclaimed)
	return report, nil
}

// QuickDefragOptions bounds DefragQuick's running time and tolerance for
// stuck (unmovable) tail files.
type QuickDefragOptions struct {
	TimeMax        time.Duration
	MaxSkipNormal  int
	MaxSkipOutlier int
}

// DefaultQuickDefragOptions mirrors defrag_quick's Python defaults.
func DefaultQuickDefragOptions() QuickDefragOptions {
	return QuickDefragOptions{TimeMax: 5 * time.Second, MaxSkipNormal: 2, MaxSkipOutlier: 10}
}

// DefragQuick is a time-bounded, best-effort defrag (spec §4.5.2): starting
// from the most-recently-written (highest-address) files, it moves each
// into the earliest gap it fits, stopping once the time budget is spent or
// enough consecutive files fail to find a gap (a sign most remaining gaps
// are exhausted). Any files it could not place are finally compacted
// in-place against whatever gap sits directly before them.
func DefragQuick(s *store.Store, opts QuickDefragOptions) (Report, error) {
	var report Report
	if err := requireReadWrite(s, "defrag"); err != nil {
		return report, err
	}
	idx := s.Index()
	shards := s.Shards()

	start := time.Now()
	gaps, err := idx.ComputeGaps()
	if err != nil {
		return report, err
	}
	sort.Slice(gaps, func(i, j int) bool {
		return gaps[i].Shard < gaps[j].Shard || (gaps[i].Shard == gaps[j].Shard && gaps[i].Offset < gaps[j].Offset)
	})
	oldTotal, err := physicalSize(s)
	if err != nil {
		return report, err
	}
	outlierThreshold, err := idx.PercentileFileSize(0.95)
	if err != nil {
		return report, err
	}

	var relocs []index.Relocation
	var skipped []index.FileInfo
	normalSkipped, outlierSkipped := 0, 0

	walkErr := idx.IterAllFileInfos(index.OrderAddress|index.OrderDesc, func(fi index.FileInfo) error {
		if time.Since(start) > opts.TimeMax {
			return errStopIter
		}
		moved, err := moveToEarlierGap(shards, fi, &gaps)
		if err != nil {
			return err
		}
		if moved.ok {
			relocs = append(relocs, index.Relocation{Path: fi.Path, Shard: moved.shard, Offset: moved.offset})
			insertGapSorted(&gaps, index.GapInfo{Shard: fi.Shard, Offset: fi.Offset, Size: fi.Size})
			return nil
		}
		skipped = append(skipped, fi)
		if fi.Size >= outlierThreshold {
			outlierSkipped++
			if outlierSkipped > opts.MaxSkipOutlier {
				return errStopIter
			}
		} else {
			normalSkipped++
			if normalSkipped > opts.MaxSkipNormal {
				return errStopIter
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != errStopIter {
		return report, walkErr
	}
	if err := idx.BulkRelocate(relocs); err != nil {
		return report, err
	}

	if len(skipped) > 0 {
		tailRelocs, err := compactStuckTail(shards, skipped, gaps)
		if err != nil {
			return report, err
		}
		if err := idx.BulkRelocate(tailRelocs); err != nil {
			return report, err
		}
	}

	if err := truncateAllToLogicalEnd(s); err != nil {
		return report, err
	}

	report.BytesReclaimed, err = reclaimedSince(s, oldTotal)
	if err != nil {
		return report, err
	}
	s.Metrics().DefragRuns.Inc()
	refreshGauges(s, "defrag")
	s.Metrics().GapBytesFreed.Add(float64(report.BytesReclaimed))
	blog.Infof("defrag(quick): reclaimed %d bytes in %s", report.BytesReclaimed, time.Since(start))
	return report, nil
}

type movedTo struct {
	ok     bool
	shard  int
	offset int64
}

// moveToEarlierGap scans gaps (sorted by address) for the first one at or
// after the start of the archive but strictly before fi's own position
// that is large enough to hold fi; it copies fi's bytes there and shrinks
// the gap in place. Returns ok=false once the scan reaches fi's own
// position without finding room — any later gap is physically after fi
// and moving there would not help.
func moveToEarlierGap(shards *shard.Set, fi index.FileInfo, gaps *[]index.GapInfo) (movedTo, error) {
	gg := *gaps
	for i := range gg {
		g := &gg[i]
		if g.Shard > fi.Shard || (g.Shard == fi.Shard && g.Offset >= fi.Offset) {
			return movedTo{}, nil
		}
		if g.Size >= fi.Size {
			data, err := shards.ReadRange(fi.Shard, fi.Offset, fi.Size)
			if err != nil {
				return movedTo{}, err
			}
			if _, err := shards.WriteAt(g.Shard, g.Offset, data); err != nil {
				return movedTo{}, err
			}
			result := movedTo{ok: true, shard: g.Shard, offset: g.Offset}
			g.Size -= fi.Size
			g.Offset += fi.Size
			if g.Size == 0 {
				*gaps = append(gg[:i], gg[i+1:]...)
			}
			return result, nil
		}
	}
	return movedTo{}, nil
}

// insertGapSorted inserts g into the address-sorted gaps slice, merging
// with an adjacent gap on either side when the newly freed range is
// contiguous with one.
func insertGapSorted(gaps *[]index.GapInfo, g index.GapInfo) {
	gg := *gaps
	i := sort.Search(len(gg), func(i int) bool {
		return gg[i].Shard > g.Shard || (gg[i].Shard == g.Shard && gg[i].Offset >= g.Offset)
	})
	if i > 0 {
		prev := &gg[i-1]
		if prev.Shard == g.Shard && prev.Offset+prev.Size == g.Offset {
			prev.Size += g.Size
			if i < len(gg) && gg[i].Shard == prev.Shard && prev.Offset+prev.Size == gg[i].Offset {
				prev.Size += gg[i].Size
				gg = append(gg[:i], gg[i+1:]...)
			}
			*gaps = gg
			return
		}
	}
	if i < len(gg) {
		next := &gg[i]
		if next.Shard == g.Shard && g.Offset+g.Size == next.Offset {
			next.Offset = g.Offset
			next.Size += g.Size
			*gaps = gg
			return
		}
	}
	gg = append(gg, index.GapInfo{})
	copy(gg[i+1:], gg[i:])
	gg[i] = g
	*gaps = gg
}

// compactStuckTail shifts files that DefragQuick could not relocate
// backward into whatever gap sits directly before them in the same shard,
// closing as much of the tail's fragmentation as possible without a full
// defrag pass.
func compactStuckTail(shards *shard.Set, stuck []index.FileInfo, gaps []index.GapInfo) ([]index.Relocation, error) {
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].Shard < stuck[j].Shard || (stuck[i].Shard == stuck[j].Shard && stuck[i].Offset < stuck[j].Offset)
	})
	var relocs []index.Relocation
	for _, fi := range stuck {
		for i := range gaps {
			g := &gaps[i]
			if g.Shard == fi.Shard && g.Offset+g.Size == fi.Offset {
				data, err := shards.ReadRange(fi.Shard, fi.Offset, fi.Size)
				if err != nil {
					return nil, err
				}
				if _, err := shards.WriteAt(fi.Shard, g.Offset, data); err != nil {
					return nil, err
				}
				relocs = append(relocs, index.Relocation{Path: fi.Path, Shard: fi.Shard, Offset: g.Offset})
				g.Offset = g.Offset + fi.Size
				break
			}
			if g.Shard > fi.Shard || (g.Shard == fi.Shard && g.Offset > fi.Offset) {
				break
			}
		}
	}
	return relocs, nil
}

func truncateAllToLogicalEnd(s *store.Store) error {
	idx := s.Index()
	shards := s.Shards()
	for shardIdx := 0; shardIdx < shards.NumShards(); shardIdx++ {
		end, err := idx.ShardLogicalEnd(shardIdx)
		if err != nil {
			return err
		}
		if err := shards.Truncate(shardIdx, end); err != nil {
			return err
		}
	}
	return nil
}

// NeedsDefrag reports whether the archive's physical size exceeds its
// logical size — a cheap heuristic, not a guarantee (the underlying
// filesystem's reported size may lag reality slightly).
func NeedsDefrag(s *store.Store) (bool, error) {
	phys, err := physicalSize(s)
	if err != nil {
		return false, err
	}
	logical, err := s.Index().TotalLogicalSize()
	if err != nil {
		return false, err
	}
	return phys > logical, nil
}

// GapStats summarizes fragmentation for monitoring/reporting.
type GapStats struct {
	TotalGapSize       int64   `json:"total_gap_size"`
	NumGaps            int     `json:"num_gaps"`
	PhysicalSize       int64   `json:"physical_size"`
	LogicalSize        int64   `json:"logical_size"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
}

// JSON renders the stats compactly with json-iterator (same drop-in JSON
// idiom the teacher uses throughout cmn/ais), for CLI/monitoring consumers.
func (g GapStats) JSON() ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(g)
}

// GetGapStats computes GapStats (spec §4.5 "fragmentation_ratio").
func GetGapStats(s *store.Store) (GapStats, error) {
	var stats GapStats
	gaps, err := s.Index().ComputeGaps()
	if err != nil {
		return stats, err
	}
	for _, g := range gaps {
		stats.TotalGapSize += g.Size
	}
	stats.NumGaps = len(gaps)
	stats.PhysicalSize, err = physicalSize(s)
	if err != nil {
		return stats, err
	}
	stats.LogicalSize, err = s.Index().TotalLogicalSize()
	if err != nil {
		return stats, err
	}
	if stats.LogicalSize > 0 {
		stats.FragmentationRatio = float64(stats.PhysicalSize) / float64(stats.LogicalSize)
	} else {
		stats.FragmentationRatio = 1.0
	}
	return stats, nil
}
