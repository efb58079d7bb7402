package index

import "github.com/pkg/errors"

// ShardLogicalEnd is the exported form of shardLogicalEnd, used by
// maintenance's quick defrag to truncate every shard back to its true
// logical end after a round of file moves.
func (idx *Index) ShardLogicalEnd(shard int) (int64, error) {
	return idx.shardLogicalEnd(shard)
}

// TotalLogicalSize sums every file's size — the logical_size defrag
// compares against total physical shard size to decide NeedsDefrag.
func (idx *Index) TotalLogicalSize() (int64, error) {
	var total int64
	row := idx.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM files`)
	if err := row.Scan(&total); err != nil {
		return 0, errors.Wrap(err, "summing logical size")
	}
	return total, nil
}

// PercentileFileSize returns the file size at the given percentile
// (0..1) of the size distribution, used by quick defrag to classify
// "outlier" (too-big-to-easily-relocate) files it should tolerate
// skipping more of than normal-sized ones.
func (idx *Index) PercentileFileSize(percentile float64) (int64, error) {
	n, err := idx.NumFiles()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 1<<62 - 1, nil
	}
	offset := int64(float64(n) * percentile)
	row := idx.db.QueryRow(`SELECT size FROM files ORDER BY size LIMIT 1 OFFSET ?`, offset)
	var size int64
	if err := row.Scan(&size); err != nil {
		return 1<<62 - 1, nil
	}
	return size, nil
}

// ShiftRun relocates every file in [startOffset, endOffset) of srcShard to
// dstShard with the same offset plus offsetDelta, in one statement — the
// batched-update half of smart defrag's contiguous-chunk move.
func (idx *Index) ShiftRun(srcShard int, startOffset, endOffset int64, dstShard int, offsetDelta int64) error {
	_, err := idx.db.Exec(
		`UPDATE files SET shard = ?, offset = offset + ? WHERE shard = ? AND offset >= ? AND offset < ?`,
		dstShard, offsetDelta, srcShard, startOffset, endOffset)
	return errors.Wrap(err, "shifting run")
}

// CountFilesInRange counts file records within [startOffset, endOffset) of
// shard, used to track progress through a smart-defrag chunk.
func (idx *Index) CountFilesInRange(shard int, startOffset, endOffset int64) (int64, error) {
	var n int64
	row := idx.db.QueryRow(
		`SELECT count(*) FROM files WHERE shard = ? AND offset >= ? AND offset < ?`,
		shard, startOffset, endOffset)
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting files in range")
	}
	return n, nil
}
