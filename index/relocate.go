package index

import "github.com/pkg/errors"

// Relocation is a pure placement change for a file whose payload bytes and
// size are not changing — the only kind of update defrag, reshard, and
// copy-merge's record bookkeeping ever need. Since size is constant,
// directory aggregates (§3.2 invariant 5) are unaffected and need no
// propagation; this is materially cheaper than UpdateFilePlacement's
// general form when the placement is the entire mutation.
type Relocation struct {
	Path   string
	Shard  int
	Offset int64
}

// BulkRelocate applies many placement-only updates in a single
// transaction — used by the defrag/reshard/merge algorithms in the
// maintenance package, each of which computes destinations for a batch of
// files (or one contiguous run) before writing anything to disk.
func (idx *Index) BulkRelocate(relocs []Relocation) error {
	if len(relocs) == 0 {
		return nil
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`UPDATE files SET shard=?, offset=? WHERE path=?`)
	if err != nil {
		return errors.Wrap(err, "preparing bulk relocate")
	}
	for _, r := range relocs {
		if _, err := stmt.Exec(r.Shard, r.Offset, r.Path); err != nil {
			stmt.Close()
			return errors.Wrapf(err, "relocating %s", r.Path)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// MaxFileSize returns the largest file size currently in the index, used by
// Reshard to validate the new limit before moving any byte.
func (idx *Index) MaxFileSize() (int64, error) {
	var max int64
	row := idx.db.QueryRow(`SELECT COALESCE(MAX(size), 0) FROM files`)
	if err := row.Scan(&max); err != nil {
		return 0, errors.Wrap(err, "computing max file size")
	}
	return max, nil
}

// NumFiles returns the total file count.
func (idx *Index) NumFiles() (int64, error) {
	var n int64
	row := idx.db.QueryRow(`SELECT count(*) FROM files`)
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting files")
	}
	return n, nil
}

// GapInfo describes one unreferenced byte range within a shard.
type GapInfo struct {
	Shard  int
	Offset int64
	Size   int64
}

// ComputeGaps returns every gap (spec GLOSSARY: a byte range with no file
// covering it, bounded above by the shard's logical end) across all
// shards, in a single pass: per shard, the range before the first file and
// the range after each file up to the next file (or the shard's logical
// end).
func (idx *Index) ComputeGaps() ([]GapInfo, error) {
	const q = `
WITH ends(shard, offset, end_off, next_off) AS (
	SELECT shard, offset, offset + size,
	       LEAD(offset) OVER (PARTITION BY shard ORDER BY offset)
	FROM files
),
starts(shard, first_off) AS (
	SELECT shard, MIN(offset) FROM files GROUP BY shard
)
SELECT shard, 0, first_off FROM starts WHERE first_off > 0
UNION ALL
SELECT shard, end_off, COALESCE(next_off, end_off) FROM ends WHERE next_off IS NULL OR next_off > end_off
ORDER BY 1, 2`
	rows, err := idx.db.Query(q)
	if err != nil {
		return nil, errors.Wrap(err, "computing gaps")
	}
	defer rows.Close()
	var gaps []GapInfo
	for rows.Next() {
		var shard int
		var off, end int64
		if err := rows.Scan(&shard, &off, &end); err != nil {
			return nil, err
		}
		if end > off {
			gaps = append(gaps, GapInfo{Shard: shard, Offset: off, Size: end - off})
		}
	}
	return gaps, rows.Err()
}
