package index

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/cos"
)

// Placement is where a (re)located payload should go.
type Placement struct {
	Shard    int
	Offset   int64
	NewShard bool // caller must StartNewShard() before writing here
}

// FindSpace implements spec §4.3.3 verbatim: first check the gap
// immediately following the file in its own shard, then a single
// window-function pass across all shards for the first sufficiently large
// gap in (shard, offset) order, then fall back to the end of the last used
// shard (or a new shard if that would exceed the limit). It returns the
// placement only; the caller performs the copy.
func (idx *Index) FindSpace(file FileInfo, newSize int64) (Placement, error) {
	// 1. gap right after the file, in its own shard (bounded by the next
	// file's offset, or by the shard size limit when the file is last)
	nextOffset, hasNext, err := idx.nextFileOffsetInShard(file.Shard, file.Offset)
	if err != nil {
		return Placement{}, err
	}
	limit := idx.shardSizeLimit
	gapEnd := limit
	if hasNext {
		gapEnd = nextOffset
	}
	if file.Offset+newSize <= gapEnd {
		return Placement{Shard: file.Shard, Offset: file.Offset}, nil
	}

	// 2. first sufficiently large gap across all shards, via LEAD() OVER
	// (PARTITION BY shard ORDER BY offset) — the window-function pass the
	// spec calls out explicitly. The LEAD default bounds each shard's tail
	// gap by the shard size limit.
	const q = `
WITH ends(shard, end_off, next_off) AS (
	SELECT shard, offset + size,
	       LEAD(offset, 1, ?) OVER (PARTITION BY shard ORDER BY offset)
	FROM files
)
SELECT shard, end_off
FROM ends
WHERE next_off - end_off >= ?
ORDER BY shard, end_off
LIMIT 1`
	var gapShard int
	var gapOffset int64
	row := idx.db.QueryRow(q, limit, newSize)
	err = row.Scan(&gapShard, &gapOffset)
	if err == nil {
		return Placement{Shard: gapShard, Offset: gapOffset}, nil
	}
	if err != sql.ErrNoRows {
		return Placement{}, errors.Wrap(err, "searching for a placement gap")
	}

	// 3. append to the end of the last used shard, or a new shard
	lastShard, lastEnd, err := idx.lastShardAndEnd()
	if err != nil {
		return Placement{}, err
	}
	if lastShard < 0 || (idx.shardSizeLimit != cos.ShardSizeUnlimited && lastEnd+newSize > idx.shardSizeLimit) {
		return Placement{Shard: lastShard + 1, Offset: 0, NewShard: true}, nil
	}
	return Placement{Shard: lastShard, Offset: lastEnd}, nil
}

func (idx *Index) nextFileOffsetInShard(shard int, afterOffset int64) (int64, bool, error) {
	var off int64
	err := idx.db.QueryRow(
		`SELECT offset FROM files WHERE shard = ? AND offset > ? ORDER BY offset LIMIT 1`,
		shard, afterOffset).Scan(&off)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "finding next file in shard")
	}
	return off, true, nil
}

func (idx *Index) shardLogicalEnd(shard int) (int64, error) {
	var end sql.NullInt64
	err := idx.db.QueryRow(
		`SELECT MAX(offset + size) FROM files WHERE shard = ?`, shard).Scan(&end)
	if err != nil {
		return 0, errors.Wrap(err, "computing shard logical end")
	}
	return end.Int64, nil
}

func (idx *Index) lastShardAndEnd() (shard int, end int64, err error) {
	var s sql.NullInt64
	var e sql.NullInt64
	row := idx.db.QueryRow(`SELECT shard, MAX(offset + size) FROM files
		WHERE shard = (SELECT MAX(shard) FROM files) GROUP BY shard`)
	if err := row.Scan(&s, &e); err != nil {
		if err == sql.ErrNoRows {
			return -1, 0, nil
		}
		return 0, 0, errors.Wrap(err, "finding last shard")
	}
	return int(s.Int64), e.Int64, nil
}
