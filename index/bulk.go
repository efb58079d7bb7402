package index

import "github.com/pkg/errors"

// BulkSession suspends trigger-based aggregate maintenance for the
// duration of a large write operation (create-from-scratch, merge-into-
// empty, schema upgrade — spec §4.3.2 "bulk mode" / GLOSSARY). Callers
// must call Close, which runs UpdateDirs + UpdateTreestats to bring the
// dirs table back to an exact state (invariant 5) before returning.
type BulkSession struct {
	idx  *Index
	prev bool
}

// BeginBulk disables use_triggers for the duration of the session.
func (idx *Index) BeginBulk() (*BulkSession, error) {
	prev := idx.useTriggers
	if err := idx.SetConfigInt("use_triggers", 0); err != nil {
		return nil, err
	}
	idx.useTriggers = false
	return &BulkSession{idx: idx, prev: prev}, nil
}

// Close recomputes all directory aggregates exactly and restores the prior
// use_triggers setting.
func (b *BulkSession) Close() error {
	if err := b.idx.UpdateDirs(); err != nil {
		return err
	}
	if err := b.idx.UpdateTreestats(); err != nil {
		return err
	}
	if err := b.idx.SetConfigInt("use_triggers", boolToInt(b.prev)); err != nil {
		return err
	}
	b.idx.useTriggers = b.prev
	return nil
}

// UpdateDirs derives the distinct set of ancestor directory paths implied
// by every files.parent and dirs.parent value, then inserts any missing
// dir rows (spec §4.3.2 step 1). The ancestor expansion (splitting a path
// into every "/"-bounded prefix) is done in Go rather than as a single
// recursive-CTE string-split, which SQLite's string functions make
// awkward to express portably; this runs once per bulk session rather
// than per mutation, so the extra round trips are off any hot path.
func (idx *Index) UpdateDirs() error {
	seen := map[string]bool{"": true}
	var parents []string

	rows, err := idx.db.Query(`SELECT DISTINCT parent FROM files`)
	if err != nil {
		return errors.Wrap(err, "collecting file parents")
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		parents = append(parents, p)
	}
	rows.Close()

	drows, err := idx.db.Query(`SELECT path FROM dirs`)
	if err != nil {
		return errors.Wrap(err, "collecting existing dirs")
	}
	for drows.Next() {
		var p string
		if err := drows.Scan(&p); err != nil {
			drows.Close()
			return err
		}
		seen[p] = true
	}
	drows.Close()

	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range parents {
		for _, anc := range ancestorsInclusive(p) {
			if seen[anc] {
				continue
			}
			seen[anc] = true
			if _, err := tx.Exec(`INSERT OR IGNORE INTO dirs(path) VALUES (?)`, anc); err != nil {
				return errors.Wrapf(err, "inserting derived dir %s", anc)
			}
		}
	}
	return tx.Commit()
}

// UpdateTreestats recomputes num_files, num_subdirs, num_files_tree, and
// size_tree for every directory from first principles: every file is
// expanded to all of its ancestors into a temporary table, then a single
// UPDATE joins the grouped sums back into dirs. This is the
// O(files · avg_depth) algorithm spec §4.3.2 calls out as asymptotically
// dominant over an O(dirs · files) GLOB/LIKE scan at millions-of-files
// scale — the expansion itself is the cheap part (one pass per file over
// an in-memory ancestor list), the win is avoiding a per-directory scan of
// the files table.
func (idx *Index) UpdateTreestats() error {
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS _tree_stats(ancestor TEXT, size INTEGER)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS temp.idx_tree_stats_anc ON _tree_stats(ancestor)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM _tree_stats`); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT parent, size FROM files`)
	if err != nil {
		return errors.Wrap(err, "reading files for tree-stats expansion")
	}
	type pair struct {
		ancestor string
		size     int64
	}
	var expansion []pair
	for rows.Next() {
		var parent string
		var size int64
		if err := rows.Scan(&parent, &size); err != nil {
			rows.Close()
			return err
		}
		for _, anc := range ancestorsInclusive(parent) {
			expansion = append(expansion, pair{anc, size})
		}
	}
	rows.Close()

	stmt, err := tx.Prepare(`INSERT INTO _tree_stats(ancestor, size) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	for _, e := range expansion {
		if _, err := stmt.Exec(e.ancestor, e.size); err != nil {
			stmt.Close()
			return err
		}
	}
	stmt.Close()

	if _, err := tx.Exec(`
UPDATE dirs SET
	num_files_tree = COALESCE((SELECT count(*) FROM _tree_stats WHERE ancestor = dirs.path), 0),
	size_tree      = COALESCE((SELECT sum(size) FROM _tree_stats WHERE ancestor = dirs.path), 0)`); err != nil {
		return errors.Wrap(err, "writing back size_tree/num_files_tree")
	}
	if _, err := tx.Exec(`
UPDATE dirs SET num_files = (SELECT count(*) FROM files WHERE files.parent = dirs.path)`); err != nil {
		return errors.Wrap(err, "writing back num_files")
	}
	if _, err := tx.Exec(`
UPDATE dirs SET num_subdirs = (SELECT count(*) FROM dirs d2 WHERE d2.parent = dirs.path)`); err != nil {
		return errors.Wrap(err, "writing back num_subdirs")
	}
	return tx.Commit()
}
