package index

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/paths"
)

// AddFileOptions carries the POSIX-style metadata a new file record may
// carry; all fields are optional (spec §3.1 FileRecord, all nullable).
type AddFileOptions struct {
	CRC32C   *uint32
	Mode     *uint32
	UID, GID *int
	MtimeNs  *int64
}

// AddFile inserts a new file record at the given placement, auto-creating
// any missing ancestor directories (spec §3.3, §4.4.1 add). Fails with
// *bcerr.FileExists if path is already a file or a directory.
func (idx *Index) AddFile(path string, shard int, offset, size int64, opts AddFileOptions) error {
	isFile, isDir, err := idx.Exists(path)
	if err != nil {
		return err
	}
	if isFile || isDir {
		return &bcerr.FileExists{Path: path}
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := idx.ensureAncestorsTx(tx, path); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO files(path, shard, offset, size, crc32c, mode, uid, gid, mtime_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		path, shard, offset, size,
		nullUint32(opts.CRC32C), nullUint32(opts.Mode), nullInt(opts.UID), nullInt(opts.GID), nullInt64(opts.MtimeNs))
	if err != nil {
		if isUniqueViolation(err) {
			return &bcerr.FileExists{Path: path}
		}
		return errors.Wrapf(err, "inserting file %s", path)
	}
	if !idx.useTriggers {
		if err := updateAggregatesOnInsertTx(tx, paths.Parent(path), size); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddDir inserts a new, empty directory record. If existOk and the path is
// already a directory, this is a no-op.
func (idx *Index) AddDir(path string, existOk bool, mode *uint32, uid, gid *int, mtimeNs *int64) error {
	isFile, isDir, err := idx.Exists(path)
	if err != nil {
		return err
	}
	if isFile {
		return &bcerr.NotADirectory{Path: path}
	}
	if isDir {
		if existOk {
			return nil
		}
		return &bcerr.FileExists{Path: path}
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := idx.ensureAncestorsTx(tx, path); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO dirs(path, mode, uid, gid, mtime_ns) VALUES (?, ?, ?, ?, ?)`,
		path, nullUint32(mode), nullInt(uid), nullInt(gid), nullInt64(mtimeNs))
	if err != nil {
		if isUniqueViolation(err) {
			return &bcerr.FileExists{Path: path}
		}
		return errors.Wrapf(err, "inserting dir %s", path)
	}
	if !idx.useTriggers {
		if err := updateSubdirCountTx(tx, paths.Parent(path), +1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ensureAncestorsTx inserts any ancestor dir rows of path that don't yet
// exist, in root-to-leaf order.
func (idx *Index) ensureAncestorsTx(tx *sql.Tx, path string) error {
	for _, anc := range paths.Ancestors(path) {
		isFile, isDir, err := existsTx(tx, anc)
		if err != nil {
			return err
		}
		if isFile {
			return &bcerr.NotADirectory{Path: anc}
		}
		if isDir {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO dirs(path) VALUES (?)`, anc); err != nil {
			return errors.Wrapf(err, "auto-creating ancestor dir %s", anc)
		}
		if !idx.useTriggers && anc != paths.Root {
			if err := updateSubdirCountTx(tx, paths.Parent(anc), +1); err != nil {
				return err
			}
		}
	}
	return nil
}

func existsTx(tx *sql.Tx, path string) (isFile, isDir bool, err error) {
	var n int
	if err := tx.QueryRow(`SELECT count(*) FROM files WHERE path=?`, path).Scan(&n); err != nil {
		return false, false, err
	}
	isFile = n > 0
	if err := tx.QueryRow(`SELECT count(*) FROM dirs WHERE path=?`, path).Scan(&n); err != nil {
		return false, false, err
	}
	isDir = n > 0
	return isFile, isDir, nil
}

func updateSubdirCountTx(tx *sql.Tx, parent string, delta int) error {
	_, err := tx.Exec(`UPDATE dirs SET num_subdirs = num_subdirs + ? WHERE path = ?`, delta, parent)
	return err
}

// updateAggregatesOnInsertTx adds size to num_files_tree/size_tree of every
// ancestor of parent (inclusive) and 1 to num_files of parent itself — the
// explicit, non-trigger counterpart of trg_files_ai, used when use_triggers
// is off for this operation (spec §9 "implement both paths explicitly").
func updateAggregatesOnInsertTx(tx *sql.Tx, parent string, size int64) error {
	if _, err := tx.Exec(`UPDATE dirs SET num_files = num_files + 1 WHERE path = ?`, parent); err != nil {
		return err
	}
	ancestors := ancestorsInclusive(parent)
	for _, anc := range ancestors {
		if _, err := tx.Exec(
			`UPDATE dirs SET num_files_tree = num_files_tree + 1, size_tree = size_tree + ? WHERE path = ?`,
			size, anc); err != nil {
			return err
		}
	}
	return nil
}

func updateAggregatesOnDeleteTx(tx *sql.Tx, parent string, size int64) error {
	if _, err := tx.Exec(`UPDATE dirs SET num_files = num_files - 1 WHERE path = ?`, parent); err != nil {
		return err
	}
	for _, anc := range ancestorsInclusive(parent) {
		if _, err := tx.Exec(
			`UPDATE dirs SET num_files_tree = num_files_tree - 1, size_tree = size_tree - ? WHERE path = ?`,
			size, anc); err != nil {
			return err
		}
	}
	return nil
}

func ancestorsInclusive(path string) []string {
	if path == paths.Root {
		return []string{paths.Root}
	}
	return append(paths.Ancestors(path), path)
}

// UpdateFilePlacement rewrites a file's (shard, offset, size, crc32c) after
// a relocating update, in-place overwrite, or defrag/reshard move,
// propagating the size delta through the aggregate columns.
func (idx *Index) UpdateFilePlacement(path string, shard int, offset, size int64, crc *uint32) error {
	old, err := idx.LookupFile(path)
	if err != nil {
		return err
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`UPDATE files SET shard=?, offset=?, size=?, crc32c=? WHERE path=?`,
		shard, offset, size, nullUint32(crc), path)
	if err != nil {
		return errors.Wrapf(err, "updating placement of %s", path)
	}
	if delta := size - old.Size; delta != 0 && !idx.useTriggers {
		for _, anc := range ancestorsInclusive(paths.Parent(path)) {
			if _, err := tx.Exec(
				`UPDATE dirs SET size_tree = size_tree + ? WHERE path = ?`, delta, anc); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// RemoveFile deletes a file record, propagating aggregate deltas.
func (idx *Index) RemoveFile(path string) error {
	fi, err := idx.LookupFile(path)
	if err != nil {
		return err
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM files WHERE path=?`, path); err != nil {
		return errors.Wrapf(err, "deleting file %s", path)
	}
	if !idx.useTriggers {
		if err := updateAggregatesOnDeleteTx(tx, paths.Parent(path), fi.Size); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveEmptyDir deletes path from dirs, failing with
// *bcerr.DirectoryNotEmpty if it has any children.
func (idx *Index) RemoveEmptyDir(path string) error {
	if path == paths.Root {
		return errors.New("cannot remove the root directory")
	}
	dir, err := idx.LookupDir(path)
	if err != nil {
		return err
	}
	if dir.NumEntries() > 0 {
		return &bcerr.DirectoryNotEmpty{Path: path}
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.Exec(`DELETE FROM dirs WHERE path=?`, path); err != nil {
		return errors.Wrapf(err, "deleting dir %s", path)
	}
	if !idx.useTriggers {
		if err := updateSubdirCountTx(tx, paths.Parent(path), -1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveRecursively deletes path and every descendant file/dir, propagating
// the whole subtree's stats out of every ancestor above path.
func (idx *Index) RemoveRecursively(path string) error {
	if path == paths.Root {
		return errors.New("cannot remove the root directory")
	}
	dir, err := idx.LookupDir(path)
	if err != nil {
		return err
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	like := globEscape(path) + "/*"
	if _, err := tx.Exec(`DELETE FROM files WHERE path = ? OR path GLOB ?`, path, like); err != nil {
		return errors.Wrapf(err, "deleting files under %s", path)
	}
	if _, err := tx.Exec(`DELETE FROM dirs WHERE path = ? OR path GLOB ?`, path, like); err != nil {
		return errors.Wrapf(err, "deleting dirs under %s", path)
	}
	if !idx.useTriggers {
		if err := updateSubdirCountTx(tx, paths.Parent(path), -1); err != nil {
			return err
		}
		for _, anc := range ancestorsInclusive(paths.Parent(path)) {
			if _, err := tx.Exec(
				`UPDATE dirs SET num_files_tree = num_files_tree - ?, size_tree = size_tree - ? WHERE path = ?`,
				dir.NumFilesTree, dir.SizeTree, anc); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Rename implements spec §4.3.6: a file rename is a single row update; a
// directory rename updates the dir's own row, then batch-rewrites every
// descendant's path (both tables) with one prefix-substitution UPDATE per
// table — no per-row traversal. Path-column updates fire none of the
// insert/delete aggregate triggers, so when the move changes the parent,
// the aggregate deltas (num_files/num_subdirs on the two parents, tree
// stats along both ancestor chains) are applied explicitly here in both
// trigger and non-trigger modes.
func (idx *Index) Rename(src, dst string, allowOverwrite bool) error {
	if src == paths.Root || dst == paths.Root {
		return errors.New("cannot rename the root directory")
	}
	if src == dst {
		return nil
	}
	isFile, isDir, err := idx.Exists(src)
	if err != nil {
		return err
	}
	if !isFile && !isDir {
		return &bcerr.FileNotFound{Path: src}
	}
	if isDir && strings.HasPrefix(dst, src+"/") {
		return errors.Errorf("cannot move %s into itself", src)
	}
	dstIsFile, dstIsDir, err := idx.Exists(dst)
	if err != nil {
		return err
	}
	if dstIsDir {
		if isFile {
			// A file can never displace a directory, overwrite or not.
			return &bcerr.IsADirectory{Path: dst}
		}
		if !allowOverwrite {
			return &bcerr.FileExists{Path: dst}
		}
		// Overwriting dir-onto-dir: the destination must be empty and is
		// removed up front, so the subtree rewrite below lands cleanly.
		if err := idx.RemoveEmptyDir(dst); err != nil {
			return err
		}
	}
	if dstIsFile {
		if !allowOverwrite {
			return &bcerr.FileExists{Path: dst}
		}
		if isDir {
			return &bcerr.NotADirectory{Path: dst}
		}
	}

	var srcFile FileInfo
	var srcDir DirInfo
	if isFile {
		if srcFile, err = idx.LookupFile(src); err != nil {
			return err
		}
	} else {
		if srcDir, err = idx.LookupDir(src); err != nil {
			return err
		}
	}
	var dstFile FileInfo
	if dstIsFile {
		if dstFile, err = idx.LookupFile(dst); err != nil {
			return err
		}
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := idx.ensureAncestorsTx(tx, dst); err != nil {
		return err
	}

	if dstIsFile {
		// Overwrite: drop the displaced record, leaving its bytes as a gap.
		if _, err := tx.Exec(`DELETE FROM files WHERE path=?`, dst); err != nil {
			return errors.Wrapf(err, "removing overwritten file %s", dst)
		}
		if !idx.useTriggers {
			if err := updateAggregatesOnDeleteTx(tx, paths.Parent(dst), dstFile.Size); err != nil {
				return err
			}
		}
	}

	oldParent, newParent := paths.Parent(src), paths.Parent(dst)

	if isFile {
		if _, err := tx.Exec(`UPDATE files SET path=? WHERE path=?`, dst, src); err != nil {
			return errors.Wrapf(err, "renaming file %s -> %s", src, dst)
		}
		if oldParent != newParent {
			if err := shiftTreeStatsTx(tx, oldParent, newParent, 1, srcFile.Size); err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE dirs SET num_files = num_files - 1 WHERE path = ?`, oldParent); err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE dirs SET num_files = num_files + 1 WHERE path = ?`, newParent); err != nil {
				return err
			}
		}
	} else {
		if _, err := tx.Exec(`UPDATE dirs SET path=? WHERE path=?`, dst, src); err != nil {
			return errors.Wrapf(err, "renaming dir %s -> %s", src, dst)
		}
		srcLike := globEscape(src) + "/*"
		cut := int64(len(src) + 1)
		if _, err := tx.Exec(`UPDATE files SET path = ? || substr(path, ?) WHERE path GLOB ?`,
			dst, cut, srcLike); err != nil {
			return errors.Wrapf(err, "rewriting file paths under %s", src)
		}
		if _, err := tx.Exec(`UPDATE dirs SET path = ? || substr(path, ?) WHERE path GLOB ?`,
			dst, cut, srcLike); err != nil {
			return errors.Wrapf(err, "rewriting dir paths under %s", src)
		}
		if oldParent != newParent {
			if err := shiftTreeStatsTx(tx, oldParent, newParent, srcDir.NumFilesTree, srcDir.SizeTree); err != nil {
				return err
			}
			if err := updateSubdirCountTx(tx, oldParent, -1); err != nil {
				return err
			}
			if err := updateSubdirCountTx(tx, newParent, +1); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// shiftTreeStatsTx moves numFiles/size out of oldParent's ancestor chain
// (inclusive) and into newParent's. Shared ancestors of both chains net to
// zero, so the two passes compose to the exact delta.
func shiftTreeStatsTx(tx *sql.Tx, oldParent, newParent string, numFiles, size int64) error {
	for _, anc := range ancestorsInclusive(oldParent) {
		if _, err := tx.Exec(
			`UPDATE dirs SET num_files_tree = num_files_tree - ?, size_tree = size_tree - ? WHERE path = ?`,
			numFiles, size, anc); err != nil {
			return err
		}
	}
	for _, anc := range ancestorsInclusive(newParent) {
		if _, err := tx.Exec(
			`UPDATE dirs SET num_files_tree = num_files_tree + ?, size_tree = size_tree + ? WHERE path = ?`,
			numFiles, size, anc); err != nil {
			return err
		}
	}
	return nil
}

// Chmod/Chown/UpdateMtime set one POSIX metadata field on a file or dir row.
func (idx *Index) Chmod(path string, mode uint32) error { return idx.setField(path, "mode", mode) }
func (idx *Index) Chown(path string, uid, gid int) error {
	if err := idx.setField(path, "uid", uid); err != nil {
		return err
	}
	return idx.setField(path, "gid", gid)
}
func (idx *Index) UpdateMtime(path string, mtimeNs int64) error {
	return idx.setField(path, "mtime_ns", mtimeNs)
}

func (idx *Index) setField(path, col string, val any) error {
	isFile, isDir, err := idx.Exists(path)
	if err != nil {
		return err
	}
	table := "dirs"
	if isFile {
		table = "files"
	} else if !isDir {
		return &bcerr.FileNotFound{Path: path}
	}
	_, err = idx.db.Exec(`UPDATE `+table+` SET `+col+` = ? WHERE path = ?`, val, path)
	return errors.Wrapf(err, "setting %s on %s", col, path)
}

func globEscape(s string) string {
	r := strings.NewReplacer("[", "[[]", "?", "[?]", "*", "[*]")
	return r.Replace(s)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullUint32(v *uint32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
