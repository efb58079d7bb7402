package index

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
)

const fileCols = "path, shard, offset, size, crc32c, mode, uid, gid, mtime_ns"

func scanFileInfo(row interface{ Scan(...any) error }) (FileInfo, error) {
	var fi FileInfo
	var crc, mode, uid, gid, mtime sql.NullInt64
	if err := row.Scan(&fi.Path, &fi.Shard, &fi.Offset, &fi.Size, &crc, &mode, &uid, &gid, &mtime); err != nil {
		return FileInfo{}, err
	}
	if crc.Valid {
		fi.CRC32C, fi.HasCRC = uint32(crc.Int64), true
	}
	if mode.Valid {
		fi.Mode, fi.HasMode = uint32(mode.Int64), true
	}
	if uid.Valid {
		fi.UID, fi.HasUID = int(uid.Int64), true
	}
	if gid.Valid {
		fi.GID, fi.HasGID = int(gid.Int64), true
	}
	if mtime.Valid {
		fi.MtimeNs, fi.HasMtime = mtime.Int64, true
	}
	return fi, nil
}

const dirCols = "path, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns"

func scanDirInfo(row interface{ Scan(...any) error }) (DirInfo, error) {
	var di DirInfo
	var mode, uid, gid, mtime sql.NullInt64
	if err := row.Scan(&di.Path, &di.NumSubdirs, &di.NumFiles, &di.NumFilesTree, &di.SizeTree,
		&mode, &uid, &gid, &mtime); err != nil {
		return DirInfo{}, err
	}
	if mode.Valid {
		di.Mode, di.HasMode = uint32(mode.Int64), true
	}
	if uid.Valid {
		di.UID, di.HasUID = int(uid.Int64), true
	}
	if gid.Valid {
		di.GID, di.HasGID = int(gid.Int64), true
	}
	if mtime.Valid {
		di.MtimeNs, di.HasMtime = mtime.Int64, true
	}
	return di, nil
}

// LookupFile returns the file record at path, or a *bcerr.FileNotFound.
func (idx *Index) LookupFile(path string) (FileInfo, error) {
	row := idx.db.QueryRow(`SELECT `+fileCols+` FROM files WHERE path = ?`, path)
	fi, err := scanFileInfo(row)
	if err == sql.ErrNoRows {
		return FileInfo{}, &bcerr.FileNotFound{Path: path}
	}
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "looking up file %s", path)
	}
	return fi, nil
}

// LookupDir returns the dir record at path, or a *bcerr.FileNotFound.
func (idx *Index) LookupDir(path string) (DirInfo, error) {
	row := idx.db.QueryRow(`SELECT `+dirCols+` FROM dirs WHERE path = ?`, path)
	di, err := scanDirInfo(row)
	if err == sql.ErrNoRows {
		return DirInfo{}, &bcerr.FileNotFound{Path: path}
	}
	if err != nil {
		return DirInfo{}, errors.Wrapf(err, "looking up dir %s", path)
	}
	return di, nil
}

// Exists reports whether path is a file, a dir, or neither.
func (idx *Index) Exists(path string) (isFile, isDir bool, err error) {
	if _, err := idx.LookupFile(path); err == nil {
		isFile = true
	} else if !bcerr.IsNotFound(err) {
		return false, false, err
	}
	if _, err := idx.LookupDir(path); err == nil {
		isDir = true
	} else if !bcerr.IsNotFound(err) {
		return false, false, err
	}
	return isFile, isDir, nil
}

// ListdirNames returns the immediate child dir names and file names of path.
func (idx *Index) ListdirNames(path string) (subdirs, files []string, err error) {
	drows, err := idx.db.Query(`SELECT path FROM dirs WHERE parent = ? ORDER BY path`, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing subdirs of %s", path)
	}
	defer drows.Close()
	for drows.Next() {
		var p string
		if err := drows.Scan(&p); err != nil {
			return nil, nil, err
		}
		subdirs = append(subdirs, p)
	}

	frows, err := idx.db.Query(`SELECT path FROM files WHERE parent = ? ORDER BY path`, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing files of %s", path)
	}
	defer frows.Close()
	for frows.Next() {
		var p string
		if err := frows.Scan(&p); err != nil {
			return nil, nil, err
		}
		files = append(files, p)
	}
	return subdirs, files, nil
}

// Listdir returns the immediate child FileInfo/DirInfo records of path.
func (idx *Index) Listdir(path string) (subdirs []DirInfo, files []FileInfo, err error) {
	drows, err := idx.db.Query(`SELECT `+dirCols+` FROM dirs WHERE parent = ? ORDER BY path`, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing subdirs of %s", path)
	}
	defer drows.Close()
	for drows.Next() {
		di, err := scanDirInfo(drows)
		if err != nil {
			return nil, nil, err
		}
		subdirs = append(subdirs, di)
	}

	frows, err := idx.db.Query(`SELECT `+fileCols+` FROM files WHERE parent = ? ORDER BY path`, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing files of %s", path)
	}
	defer frows.Close()
	for frows.Next() {
		fi, err := scanFileInfo(frows)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, fi)
	}
	return subdirs, files, nil
}

// WalkEntry is one yielded step of Walk: a directory plus its immediate
// children, mirroring os.readdir-style walks.
type WalkEntry struct {
	Dir     DirInfo
	Subdirs []DirInfo
	Files   []FileInfo
}

// Walk performs a lazy depth-first traversal from root, yielding one
// WalkEntry per directory to fn. Traversal stops early if fn returns an
// error. Subdirs is a plain, already-materialized slice here (not a lazy
// re-iterable cursor) since Go slices are trivially re-walkable by the
// caller — the "recallable iterator" concern in the source language only
// arises when child iteration is itself a single-pass generator.
func (idx *Index) Walk(root string, fn func(WalkEntry) error) error {
	dir, err := idx.LookupDir(root)
	if err != nil {
		return err
	}
	subdirs, files, err := idx.Listdir(root)
	if err != nil {
		return err
	}
	if err := fn(WalkEntry{Dir: dir, Subdirs: subdirs, Files: files}); err != nil {
		return err
	}
	for _, sd := range subdirs {
		if err := idx.Walk(sd.Path, fn); err != nil {
			return err
		}
	}
	return nil
}

// IterAllFileInfos streams every file record in the requested Order to fn.
func (idx *Index) IterAllFileInfos(order Order, fn func(FileInfo) error) error {
	q := `SELECT ` + fileCols + ` FROM files`
	if ob := order.AsQueryText(); ob != "" {
		q += " ORDER BY " + ob
	}
	rows, err := idx.db.Query(q)
	if err != nil {
		return errors.Wrap(err, "iterating files")
	}
	defer rows.Close()
	for rows.Next() {
		fi, err := scanFileInfo(rows)
		if err != nil {
			return err
		}
		if err := fn(fi); err != nil {
			return err
		}
	}
	return rows.Err()
}

// IterAllDirInfos streams every dir record in path order to fn.
func (idx *Index) IterAllDirInfos(order Order, fn func(DirInfo) error) error {
	q := `SELECT ` + dirCols + ` FROM dirs`
	if ob := order.AsQueryText(); ob != "" {
		q += " ORDER BY " + ob
	}
	rows, err := idx.db.Query(q)
	if err != nil {
		return errors.Wrap(err, "iterating dirs")
	}
	defer rows.Close()
	for rows.Next() {
		di, err := scanDirInfo(rows)
		if err != nil {
			return err
		}
		if err := fn(di); err != nil {
			return err
		}
	}
	return rows.Err()
}
