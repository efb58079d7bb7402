package maintenance

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/paths"
	"github.com/isarandi/barecat/store"
)

// MergeOptions configures any of the three merge modes (spec §4.6).
type MergeOptions struct {
	IgnoreDuplicates bool
	Prefix           string
	UpdateTreestats  bool
}

// ancestorsInclusive mirrors the original implementation's get_ancestors:
// every ancestor from the root down to and including p itself.
func ancestorsInclusive(p string) []string {
	if p == paths.Root {
		return []string{paths.Root}
	}
	return append(paths.Ancestors(p), p)
}

// checkMergeConflicts queries the attached "sourcedb" alias for path
// collisions before any row is written: a source file landing on an
// existing target directory, a source directory landing on an existing
// target file, or an ancestor of prefix already existing as a file. It
// returns the SQL expression that rewrites a source path through prefix,
// reused by every subsequent INSERT/SELECT against sourcedb.
func checkMergeConflicts(idx *index.Index, prefix string) (pathExpr string, err error) {
	if prefix != "" {
		escaped := strings.ReplaceAll(prefix, "'", "''")
		pathExpr = fmt.Sprintf(`CASE WHEN path = '' THEN '%s' ELSE '%s/' || path END`, escaped, escaped)
		parts := strings.Split(prefix, "/")
		for i := range parts {
			anc := strings.Join(parts[:i+1], "/")
			isFile, _, err := idx.Exists(anc)
			if err != nil {
				return "", err
			}
			if isFile {
				return "", errors.Errorf("cannot use prefix %q: %q exists as a file", prefix, anc)
			}
		}
	} else {
		pathExpr = "path"
	}

	var conflict string
	row := idx.QueryRow(fmt.Sprintf(`SELECT %s FROM sourcedb.files WHERE %s IN (SELECT path FROM dirs) LIMIT 1`, pathExpr, pathExpr))
	if err := row.Scan(&conflict); err == nil {
		return "", errors.Errorf("source file %q conflicts with target directory", conflict)
	} else if err != sql.ErrNoRows {
		return "", err
	}
	row = idx.QueryRow(fmt.Sprintf(`SELECT %s FROM sourcedb.dirs WHERE %s IN (SELECT path FROM files) LIMIT 1`, pathExpr, pathExpr))
	if err := row.Scan(&conflict); err == nil {
		return "", errors.Errorf("source directory %q conflicts with target file", conflict)
	} else if err != sql.ErrNoRows {
		return "", err
	}
	return pathExpr, nil
}

// checkFilteredConflicts is the narrow counterpart of checkMergeConflicts
// for FilteredMerge: it validates only the files the pattern/rule
// selection actually chose — the prefix chain must not cross a file, no
// selected file's target path may land on an existing directory, and no
// ancestor of a target path may already exist as a file (UpdateDirs would
// otherwise derive a dir row for it and violate path uniqueness).
func checkFilteredConflicts(idx *index.Index, prefix string, files []index.FileInfo) error {
	checkedDirOK := map[string]bool{}
	if prefix != "" {
		for _, anc := range ancestorsInclusive(prefix) {
			isFile, _, err := idx.Exists(anc)
			if err != nil {
				return err
			}
			if isFile {
				return errors.Errorf("cannot use prefix %q: %q exists as a file", prefix, anc)
			}
			checkedDirOK[anc] = true
		}
	}
	for _, fi := range files {
		newPath := fi.Path
		if prefix != "" {
			newPath = paths.Join(prefix, fi.Path)
		}
		_, isDir, err := idx.Exists(newPath)
		if err != nil {
			return err
		}
		if isDir {
			return errors.Errorf("source file %q conflicts with target directory", newPath)
		}
		for _, anc := range paths.Ancestors(newPath) {
			if checkedDirOK[anc] {
				continue
			}
			isFile, _, err := idx.Exists(anc)
			if err != nil {
				return err
			}
			if isFile {
				return errors.Errorf("cannot merge %q: ancestor %q exists as a file", newPath, anc)
			}
			checkedDirOK[anc] = true
		}
	}
	return nil
}

// SymlinkMerge performs index-only merging (spec §4.6 "Symlink-merge"): it
// assumes the caller has already placed the source's shard files as
// symlinks at the tail of this archive's shard sequence, and merges only
// metadata — every source file's shard column shifted by this archive's
// current shard count. Grounded on IndexMergeHelper.merge_from_other_barecat.
func SymlinkMerge(s *store.Store, sourceIndexPath string, opts MergeOptions) error {
	if !s.Mode().CanWrite() {
		return &bcerr.ReadOnly{Op: "merge"}
	}
	idx := s.Index()
	attached, err := idx.AttachReadOnly(sourceIndexPath, "sourcedb")
	if err != nil {
		return err
	}
	defer attached.Detach()

	pathExpr, err := checkMergeConflicts(idx, opts.Prefix)
	if err != nil {
		return err
	}

	err = idx.WithTriggersOff(func() error {
		if opts.Prefix != "" {
			var sizeTree, numFilesTree sql.NullInt64
			row := idx.QueryRow(`SELECT size_tree, num_files_tree FROM sourcedb.dirs WHERE path = ''`)
			scanErr := row.Scan(&sizeTree, &numFilesTree)
			if scanErr != nil && scanErr != sql.ErrNoRows {
				return scanErr
			}
			if sizeTree.Valid {
				for _, anc := range ancestorsInclusive(opts.Prefix) {
					if _, err := idx.Exec(`
						INSERT INTO dirs (path, size_tree, num_files_tree) VALUES (?, ?, ?)
						ON CONFLICT(path) DO UPDATE SET
							size_tree = size_tree + excluded.size_tree,
							num_files_tree = num_files_tree + excluded.num_files_tree`,
						anc, sizeTree.Int64, numFilesTree.Int64); err != nil {
						return errors.Wrapf(err, "upserting prefix ancestor %s", anc)
					}
				}
			}
		}

		dirsWhere := "true"
		if opts.Prefix != "" {
			dirsWhere = "path != ''"
		}
		if _, err := idx.Exec(fmt.Sprintf(`
			INSERT INTO dirs (
				path, num_subdirs, num_files, size_tree, num_files_tree,
				mode, uid, gid, mtime_ns)
			SELECT %s, num_subdirs, num_files, size_tree, num_files_tree,
				mode, uid, gid, mtime_ns
			FROM sourcedb.dirs WHERE %s
			ON CONFLICT (path) DO UPDATE SET
				num_subdirs = num_subdirs + excluded.num_subdirs,
				num_files = num_files + excluded.num_files,
				size_tree = size_tree + excluded.size_tree,
				num_files_tree = num_files_tree + excluded.num_files_tree,
				mode = COALESCE(
					dirs.mode | excluded.mode,
					COALESCE(dirs.mode, 0) | excluded.mode,
					dirs.mode | COALESCE(excluded.mode, 0)),
				uid = COALESCE(excluded.uid, dirs.uid),
				gid = COALESCE(excluded.gid, dirs.gid),
				mtime_ns = COALESCE(
					MAX(dirs.mtime_ns, excluded.mtime_ns),
					MAX(COALESCE(dirs.mtime_ns, 0), excluded.mtime_ns),
					MAX(dirs.mtime_ns, COALESCE(excluded.mtime_ns, 0)))`,
			pathExpr, dirsWhere)); err != nil {
			return errors.Wrap(err, "merging dirs")
		}

		newShardNumber := s.Shards().NumShards()
		maybeIgnore := ""
		if opts.IgnoreDuplicates {
			maybeIgnore = "OR IGNORE"
		}
		if _, err := idx.Exec(fmt.Sprintf(`
			INSERT %s INTO files (
				path, shard, offset, size, crc32c, mode, uid, gid, mtime_ns)
			SELECT %s, shard + ?, offset, size, crc32c, mode, uid, gid, mtime_ns
			FROM sourcedb.files`, maybeIgnore, pathExpr), newShardNumber); err != nil {
			return errors.Wrap(err, "merging files")
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case opts.Prefix != "":
		for _, anc := range ancestorsInclusive(opts.Prefix) {
			if _, err := idx.Exec(`
				UPDATE dirs SET
					num_subdirs = (SELECT count(*) FROM dirs WHERE parent = ?),
					num_files = (SELECT count(*) FROM files WHERE parent = ?)
				WHERE path = ?`, anc, anc, anc); err != nil {
				return errors.Wrapf(err, "refreshing prefix ancestor %s", anc)
			}
		}
	case opts.UpdateTreestats && opts.IgnoreDuplicates:
		if err := idx.UpdateTreestats(); err != nil {
			return err
		}
	}

	s.Metrics().MergeRuns.Inc()
	refreshGauges(s, "merge")
	blog.Infof("merge(symlink): merged %s into %s (prefix=%q)", sourceIndexPath, s.BasePath(), opts.Prefix)
	return nil
}

// CopyMerge streams every file from the source archive's shards into this
// archive's current tail shard (respecting shard_size_limit, starting new
// shards as needed) and inserts corresponding file records (spec §4.6
// "Copy-merge"). Grounded on BarecatMergeHelper.merge_from_other_barecat;
// copies at file granularity rather than the original's sub-shard byte
// streaming, which is equivalent in result and simpler against this
// module's shard.Set abstraction.
func CopyMerge(s *store.Store, sourcePath string, opts MergeOptions) error {
	if !s.Mode().CanWrite() {
		return &bcerr.ReadOnly{Op: "merge"}
	}
	srcStore, err := store.Open(sourcePath, store.OpenOptions{Mode: cos.ReadOnly, AllowSymlinkShards: true})
	if err != nil {
		return errors.Wrapf(err, "opening source archive %s", sourcePath)
	}
	defer srcStore.Close()

	idx := s.Index()
	sourceIndexPath := index.ResolveIndexPath(sourcePath)
	attached, err := idx.AttachReadOnly(sourceIndexPath, "sourcedb")
	if err != nil {
		return err
	}
	defer attached.Detach()

	pathExpr, err := checkMergeConflicts(idx, opts.Prefix)
	if err != nil {
		return err
	}

	shardLimit := idx.ShardSizeLimit()
	if shardLimit != cos.ShardSizeUnlimited {
		maxSize, err := srcStore.Index().MaxFileSize()
		if err != nil {
			return err
		}
		if maxSize > shardLimit {
			return errors.New("files in the source archive are larger than the shard size")
		}
	}

	rootStats, err := srcStore.Index().LookupDir(paths.Root)
	if err != nil {
		return err
	}
	if opts.Prefix == "" {
		if _, err := idx.Exec(`
			INSERT INTO dirs (path, size_tree, num_files_tree, num_files, mode, uid, gid, mtime_ns)
			VALUES ('', ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				size_tree = size_tree + excluded.size_tree,
				num_files_tree = num_files_tree + excluded.num_files_tree,
				num_files = num_files + excluded.num_files,
				mode = COALESCE(dirs.mode | excluded.mode,
					COALESCE(dirs.mode, 0) | excluded.mode,
					dirs.mode | COALESCE(excluded.mode, 0)),
				uid = COALESCE(excluded.uid, dirs.uid),
				gid = COALESCE(excluded.gid, dirs.gid),
				mtime_ns = COALESCE(
					MAX(dirs.mtime_ns, excluded.mtime_ns),
					MAX(COALESCE(dirs.mtime_ns, 0), excluded.mtime_ns),
					MAX(dirs.mtime_ns, COALESCE(excluded.mtime_ns, 0)))`,
			rootStats.SizeTree, rootStats.NumFilesTree, rootStats.NumFiles,
			nullableMode(rootStats), nullableUID(rootStats), nullableGID(rootStats), nullableMtime(rootStats)); err != nil {
			return errors.Wrap(err, "merging root dir stats")
		}
	} else {
		// The source's root stats flow additively into the prefix dir and
		// every ancestor above it; their num_subdirs/num_files child counts
		// are recounted after the inserts below.
		for _, anc := range ancestorsInclusive(opts.Prefix) {
			if _, err := idx.Exec(`
				INSERT INTO dirs (path, size_tree, num_files_tree) VALUES (?, ?, ?)
				ON CONFLICT(path) DO UPDATE SET
					size_tree = size_tree + excluded.size_tree,
					num_files_tree = num_files_tree + excluded.num_files_tree`,
				anc, rootStats.SizeTree, rootStats.NumFilesTree); err != nil {
				return errors.Wrapf(err, "upserting prefix ancestor %s", anc)
			}
		}
	}

	if _, err := idx.Exec(fmt.Sprintf(
		`INSERT OR IGNORE INTO dirs (path) SELECT %s FROM sourcedb.dirs`, pathExpr)); err != nil {
		return errors.Wrap(err, "inserting source dir paths")
	}

	err = idx.WithTriggersOff(func() error {
		if _, err := idx.Exec(fmt.Sprintf(`
			UPDATE dirs SET
				size_tree = COALESCE(dirs.size_tree, 0) + src.size_tree,
				num_files_tree = COALESCE(dirs.num_files_tree, 0) + src.num_files_tree,
				num_files = COALESCE(dirs.num_files, 0) + src.num_files,
				mode = COALESCE(dirs.mode | src.mode,
					COALESCE(dirs.mode, 0) | src.mode,
					dirs.mode | COALESCE(src.mode, 0)),
				uid = COALESCE(src.uid, dirs.uid),
				gid = COALESCE(src.gid, dirs.gid),
				mtime_ns = COALESCE(
					MAX(dirs.mtime_ns, src.mtime_ns),
					MAX(COALESCE(dirs.mtime_ns, 0), src.mtime_ns),
					MAX(dirs.mtime_ns, COALESCE(src.mtime_ns, 0)))
			FROM (
				SELECT %s AS path, size_tree, num_files_tree, num_files,
					mode, uid, gid, mtime_ns
				FROM sourcedb.dirs WHERE path != ''
			) src
			WHERE dirs.path = src.path`, pathExpr)); err != nil {
			return errors.Wrap(err, "merging non-root dir stats")
		}
		return nil
	})
	if err != nil {
		return err
	}

	maybeIgnore := ""
	if opts.IgnoreDuplicates {
		maybeIgnore = "OR IGNORE"
	}
	// Triggers stay off for the file inserts: every aggregate contribution
	// was already applied wholesale through the dir-stats merge above, so a
	// per-row trigger firing here would double-count.
	copyErr := idx.WithTriggersOff(func() error {
		return srcStore.Index().IterAllFileInfos(index.OrderAddress, func(fi index.FileInfo) error {
			data, err := srcStore.Shards().ReadRange(fi.Shard, fi.Offset, fi.Size)
			if err != nil {
				return errors.Wrapf(err, "reading %s from source archive", fi.Path)
			}
			dstShard, dstOffset, err := appendToStore(s, data)
			if err != nil {
				return err
			}
			newPath := fi.Path
			if opts.Prefix != "" {
				newPath = paths.Join(opts.Prefix, fi.Path)
			}
			if _, err := idx.Exec(fmt.Sprintf(`
				INSERT %s INTO files (path, shard, offset, size, crc32c, mode, uid, gid, mtime_ns)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, maybeIgnore),
				newPath, dstShard, dstOffset, fi.Size, optionalUint32(fi.HasCRC, fi.CRC32C),
				optionalUint32(fi.HasMode, fi.Mode), optionalInt(fi.HasUID, fi.UID),
				optionalInt(fi.HasGID, fi.GID), optionalInt64(fi.HasMtime, fi.MtimeNs)); err != nil {
				return errors.Wrapf(err, "inserting merged file %s", newPath)
			}
			return nil
		})
	})
	if copyErr != nil {
		return copyErr
	}

	if opts.Prefix != "" {
		for _, anc := range ancestorsInclusive(opts.Prefix) {
			if _, err := idx.Exec(`
				UPDATE dirs SET
					num_subdirs = (SELECT count(*) FROM dirs WHERE parent = ?),
					num_files = (SELECT count(*) FROM files WHERE parent = ?)
				WHERE path = ?`, anc, anc, anc); err != nil {
				return errors.Wrapf(err, "refreshing prefix ancestor %s", anc)
			}
		}
	}
	if opts.IgnoreDuplicates {
		if err := idx.UpdateTreestats(); err != nil {
			return err
		}
	}

	s.Metrics().MergeRuns.Inc()
	refreshGauges(s, "merge")
	blog.Infof("merge(copy): merged %s into %s (prefix=%q)", sourcePath, s.BasePath(), opts.Prefix)
	return nil
}

// appendToStore writes data to the end of the target archive's shard
// sequence, starting a new shard if it would not fit, and returns the
// placement used.
func appendToStore(s *store.Store, data []byte) (shardIdx int, offset int64, err error) {
	shards := s.Shards()
	limit := s.Index().ShardSizeLimit()
	n := shards.NumShards()
	if n == 0 {
		if _, err := shards.StartNewShard(); err != nil {
			return 0, 0, err
		}
		n = 1
	}
	last := n - 1
	end, err := s.Index().ShardLogicalEnd(last)
	if err != nil {
		return 0, 0, err
	}
	if limit != cos.ShardSizeUnlimited && end+int64(len(data)) > limit {
		newIdx, err := shards.StartNewShard()
		if err != nil {
			return 0, 0, err
		}
		last, end = newIdx, 0
	}
	if _, err := shards.WriteAt(last, end, data); err != nil {
		return 0, 0, err
	}
	return last, end, nil
}

func nullableMode(d index.DirInfo) any {
	if d.HasMode {
		return d.Mode
	}
	return nil
}
func nullableUID(d index.DirInfo) any {
	if d.HasUID {
		return d.UID
	}
	return nil
}
func nullableGID(d index.DirInfo) any {
	if d.HasGID {
		return d.GID
	}
	return nil
}
func nullableMtime(d index.DirInfo) any {
	if d.HasMtime {
		return d.MtimeNs
	}
	return nil
}
func optionalUint32(has bool, v uint32) any {
	if has {
		return v
	}
	return nil
}
func optionalInt(has bool, v int) any {
	if has {
		return v
	}
	return nil
}
func optionalInt64(has bool, v int64) any {
	if has {
		return v
	}
	return nil
}

// FilteredMerge merges only the files from source matching pattern (a
// recursive glob) or rules (rsync-style include/exclude, first-match-wins)
// — spec §4.6 "Filtered merge". Source files are sorted into physical
// order and destination placements computed up front so contiguous runs
// copy as a single byte-range transfer, the same optimization DefragSmart
// uses. Exactly one of pattern/rules should be set.
func FilteredMerge(s *store.Store, sourcePath string, pattern string, rules []index.Rule, opts MergeOptions) error {
	if !s.Mode().CanWrite() {
		return &bcerr.ReadOnly{Op: "merge"}
	}
	srcStore, err := store.Open(sourcePath, store.OpenOptions{Mode: cos.ReadOnly, AllowSymlinkShards: true})
	if err != nil {
		return errors.Wrapf(err, "opening source archive %s", sourcePath)
	}
	defer srcStore.Close()

	idx := s.Index()

	var fileInfos []index.FileInfo
	if pattern != "" {
		fileInfos, err = srcStore.Index().Glob(pattern, index.GlobOptions{Recursive: true, IncludeHidden: true})
	} else {
		fileInfos, err = srcStore.Index().IterGlobInfosInclExcl(rules, true)
	}
	if err != nil {
		return err
	}
	if len(fileInfos) == 0 {
		return nil
	}

	// Unlike SymlinkMerge/CopyMerge, the conflict scan runs against only
	// the paths the filter actually selected: a source path the rules
	// exclude is never written and must not be able to veto the merge.
	if err := checkFilteredConflicts(idx, opts.Prefix, fileInfos); err != nil {
		return err
	}

	sort.Slice(fileInfos, func(i, j int) bool {
		return fileInfos[i].Shard < fileInfos[j].Shard ||
			(fileInfos[i].Shard == fileInfos[j].Shard && fileInfos[i].Offset < fileInfos[j].Offset)
	})

	shards := s.Shards()
	limit := idx.ShardSizeLimit()

	dstShard := shards.NumShards() - 1
	var dstOffset int64
	if dstShard < 0 {
		newIdx, err := shards.StartNewShard()
		if err != nil {
			return err
		}
		dstShard = newIdx
	} else {
		dstOffset, err = idx.ShardLogicalEnd(dstShard)
		if err != nil {
			return err
		}
	}

	type placement struct {
		fi        index.FileInfo
		dstShard  int
		dstOffset int64
	}
	type block struct {
		srcShard, dstShard         int
		srcOffset, dstOffset, size int64
	}
	var placements []placement
	var blocks []block

	blockSrcShard, blockSrcOffset := fileInfos[0].Shard, fileInfos[0].Offset
	blockDstShard, blockDstOffset := dstShard, dstOffset
	var blockSize int64

	flush := func() {
		if blockSize > 0 {
			blocks = append(blocks, block{blockSrcShard, blockDstShard, blockSrcOffset, blockDstOffset, blockSize})
		}
	}

	for _, fi := range fileInfos {
		if limit != cos.ShardSizeUnlimited && dstOffset+fi.Size > limit {
			flush()
			newIdx, err := shards.StartNewShard()
			if err != nil {
				return err
			}
			dstShard, dstOffset = newIdx, 0
			blockSrcShard, blockSrcOffset = fi.Shard, fi.Offset
			blockDstShard, blockDstOffset = dstShard, dstOffset
			blockSize = 0
		}
		expectedSrcOffset := blockSrcOffset + blockSize
		contiguous := fi.Shard == blockSrcShard && fi.Offset == expectedSrcOffset
		if !contiguous && blockSize > 0 {
			flush()
			blockSrcShard, blockSrcOffset = fi.Shard, fi.Offset
			blockDstShard, blockDstOffset = dstShard, dstOffset
			blockSize = 0
		}
		placements = append(placements, placement{fi, dstShard, dstOffset})
		blockSize += fi.Size
		dstOffset += fi.Size
	}
	flush()

	for _, b := range blocks {
		data, err := srcStore.Shards().ReadRange(b.srcShard, b.srcOffset, b.size)
		if err != nil {
			return errors.Wrap(err, "reading source block for filtered merge")
		}
		if _, err := shards.WriteAt(b.dstShard, b.dstOffset, data); err != nil {
			return errors.Wrap(err, "writing destination block for filtered merge")
		}
	}

	maybeIgnore := ""
	if opts.IgnoreDuplicates {
		maybeIgnore = "OR IGNORE"
	}
	for _, p := range placements {
		newPath := p.fi.Path
		if opts.Prefix != "" {
			newPath = paths.Join(opts.Prefix, p.fi.Path)
		}
		if _, err := idx.Exec(fmt.Sprintf(`
			INSERT %s INTO files (path, shard, offset, size, crc32c, mode, uid, gid, mtime_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, maybeIgnore),
			newPath, p.dstShard, p.dstOffset, p.fi.Size, optionalUint32(p.fi.HasCRC, p.fi.CRC32C),
			optionalUint32(p.fi.HasMode, p.fi.Mode), optionalInt(p.fi.HasUID, p.fi.UID),
			optionalInt(p.fi.HasGID, p.fi.GID), optionalInt64(p.fi.HasMtime, p.fi.MtimeNs)); err != nil {
			return errors.Wrapf(err, "inserting filtered-merged file %s", newPath)
		}
	}

	if err := idx.UpdateDirs(); err != nil {
		return err
	}
	if err := idx.UpdateTreestats(); err != nil {
		return err
	}

	s.Metrics().MergeRuns.Inc()
	refreshGauges(s, "merge")
	blog.Infof("merge(filtered): merged %d files from %s into %s", len(placements), sourcePath, s.BasePath())
	return nil
}
