package maintenance

import (
	"os"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
)

// UpgradeReport summarizes a schema upgrade run.
type UpgradeReport struct {
	FromMajor, FromMinor int
	ToMajor, ToMinor     int
	Upgraded             bool
}

// GetSchemaVersion opens indexPath read-only just far enough to read its
// schema_version_{major,minor} config keys, tolerating a missing config
// table by reporting one major version below current (spec §4.3.8 /
// get_schema_version's "no config table ⇒ pre-versioned" convention).
func GetSchemaVersion(indexPath string) (major, minor int, err error) {
	idx, err := index.Open(indexPath, index.OpenOptions{Mode: cos.ReadOnly})
	if err != nil {
		return index.SchemaVersionMajor - 1, 0, nil
	}
	defer idx.Close()
	maj, err := idx.GetConfigInt("schema_version_major")
	if err != nil {
		return 0, 0, err
	}
	min, err := idx.GetConfigInt("schema_version_minor")
	if err != nil {
		return 0, 0, err
	}
	return int(maj), int(min), nil
}

// UpgradeSchema migrates the index at indexPath to the schema version this
// build writes, grounded on upgrade_database.py's upgrade(): an unversioned
// or older-major index gets a full rebuild (fresh schema, dirs/files rows
// copied across via ATTACH, directory stats recomputed from scratch since
// the old schema's aggregates cannot be trusted); a same-major older-minor
// index is left alone, since every minor revision this build has shipped so
// far is forward/backward tolerant at the row level (index.checkSchemaVersion
// already warns rather than refusing). preserveBackup keeps the
// indexPath+".old" file the rebuild produces.
func UpgradeSchema(indexPath string, preserveBackup bool) (UpgradeReport, error) {
	var report UpgradeReport
	if _, err := os.Stat(indexPath); err != nil {
		return report, errors.Wrapf(err, "%s does not exist", indexPath)
	}

	fromMajor, fromMinor, err := GetSchemaVersion(indexPath)
	if err != nil {
		return report, err
	}
	report.FromMajor, report.FromMinor = fromMajor, fromMinor
	report.ToMajor, report.ToMinor = index.SchemaVersionMajor, index.SchemaVersionMinor

	if fromMajor == index.SchemaVersionMajor && fromMinor == index.SchemaVersionMinor {
		return report, nil
	}
	if fromMajor > index.SchemaVersionMajor {
		return report, errors.Errorf(
			"index %s has schema version %d.%d, newer than this build supports (%d.%d)",
			indexPath, fromMajor, fromMinor, index.SchemaVersionMajor, index.SchemaVersionMinor)
	}
	if fromMajor == index.SchemaVersionMajor {
		// Same major: nothing in this build's history needs a minor-level
		// row rewrite, so there is no migration to run.
		report.Upgraded = false
		return report, nil
	}

	backupPath := indexPath + ".old"
	if err := os.Rename(indexPath, backupPath); err != nil {
		return report, errors.Wrap(err, "backing up old index before upgrade")
	}

	if err := rebuildSchema(indexPath, backupPath); err != nil {
		os.Rename(backupPath, indexPath) //nolint:errcheck
		return report, err
	}

	if !preserveBackup {
		if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
			return report, errors.Wrap(err, "removing upgrade backup")
		}
	}

	report.Upgraded = true
	blog.Infof("schema upgrade: %s %d.%d -> %d.%d", indexPath,
		fromMajor, fromMinor, index.SchemaVersionMajor, index.SchemaVersionMinor)
	return report, nil
}

// rebuildSchema creates a fresh index at indexPath (current schema) and
// copies every dirs/files row across from the old one at oldPath via
// ATTACH DATABASE, then recomputes every directory aggregate from scratch
// with UpdateDirs+UpdateTreestats — the Go analogue of
// upgrade_from_unversioned's two INSERT...SELECT statements followed by
// upgrade_0_x_to_0_3's final update_treestats() call. CRC32C values, where
// present in the old schema, are carried across by column name; an old
// schema that never had a crc32c column leaves it NULL, same as a freshly
// added file whose checksum has not yet been computed.
func rebuildSchema(indexPath, oldPath string) error {
	newIdx, err := index.Open(indexPath, index.OpenOptions{Mode: cos.ReadWrite})
	if err != nil {
		return errors.Wrap(err, "creating upgraded index")
	}
	defer newIdx.Close()

	attached, err := newIdx.AttachReadOnly(oldPath, "oldindex")
	if err != nil {
		return err
	}
	defer attached.Detach()

	hasCRC, err := tableHasColumn(newIdx, "oldindex", "files", "crc32c")
	if err != nil {
		return err
	}
	hasDirsTable, err := tableExists(newIdx, "oldindex", "dirs")
	if err != nil {
		return err
	}
	dirsSource := "dirs"
	if !hasDirsTable {
		dirsSource = "directories"
	}

	if _, err := newIdx.Exec(`
		INSERT INTO dirs (path) SELECT path FROM oldindex.` + dirsSource + ` WHERE path != ''`); err != nil {
		return errors.Wrap(err, "migrating dir paths")
	}

	crcExpr := "NULL"
	if hasCRC {
		crcExpr = "crc32c"
	}
	if _, err := newIdx.Exec(`
		INSERT INTO files (path, shard, offset, size, crc32c)
		SELECT path, shard, offset, size, ` + crcExpr + ` FROM oldindex.files`); err != nil {
		return errors.Wrap(err, "migrating file rows")
	}

	if err := newIdx.UpdateDirs(); err != nil {
		return err
	}
	if err := newIdx.UpdateTreestats(); err != nil {
		return err
	}
	return nil
}

func tableExists(idx *index.Index, schema, table string) (bool, error) {
	var n int
	row := idx.QueryRow(`SELECT count(*) FROM `+schema+`.sqlite_master WHERE type='table' AND name=?`, table)
	if err := row.Scan(&n); err != nil {
		return false, errors.Wrapf(err, "checking for %s.%s", schema, table)
	}
	return n > 0, nil
}

func tableHasColumn(idx *index.Index, schema, table, column string) (bool, error) {
	rows, err := idx.Query(`SELECT name FROM ` + schema + `.pragma_table_info('` + table + `')`)
	if err != nil {
		return false, errors.Wrapf(err, "inspecting columns of %s.%s", schema, table)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
