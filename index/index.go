// Package index is the embedded relational metadata store (spec §4.3):
// files, dirs, config tables, backed by github.com/mattn/go-sqlite3 for its
// full feature set — row triggers, recursive CTEs, window functions, and
// ATTACH DATABASE for merge — none of which a pure-Go driver gives up
// without a fight.
package index

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/paths"
)

// LegacySuffix is the old index filename suffix some archives still carry;
// ResolveIndexPath checks it as a fallback (spec §6.1).
const LegacySuffix = "-sqlite-index"

// Index wraps one SQLite connection plus the behavior in spec §4.3.
type Index struct {
	db   *sql.DB
	path string
	mode cos.Mode

	shardSizeLimit int64
	useTriggers    bool
}

// ResolveIndexPath returns the effective index file path for an archive
// whose base path is basePath: basePath itself if it exists, else
// basePath+LegacySuffix for backward compatibility with older archives.
func ResolveIndexPath(basePath string) string {
	if fileExists(basePath) {
		return basePath
	}
	if fileExists(basePath + LegacySuffix) {
		return basePath + LegacySuffix
	}
	return basePath
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// OpenOptions configures Open.
type OpenOptions struct {
	Mode           cos.Mode
	ShardSizeLimit int64 // only consulted when creating a brand new index
	UseTriggers    bool  // only consulted when creating a brand new index
}

// Open opens (or, in ReadWrite mode, creates) the index file at path.
func Open(path string, opts OpenOptions) (*Index, error) {
	dsn, err := buildDSN(path, opts.Mode)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening index %s", path)
	}
	if opts.Mode != cos.ReadOnly {
		db.SetMaxOpenConns(1) // single writer; avoid pool contention on one file
	}
	idx := &Index{db: db, path: path, mode: opts.Mode}
	if err := idx.initPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	created, err := idx.ensureSchema(opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	if !created {
		if err := idx.checkSchemaVersion(); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := idx.loadConfigCache(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func buildDSN(path string, mode cos.Mode) (string, error) {
	q := url.Values{}
	if mode == cos.ReadOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("mode", "rwc")
	}
	q.Set("_busy_timeout", "30000")
	q.Set("_foreign_keys", "1")
	return fmt.Sprintf("file:%s?%s", path, q.Encode()), nil
}

func (idx *Index) initPragmas() error {
	pragmas := []string{
		"PRAGMA cache_size = -20000", // ~20MB page cache
		"PRAGMA recursive_triggers = ON",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	}
	if idx.mode != cos.ReadOnly {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := idx.db.Exec(p); err != nil {
			return errors.Wrapf(err, "setting %q", p)
		}
	}
	return nil
}

// ensureSchema creates the tables/indexes/triggers and the root dir row if
// this is a brand-new index file; returns created=true in that case.
func (idx *Index) ensureSchema(opts OpenOptions) (created bool, err error) {
	var n int
	row := idx.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='config'`)
	if err := row.Scan(&n); err != nil {
		return false, errors.Wrap(err, "probing for existing schema")
	}
	if n > 0 {
		return false, nil
	}
	if idx.mode == cos.ReadOnly {
		return false, errors.Errorf("index %s does not exist and cannot be created read-only", idx.path)
	}
	tx, err := idx.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(schemaDDL); err != nil {
		return false, errors.Wrap(err, "creating schema")
	}
	if _, err := tx.Exec(triggerDDL); err != nil {
		return false, errors.Wrap(err, "creating triggers")
	}
	sizeLimit := opts.ShardSizeLimit
	if sizeLimit == 0 {
		sizeLimit = cos.ShardSizeUnlimited
	}
	useTriggers := opts.UseTriggers

	cfg := map[string]int64{
		"schema_version_major": SchemaVersionMajor,
		"schema_version_minor": SchemaVersionMinor,
		"shard_size_limit":     sizeLimit,
		"use_triggers":         boolToInt(useTriggers),
	}
	for k, v := range cfg {
		if _, err := tx.Exec(`INSERT INTO config(key, value_int) VALUES (?, ?)`, k, v); err != nil {
			return false, errors.Wrapf(err, "writing config %s", k)
		}
	}
	if _, err := tx.Exec(`INSERT INTO dirs(path) VALUES ('')`); err != nil {
		return false, errors.Wrap(err, "inserting root dir")
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// checkSchemaVersion applies the tolerance rules in spec §4.3.8 / §3.2.7.
func (idx *Index) checkSchemaVersion() error {
	major, minor, err := idx.readSchemaVersion()
	if err != nil {
		return err
	}
	switch {
	case major > SchemaVersionMajor:
		return &bcerr.SchemaError{Msg: fmt.Sprintf(
			"index %s has schema major version %d, newer than this build (%d); upgrade the program",
			idx.path, major, SchemaVersionMajor)}
	case major < SchemaVersionMajor:
		return &bcerr.SchemaError{Msg: fmt.Sprintf(
			"index %s has schema major version %d, older than this build (%d); run the schema upgrader",
			idx.path, major, SchemaVersionMajor)}
	case minor > SchemaVersionMinor:
		blog.Warnf("index %s has schema minor version %d, newer than this build's %d; proceeding (forward-tolerant)",
			idx.path, minor, SchemaVersionMinor)
	case minor < SchemaVersionMinor:
		blog.Warnf("index %s has schema minor version %d, older than this build's %d; consider running the schema upgrader",
			idx.path, minor, SchemaVersionMinor)
	}
	return nil
}

func (idx *Index) readSchemaVersion() (major, minor int, err error) {
	var n int
	row := idx.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='config'`)
	if err := row.Scan(&n); err != nil {
		return 0, 0, err
	}
	if n == 0 {
		// Pre-versioned ancient archive: treat as one major version below.
		return SchemaVersionMajor - 1, 0, nil
	}
	if err := idx.db.QueryRow(`SELECT value_int FROM config WHERE key='schema_version_major'`).Scan(&major); err != nil {
		return 0, 0, errors.Wrap(err, "reading schema_version_major")
	}
	if err := idx.db.QueryRow(`SELECT value_int FROM config WHERE key='schema_version_minor'`).Scan(&minor); err != nil {
		return 0, 0, errors.Wrap(err, "reading schema_version_minor")
	}
	return major, minor, nil
}

func (idx *Index) loadConfigCache() error {
	limit, err := idx.GetConfigInt("shard_size_limit")
	if err != nil {
		return err
	}
	idx.shardSizeLimit = limit
	ut, err := idx.GetConfigInt("use_triggers")
	if err != nil {
		return err
	}
	idx.useTriggers = ut != 0
	return nil
}

// ShardSizeLimit returns the cached config value; changed only by reshard,
// which calls RefreshShardSizeLimitCache afterward (spec §5 "read-once
// cached, invalidated by reshard").
func (idx *Index) ShardSizeLimit() int64 { return idx.shardSizeLimit }

func (idx *Index) RefreshShardSizeLimitCache() error {
	limit, err := idx.GetConfigInt("shard_size_limit")
	if err != nil {
		return err
	}
	idx.shardSizeLimit = limit
	return nil
}

func (idx *Index) UseTriggers() bool { return idx.useTriggers }

// GetConfigInt reads one integer config value.
func (idx *Index) GetConfigInt(key string) (int64, error) {
	var v sql.NullInt64
	err := idx.db.QueryRow(`SELECT value_int FROM config WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading config %s", key)
	}
	return v.Int64, nil
}

// SetConfigInt upserts one integer config value.
func (idx *Index) SetConfigInt(key string, value int64) error {
	_, err := idx.db.Exec(
		`INSERT INTO config(key, value_int) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_int=excluded.value_int`, key, value)
	return errors.Wrapf(err, "writing config %s", key)
}

// Optimize runs ANALYZE + VACUUM + PRAGMA optimize, recovered from
// original_source's index.py optimize()/close() (SPEC_FULL supplemented
// feature 5) — typically called once at the end of a long bulk-write
// session.
func (idx *Index) Optimize() error {
	for _, stmt := range []string{"PRAGMA optimize", "ANALYZE", "VACUUM"} {
		if _, err := idx.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "running %q", stmt)
		}
	}
	return nil
}

// Close releases the connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// DB exposes the raw *sql.DB for maintenance code (defrag/reshard/merge)
// that needs direct transaction control. Used only within this module.
func (idx *Index) DB() *sql.DB { return idx.db }

// RootDir is the canonical path of the always-present root directory.
const RootDir = paths.Root
