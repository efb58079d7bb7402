package index

// SchemaVersionMajor/Minor identify the on-disk schema this implementation
// writes and the minimum it accepts without a forward-tolerance warning
// (spec §3.1, §4.3.8).
const (
	SchemaVersionMajor = 0
	SchemaVersionMinor = 3
)

// schemaDDL creates the three tables plus their secondary indexes. `parent`
// is a stored-generated column so it never drifts from `path`: SQLite
// computes it from the path string itself (everything up to the last '/',
// or '' for a top-level entry), exactly the derivation in paths.Parent.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
	path     TEXT PRIMARY KEY,
	parent   TEXT GENERATED ALWAYS AS (
		CASE WHEN instr(path, '/') = 0 THEN ''
		     ELSE substr(path, 1, length(rtrim(path, replace(path, '/', ''))) - 1)
		END
	) VIRTUAL,
	shard    INTEGER NOT NULL,
	offset   INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	crc32c   INTEGER,
	mode     INTEGER,
	uid      INTEGER,
	gid      INTEGER,
	mtime_ns INTEGER
);
CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent);
CREATE INDEX IF NOT EXISTS idx_files_address ON files(shard, offset);

CREATE TABLE IF NOT EXISTS dirs (
	path           TEXT PRIMARY KEY,
	parent         TEXT GENERATED ALWAYS AS (
		CASE WHEN path = '' THEN NULL
		     WHEN instr(path, '/') = 0 THEN ''
		     ELSE substr(path, 1, length(rtrim(path, replace(path, '/', ''))) - 1)
		END
	) VIRTUAL,
	num_subdirs    INTEGER NOT NULL DEFAULT 0,
	num_files      INTEGER NOT NULL DEFAULT 0,
	num_files_tree INTEGER NOT NULL DEFAULT 0,
	size_tree      INTEGER NOT NULL DEFAULT 0,
	mode           INTEGER,
	uid            INTEGER,
	gid            INTEGER,
	mtime_ns       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_dirs_parent ON dirs(parent);

CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value_int  INTEGER,
	value_text TEXT
);
`

// Parent-column note: rtrim(path, replace(path, '/', '')) strips the
// basename (every trailing character that is not '/'), leaving "dir/"; the
// substr then drops the trailing slash. This must match paths.Parent
// exactly — the triggers and the parent-indexed queries both read it.

// triggerDDL maintains the dirs aggregates on every files/dirs mutation
// (spec §4.3.2 trigger mode). Ancestor auto-creation happens in Go before
// the insert (see mutate.go ensureAncestors) rather than recursively inside
// the trigger, since SQLite trigger recursion for "create N ancestors" is
// awkward; the triggers below only adjust counts on rows already known to
// exist.
const triggerDDL = `
CREATE TRIGGER IF NOT EXISTS trg_files_ai AFTER INSERT ON files
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET num_files = num_files + 1 WHERE path = NEW.parent;
	UPDATE dirs SET num_files_tree = num_files_tree + 1, size_tree = size_tree + NEW.size
	WHERE path = '' OR path = NEW.parent OR substr(NEW.parent, 1, length(path) + 1) = path || '/';
END;

CREATE TRIGGER IF NOT EXISTS trg_files_ad AFTER DELETE ON files
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET num_files = num_files - 1 WHERE path = OLD.parent;
	UPDATE dirs SET num_files_tree = num_files_tree - 1, size_tree = size_tree - OLD.size
	WHERE path = '' OR path = OLD.parent OR substr(OLD.parent, 1, length(path) + 1) = path || '/';
END;

CREATE TRIGGER IF NOT EXISTS trg_files_au AFTER UPDATE OF size ON files
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1 AND NEW.size != OLD.size
BEGIN
	UPDATE dirs SET size_tree = size_tree + NEW.size - OLD.size
	WHERE path = '' OR path = NEW.parent OR substr(NEW.parent, 1, length(path) + 1) = path || '/';
END;

CREATE TRIGGER IF NOT EXISTS trg_dirs_ai AFTER INSERT ON dirs
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1 AND NEW.path != ''
BEGIN
	UPDATE dirs SET num_subdirs = num_subdirs + 1 WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_dirs_ad AFTER DELETE ON dirs
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1 AND OLD.path != ''
BEGIN
	UPDATE dirs SET num_subdirs = num_subdirs - 1 WHERE path = OLD.parent;
END;
`
