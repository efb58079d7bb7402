package index

import (
	"database/sql"

	"github.com/pkg/errors"
)

// AttachedDB names the alias an attached database is reachable under
// inside SQL statements on this connection (e.g. "src.files").
type AttachedDB struct {
	idx   *Index
	Alias string
}

// AttachReadOnly attaches path (another archive's index file) under alias,
// read-only, for the duration of the returned handle — the mechanism
// behind symlink-merge and copy-merge's SQL-level joins between two
// Indexes (spec §4.6, §9 "Attached database for merge"). Callers must
// Detach when done.
func (idx *Index) AttachReadOnly(path, alias string) (*AttachedDB, error) {
	dsn := "file:" + path + "?mode=ro&immutable=1"
	if _, err := idx.db.Exec(`ATTACH DATABASE ? AS `+quoteIdent(alias), dsn); err != nil {
		return nil, errors.Wrapf(err, "attaching %s as %s", path, alias)
	}
	return &AttachedDB{idx: idx, Alias: alias}, nil
}

// Detach detaches the database from the connection.
func (a *AttachedDB) Detach() error {
	_, err := a.idx.db.Exec(`DETACH DATABASE ` + quoteIdent(a.Alias))
	return err
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

// Exec and Query are thin pass-throughs so merge code can issue
// cross-database statements through the same *sql.DB the attachment was
// made on (SQLite requires ATTACH and the subsequent statements to share a
// connection).
func (idx *Index) Exec(query string, args ...any) (sql.Result, error) {
	return idx.db.Exec(query, args...)
}

func (idx *Index) Query(query string, args ...any) (*sql.Rows, error) {
	return idx.db.Query(query, args...)
}

func (idx *Index) QueryRow(query string, args ...any) *sql.Row { return idx.db.QueryRow(query, args...) }

func (idx *Index) Begin() (*sql.Tx, error) { return idx.db.Begin() }
