package store

import (
	"github.com/google/uuid"

	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/index"
)

// WriteBatch wraps an index.BulkSession with a uuid label, used only for
// distinguishing concurrent bulk sessions in log lines and metrics — a
// lightweight, legitimate use of google/uuid distinct from shortid's role
// naming temp overflow shards (SPEC_FULL DOMAIN STACK).
type WriteBatch struct {
	id      uuid.UUID
	session *index.BulkSession
	store   *Store
}

// BeginBulk suspends trigger-based aggregate maintenance for a large write
// operation (create-from-scratch, merge-into-empty, AddTree, schema
// upgrade — spec §4.3.2 "bulk mode"). Callers must Close the batch, which
// restores exact aggregates via UpdateDirs + UpdateTreestats.
func (s *Store) BeginBulk() (*WriteBatch, error) {
	if err := s.requireWrite("begin_bulk"); err != nil {
		return nil, err
	}
	session, err := s.idx.BeginBulk()
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	blog.Infof("batch %s: bulk write session started", id)
	return &WriteBatch{id: id, session: session, store: s}, nil
}

// ID returns the batch's uuid label.
func (b *WriteBatch) ID() uuid.UUID { return b.id }

// Close recomputes directory aggregates exactly and restores normal
// trigger-based maintenance.
func (b *WriteBatch) Close() error {
	err := b.session.Close()
	if err != nil {
		blog.Errorf("batch %s: bulk write session failed to close cleanly: %v", b.id, err)
		return err
	}
	blog.Infof("batch %s: bulk write session closed", b.id)
	return nil
}
