package store

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/paths"
)

// FileFlag selects the access mode a File handle is opened with.
type FileFlag int

const (
	// Read opens a read-only slice view over the shard range.
	Read FileFlag = iota
	// ReadWrite opens a handle whose Write calls go in-place or to a
	// spillover buffer, committed through Store.Update on Close.
	ReadWrite
)

// File is the read-or-read-write handle spec §4.4.2 describes: a view over
// one file's bytes in the underlying shard, with Read-mode semantics a
// thin clamp-to-end slice, and ReadWrite-mode semantics an in-place
// overwrite for bytes within the original size plus a spillover buffer for
// anything appended past it.
type File struct {
	store    *Store
	path     string
	info     index.FileInfo
	writable bool

	pos         int64
	logicalSize int64
	spillover   []byte // holds bytes for positions [info.Size, logicalSize)
	dirty       bool
	closed      bool
}

// Open returns a File handle over path. flag=Read works in any Store mode;
// flag=ReadWrite requires a mode that permits mutating an existing file
// (spec §4.4 "enforces mode").
func (s *Store) Open(path string, flag FileFlag) (*File, error) {
	norm, ok := paths.Normalize(path)
	if !ok {
		return nil, errors.Errorf("path %q walks above the archive root", path)
	}
	fi, err := s.idx.LookupFile(norm)
	if err != nil {
		return nil, err
	}
	if flag == ReadWrite {
		if err := s.requireMutateExisting("open(write)"); err != nil {
			return nil, err
		}
	}
	return &File{
		store:       s,
		path:        norm,
		info:        fi,
		writable:    flag == ReadWrite,
		logicalSize: fi.Size,
	}, nil
}

// Tell returns the current seek position.
func (f *File) Tell() int64 { return f.pos }

// Whence constants mirror io.Seek*.
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// Seek repositions the handle. Seeking beyond end-of-file is permitted;
// a subsequent Read returns empty, a subsequent Write zero-fills the hole.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = f.pos
	case SeekEnd:
		base = f.logicalSize
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, errors.New("negative seek position")
	}
	f.pos = newPos
	return f.pos, nil
}

// Read fills p starting at the current position, clamped to end-of-file;
// it never errors on short reads at EOF (returns io.EOF only once nothing
// more could possibly be read, matching io.Reader).
func (f *File) Read(p []byte) (int, error) {
	if f.pos >= f.logicalSize {
		return 0, io.EOF
	}
	remaining := f.logicalSize - f.pos
	want := int64(len(p))
	if want > remaining {
		want = remaining
	}
	n, err := f.readAt(f.pos, p[:want])
	f.pos += int64(n)
	return n, err
}

// ReadInto is an alias of Read kept for parity with the spec's named
// operation (spec §4.4.2).
func (f *File) ReadInto(buf []byte) (int, error) { return f.Read(buf) }

// ReadLine reads up to the next '\n' (inclusive) or limit bytes, whichever
// comes first. limit<=0 means unbounded.
func (f *File) ReadLine(limit int) ([]byte, error) {
	var out []byte
	buf := make([]byte, 1)
	for limit <= 0 || len(out) < limit {
		n, err := f.Read(buf)
		if n > 0 {
			out = append(out, buf[0])
			if buf[0] == '\n' {
				return out, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
	}
	return out, nil
}

// readAt serves bytes for [pos, pos+len(p)) from either the original
// shard range or the spillover buffer, never straddling both within one
// call from the caller's point of view (Read only ever requests bytes
// that don't cross logicalSize, but the boundary within that range can
// still fall inside the original-vs-spillover split).
func (f *File) readAt(pos int64, p []byte) (int, error) {
	n := 0
	if pos < f.info.Size {
		fromOrig := f.info.Size - pos
		if fromOrig > int64(len(p)) {
			fromOrig = int64(len(p))
		}
		got, err := f.store.shards.ReadInto(f.info.Shard, f.info.Offset+pos, p[:fromOrig])
		n += got
		if err != nil {
			return n, err
		}
		pos += int64(got)
		p = p[got:]
	}
	if len(p) > 0 && pos >= f.info.Size {
		off := pos - f.info.Size
		avail := int64(len(f.spillover)) - off
		if avail < 0 {
			avail = 0
		}
		toCopy := int64(len(p))
		if toCopy > avail {
			toCopy = avail
		}
		if toCopy > 0 {
			copy(p, f.spillover[off:off+toCopy])
			n += int(toCopy)
		}
	}
	return n, nil
}

// Write writes p at the current position. The portion that lands within
// the handle's original size is written straight to the shard in place;
// any portion past it is staged in the in-memory spillover buffer, not
// committed to disk until Close (spec §4.4.2).
func (f *File) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, errors.New("file not opened for writing")
	}
	f.dirty = true
	written := 0
	if f.pos < f.info.Size && len(p) > 0 {
		inPlaceLen := f.info.Size - f.pos
		if inPlaceLen > int64(len(p)) {
			inPlaceLen = int64(len(p))
		}
		if _, err := f.store.shards.WriteAt(f.info.Shard, f.info.Offset+f.pos, p[:inPlaceLen]); err != nil {
			return written, err
		}
		f.pos += inPlaceLen
		written += int(inPlaceLen)
		p = p[inPlaceLen:]
	}
	if len(p) > 0 {
		off := f.pos - f.info.Size
		needed := off + int64(len(p))
		f.ensureSpilloverLen(needed)
		copy(f.spillover[off:], p)
		f.pos += int64(len(p))
		written += len(p)
	}
	if f.pos > f.logicalSize {
		f.logicalSize = f.pos
	}
	return written, nil
}

// ensureSpilloverLen grows the spillover buffer to at least n bytes,
// zero-filling the new region (spec: "seeking beyond EOF ... write
// implicitly zero-fills the hole").
func (f *File) ensureSpilloverLen(n int64) {
	if int64(len(f.spillover)) >= n {
		return
	}
	grown := make([]byte, n)
	copy(grown, f.spillover)
	f.spillover = grown
}

// Truncate resizes the logical file. Shrinking discards spillover bytes
// beyond newLen (the in-place bytes may remain physically present but are
// no longer referenced); growing zero-fills into the spillover.
func (f *File) Truncate(newLen int64) error {
	if !f.writable {
		return errors.New("file not opened for writing")
	}
	f.dirty = true
	if newLen <= f.info.Size {
		f.spillover = nil
	} else {
		f.ensureSpilloverLen(newLen - f.info.Size)
		if int64(len(f.spillover)) > newLen-f.info.Size {
			f.spillover = f.spillover[:newLen-f.info.Size]
		}
	}
	f.logicalSize = newLen
	if f.pos > newLen {
		f.pos = newLen
	}
	return nil
}

// Close commits any pending write through Store.Update and releases the
// handle. If nothing was written, Close is a no-op on disk. Callers must
// check the returned error — a deferred update failing during close is the
// one place the core surfaces an error from close() itself (spec §7).
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if !f.dirty {
		return nil
	}
	content, err := f.assembleLogicalContent()
	if err != nil {
		return errors.Wrap(err, "assembling file content at close")
	}
	return f.store.Update(f.path, bytes.NewReader(content), int64(len(content)), AddOptions{})
}

// assembleLogicalContent reads back the full logical file (original bytes,
// possibly already overwritten in place, followed by any spillover) so it
// can be handed to Store.Update as a single payload.
func (f *File) assembleLogicalContent() ([]byte, error) {
	out := make([]byte, f.logicalSize)
	origLen := f.info.Size
	if origLen > f.logicalSize {
		origLen = f.logicalSize
	}
	if origLen > 0 {
		if _, err := f.store.shards.ReadInto(f.info.Shard, f.info.Offset, out[:origLen]); err != nil {
			return nil, err
		}
	}
	if f.logicalSize > f.info.Size {
		copy(out[f.info.Size:], f.spillover)
	}
	return out, nil
}
