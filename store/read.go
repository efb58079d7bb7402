package store

import (
	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/paths"
)

// Read resolves path through the Index and returns its full payload,
// verifying the CRC when one is stored (spec §2 control flow for a read).
func (s *Store) Read(path string) ([]byte, error) {
	norm, ok := paths.Normalize(path)
	if !ok {
		return nil, errors.Errorf("path %q walks above the archive root", path)
	}
	fi, err := s.idx.LookupFile(norm)
	if err != nil {
		return nil, err
	}
	data, err := s.shards.ReadRange(fi.Shard, fi.Offset, fi.Size)
	if err != nil {
		return nil, err
	}
	if fi.HasCRC {
		if got := cos.CRC32C(data); got != fi.CRC32C {
			return nil, &bcerr.IntegrityError{Msg: errors.Errorf(
				"CRC mismatch for %s: stored %08x, computed %08x", norm, fi.CRC32C, got).Error()}
		}
	}
	s.metrics.BytesRead.Add(float64(len(data)))
	return data, nil
}

// LookupFile/LookupDir/Exists/Listdir/ListdirNames/Walk/Glob/IterAllFileInfos
// pass straight through to the Index; Store adds nothing beyond path
// normalization, since these are pure metadata reads that never touch shard
// bytes.

func (s *Store) LookupFile(path string) (index.FileInfo, error) {
	norm, ok := paths.Normalize(path)
	if !ok {
		return index.FileInfo{}, errors.Errorf("path %q walks above the archive root", path)
	}
	return s.idx.LookupFile(norm)
}

func (s *Store) LookupDir(path string) (index.DirInfo, error) {
	norm, ok := paths.Normalize(path)
	if !ok {
		return index.DirInfo{}, errors.Errorf("path %q walks above the archive root", path)
	}
	return s.idx.LookupDir(norm)
}

func (s *Store) Exists(path string) (isFile, isDir bool, err error) {
	norm, ok := paths.Normalize(path)
	if !ok {
		return false, false, errors.Errorf("path %q walks above the archive root", path)
	}
	return s.idx.Exists(norm)
}

func (s *Store) Listdir(path string) (subdirs []index.DirInfo, files []index.FileInfo, err error) {
	norm, ok := paths.Normalize(path)
	if !ok {
		return nil, nil, errors.Errorf("path %q walks above the archive root", path)
	}
	return s.idx.Listdir(norm)
}

func (s *Store) ListdirNames(path string) (subdirs, files []string, err error) {
	norm, ok := paths.Normalize(path)
	if !ok {
		return nil, nil, errors.Errorf("path %q walks above the archive root", path)
	}
	return s.idx.ListdirNames(norm)
}

func (s *Store) Walk(root string, fn func(index.WalkEntry) error) error {
	norm, ok := paths.Normalize(root)
	if !ok {
		return errors.Errorf("path %q walks above the archive root", root)
	}
	return s.idx.Walk(norm, fn)
}

func (s *Store) Glob(pattern string, opts index.GlobOptions) ([]index.FileInfo, error) {
	return s.idx.Glob(pattern, opts)
}

func (s *Store) IterGlobInfosInclExcl(rules []index.Rule, defaultInclude bool) ([]index.FileInfo, error) {
	return s.idx.IterGlobInfosInclExcl(rules, defaultInclude)
}

func (s *Store) IterAllFileInfos(order index.Order, fn func(index.FileInfo) error) error {
	return s.idx.IterAllFileInfos(order, fn)
}
