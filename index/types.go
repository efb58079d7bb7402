package index

// FileInfo is the in-memory projection of one files row.
type FileInfo struct {
	Path     string
	Shard    int
	Offset   int64
	Size     int64
	CRC32C   uint32
	HasCRC   bool
	Mode     uint32
	HasMode  bool
	UID      int
	GID      int
	HasUID   bool
	HasGID   bool
	MtimeNs  int64
	HasMtime bool
}

// End is one past the last byte this file occupies in its shard.
func (f FileInfo) End() int64 { return f.Offset + f.Size }

// DirInfo is the in-memory projection of one dirs row.
type DirInfo struct {
	Path         string
	NumSubdirs   int64
	NumFiles     int64
	NumFilesTree int64
	SizeTree     int64
	Mode         uint32
	HasMode      bool
	UID          int
	GID          int
	HasUID       bool
	HasGID       bool
	MtimeNs      int64
	HasMtime     bool
}

// NumEntries is the count of immediate children (files + dirs).
func (d DirInfo) NumEntries() int64 { return d.NumFiles + d.NumSubdirs }

// Order controls the sequence IterAllFileInfos/IterAllDirInfos stream in.
// It is a bit-flag type so ANY axis can be combined with DESC.
type Order int

const (
	// OrderAny streams in whatever order the engine finds cheapest
	// (typically rowid/insertion order) — no ORDER BY clause at all.
	OrderAny Order = iota
	OrderPath
	OrderAddress // (shard, offset)
	OrderRandom
	// OrderDesc is OR'd with one of the above to reverse direction; it has
	// no effect combined with OrderRandom.
	OrderDesc Order = 1 << 4
)

// AsQueryText renders the ORDER BY clause (without the "ORDER BY" keywords)
// for the files table, or "" for OrderAny.
func (o Order) AsQueryText() string {
	desc := o&OrderDesc != 0
	base := o &^ OrderDesc
	dir := ""
	if desc {
		dir = " DESC"
	}
	switch base {
	case OrderPath:
		return "path" + dir
	case OrderAddress:
		return "shard" + dir + ", offset" + dir
	case OrderRandom:
		return "RANDOM()"
	default:
		return ""
	}
}
