package cos

import "golang.org/x/sys/unix"

// DiskUsage reports free/total bytes on the filesystem backing path.
type DiskUsage struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Statfs wraps unix.Statfs for Store.DiskUsage, reporting the free/total
// space of the filesystem backing an archive's base path.
func Statfs(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, err
	}
	bsize := uint64(st.Bsize)
	return DiskUsage{
		TotalBytes: st.Blocks * bsize,
		FreeBytes:  st.Bavail * bsize,
	}, nil
}
