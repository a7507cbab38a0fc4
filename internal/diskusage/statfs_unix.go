//go:build unix
// +build unix

package diskusage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Statfs measures real filesystems via statfs(2).
type Statfs struct{}

func (Statfs) Usage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{
		TotalBytes: st.Blocks * bsize,
		// Bavail counts blocks available to unprivileged users, which is
		// what pressure decisions should key on.
		FreeBytes: st.Bavail * bsize,
	}, nil
}
