//go:build unix

package content

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixSpaceProber reports filesystem capacity via statfs.
type unixSpaceProber struct{}

// NewSpaceProber returns the platform's capacity prober.
func NewSpaceProber() SpaceProber {
	return unixSpaceProber{}
}

func (unixSpaceProber) Capacity(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Blocks) * int64(st.Bsize), nil
}

func (unixSpaceProber) Usable(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
