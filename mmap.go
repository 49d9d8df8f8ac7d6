package xsk

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmapRegion maps an anonymous region to back UMEM frames. With
// useHugePages it tries 2MB huge pages first and falls back to normal
// pages when the system has none to give.
func mmapRegion(length int, useHugePages bool) ([]byte, error) {
	if useHugePages {
		mem, err := unix.Mmap(-1, 0, length,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_HUGETLB|unix.MAP_HUGE_2MB)
		if err == nil {
			return mem, nil
		}
	}
	mem, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, errors.Wrap(err, "unix.Mmap(MAP_PRIVATE|MAP_ANONYMOUS)")
	}
	return mem, nil
}
