//go:build !windows

package sharedmem

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapRegion(f *os.File, size int) ([]byte, error) {
	if f == nil {
		return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	}
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapRegion(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
