//go:build unix

package sigproc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cannot map empty file")
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("file of %d bytes exceeds address space", size)
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

func unmapFile(b []byte) error {
	return unix.Munmap(b)
}
