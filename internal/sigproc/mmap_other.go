//go:build !unix

package sigproc

import (
	"errors"
	"os"
)

func mapFile(f *os.File, size int64) ([]byte, error) {
	return nil, errors.New("memory mapping not supported on this platform")
}

func unmapFile(b []byte) error { return nil }
