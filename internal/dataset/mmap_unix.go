//go:build unix

package dataset

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapShard maps the file read-only for zero-copy record slicing.
func mapShard(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := int(stat.Size())
	if size == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
}

func unmapShard(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
