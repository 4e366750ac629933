//go:build !unix

package dataset

import "os"

// Fallback for platforms without mmap: read the whole shard.
func mapShard(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func unmapShard([]byte) error { return nil }
