//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// allocatedSize returns blocks actually allocated, so sparse badger value
// logs and preallocated sqlite WAL files are counted by what they occupy
func allocatedSize(_ string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}
	// st_blocks is always in 512-byte units
	return stat.Blocks * 512, nil
}
