//go:build darwin

package directio

import (
	"fmt"
	"os"
	"syscall"
)

const (
	AlignSize = 0
	BlockSize = 4096
	DirectIO  = true
)

// OpenFile opens the file and sets F_NOCACHE to avoid OS caching.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	_, _, e1 := syscall.Syscall(syscall.SYS_FCNTL, uintptr(file.Fd()), syscall.F_NOCACHE, 1)
	if e1 != 0 {
		file.Close()
		return nil, fmt.Errorf("failed to set F_NOCACHE: %s", e1)
	}
	return file, nil
}
