//go:build unix

package platform

import (
	"io/fs"
	"os"
	"syscall"
)

// openFile opens name for reading. O_NONBLOCK keeps a FIFO swapped in after
// the walk from blocking the open; it has no effect on regular files.
func openFile(root *os.Root, name string) (*os.File, error) {
	return root.OpenFile(name, os.O_RDONLY|syscall.O_NONBLOCK, 0)
}

// FileOwner returns the numeric owner recorded in tar headers.
func FileOwner(info fs.FileInfo) (uid, gid uint32) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return st.Uid, st.Gid
}
