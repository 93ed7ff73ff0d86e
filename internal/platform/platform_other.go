//go:build !unix

package platform

import (
	"io/fs"
	"os"
)

func openFile(root *os.Root, name string) (*os.File, error) {
	return root.Open(name)
}

// FileOwner reports no owner; tar headers carry zero IDs.
func FileOwner(fs.FileInfo) (uid, gid uint32) {
	return 0, 0
}
