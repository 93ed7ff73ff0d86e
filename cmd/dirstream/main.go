// Command dirstream serves a directory tree over HTTP and streams archives
// of its subdirectories on demand.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
