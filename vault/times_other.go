//go:build !linux

package vault

import (
	"os"
	"time"
)

// fileTimes extracts the access and modification times from a stat result.
// Platforms without a portable atime fall back to the modification time.
func fileTimes(info os.FileInfo) (atime, mtime time.Time) {
	mtime = info.ModTime()
	return mtime, mtime
}
