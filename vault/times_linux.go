//go:build linux

package vault

import (
	"os"
	"syscall"
	"time"
)

// fileTimes extracts the access and modification times from a stat result.
func fileTimes(info os.FileInfo) (atime, mtime time.Time) {
	mtime = info.ModTime()
	atime = mtime
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return atime, mtime
}
