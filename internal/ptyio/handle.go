// Package ptyio is the PTY I/O Core: a blocking reader/writer thread
// bridged to async channels, fronting an entry-capped scrollback buffer
// that also keeps a running byte count (bytes are counted, not capped),
// per spec §4.1.
package ptyio

import (
	"io"
	"os/exec"
)

// Handle abstracts a pseudo-terminal across platforms: creack/pty on
// Unix, Windows ConPTY (via UserExistsError/conpty) on Windows.
type Handle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// StartWithSize launches cmd attached to a new pseudo-terminal of the
// given size. The platform-specific implementation lives in start_unix.go
// / start_windows.go.
func StartWithSize(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	return startWithSize(cmd, cols, rows)
}
