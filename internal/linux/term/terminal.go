package term

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	xterm "golang.org/x/term"
)

// IsTerminal reports whether fd is an interactive terminal.
func IsTerminal(fd int) bool {
	return xterm.IsTerminal(fd)
}

// Width returns the column count of the terminal on fd.
func Width(fd int) (int, error) {
	if !xterm.IsTerminal(fd) {
		return 0, errors.Newf("term: fd %d is not a terminal", fd)
	}

	size, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil {
		return 0, errors.Wrap(err, "term: failed to read terminal size")
	}
	return int(size.Col), nil
}
