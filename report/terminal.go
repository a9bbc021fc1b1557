package report

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

// isTerminal reports whether w is a terminal file descriptor, so the
// renderer can decide whether ANSI highlighting of [L]/[M] tags is
// safe to emit. Report files on disk (call-tree-dump.txt,
// call-stacks.txt) are never terminals; this only matters when a
// caller points the renderer at stdout.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

const (
	ansiBoldRed   = "\x1b[1;31m"
	ansiDim       = "\x1b[2m"
	ansiReset     = "\x1b[0m"
)

func colorize(color, text string, enabled bool) string {
	if !enabled {
		return text
	}
	return color + text + ansiReset
}

// padRight pads s with spaces to at least width display columns, using
// runewidth so multi-byte symbol names (demangled C++, UTF-8 in
// resolved names) align the same as ASCII would.
func padRight(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w >= width {
		return s
	}
	pad := make([]byte, width-w)
	for i := range pad {
		pad[i] = ' '
	}
	return s + string(pad)
}
