package monitor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const defaultTerminalWidth = 80

// rewritableBlock is a region at the bottom of a terminal that is redrawn
// in place on every update. The block only ever grows.
type rewritableBlock struct {
	out                io.Writer
	lastHeight         int
	trailingEmptyLines int
}

func newRewritableBlock(out io.Writer) *rewritableBlock {
	return &rewritableBlock{out: out}
}

// size returns the terminal's width and height, zero when unknown
func (b *rewritableBlock) size() (int, int) {
	f, ok := b.out.(*os.File)
	if !ok {
		return 0, 0
	}
	width, height, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, 0
	}
	return width, height
}

func (b *rewritableBlock) width() int {
	if w, _ := b.size(); w > 0 {
		return w
	}
	return defaultTerminalWidth
}

func (b *rewritableBlock) displayLines(lines []string) {
	lines = expandNewlines(lines)
	if _, height := b.size(); height > 0 {
		// Leave one line for the cursor, and never shrink below what was
		// drawn before
		maxHeight := max(height-1, b.lastHeight)
		if len(lines) > maxHeight {
			lines = lines[:maxHeight]
		}
	}

	var update strings.Builder
	update.WriteString(cursorUp(b.lastHeight))
	for _, line := range lines {
		update.WriteString(clearLine + line + "\n")
	}

	b.trailingEmptyLines = max(0, b.lastHeight-len(lines))
	for i := 0; i < b.trailingEmptyLines; i++ {
		update.WriteString(clearLine + "\n")
	}
	b.lastHeight = max(b.lastHeight, len(lines))

	fmt.Fprint(b.out, update.String())
}

// removeEmptyLines moves the cursor back over the blank lines that
// displayLines left below the last content
func (b *rewritableBlock) removeEmptyLines() {
	fmt.Fprint(b.out, cursorUp(b.trailingEmptyLines))
}

const clearLine = "\x1b[K"

func cursorUp(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("\x1b[%dA", n)
}

func expandNewlines(lines []string) []string {
	var out []string
	for _, line := range lines {
		out = append(out, strings.Split(line, "\n")...)
	}
	return out
}
