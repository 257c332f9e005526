package irc

import (
	"strings"

	"github.com/muesli/reflow/wordwrap"
)

// MaxLineLength is the wire budget for a serialized IRC line (§4.1)
// absent the batch/length-extension capability.
const MaxLineLength = 512

// WrapForBudget packs words into lines of at most width bytes each,
// using github.com/muesli/reflow/wordwrap to keep long lines under the
// wire budget. It never breaks inside a word: a single word longer
// than width gets its own (overlong) line.
func WrapForBudget(words []string, width int) []string {
	if width <= 0 {
		width = MaxLineLength
	}

	joined := strings.Join(words, " ")
	// Only spaces may break a line: the default '-' breakpoint would
	// split hyphenated words across lines.
	ww := wordwrap.NewWriter(width)
	ww.Breakpoints = nil
	ww.Write([]byte(joined))
	ww.Close()
	wrapped := ww.String()

	lines := make([]string, 0, 1)
	for _, l := range strings.Split(wrapped, "\n") {
		l = strings.TrimRight(l, " ")
		if l == "" {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		lines = append(lines, "")
	}
	return lines
}
