// Package pjl builds Printer Job Language frames and pulls counter values
// out of the free-form text printers send back.
package pjl

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// UEL is the Universal Exit Language escape that opens and closes every job.
const UEL = "\x1b%-12345X"

const (
	prologue = UEL + "@PJL\r\n"
	epilogue = "\r\n@PJL EOJ\r\n" + UEL

	// MaxCounter is the largest value accepted as a plausible counter.
	MaxCounter = 999999
)

var ErrEmptyCommand = errors.New("empty PJL command")

// Build wraps command in the UEL/PJL envelope.
func Build(command string) ([]byte, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}

	frame := make([]byte, 0, len(prologue)+len(command)+len(epilogue))
	frame = append(frame, prologue...)
	frame = append(frame, command...)
	frame = append(frame, epilogue...)

	return frame, nil
}

// counterPatterns is ordered most specific first. Named fields win over the
// generic separator match, and the bare number is the last resort.
var counterPatterns = buildCounterPatterns()

func buildCounterPatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(Variables)+2)
	for _, name := range Variables {
		patterns = append(patterns, regexp.MustCompile(`(?i)`+name+`[=:]\s*(\d+)`))
	}

	patterns = append(patterns,
		regexp.MustCompile(`[=:]\s*(\d+)`),
		// Go regexp has no lookbehind; the leading class keeps "-12" and
		// "abc12" from yielding a value.
		regexp.MustCompile(`(?:^|[^\w-])(\d{1,6})\b`),
	)

	return patterns
}

// ExtractCounter returns the first in-range counter value found in text.
// Patterns are tried in order and the search stops at the first pattern
// that produces any value within [0, MaxCounter].
func ExtractCounter(text string) (int, bool) {
	if text == "" {
		return 0, false
	}

	for _, re := range counterPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			v, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if v >= 0 && v <= MaxCounter {
				return v, true
			}
		}
	}

	return 0, false
}

// DecodeReply turns raw reply bytes into text, dropping anything that is not
// printable ASCII (plus CR, LF and tab) and trimming the trailing form feed
// PJL replies end with.
func DecodeReply(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))

	for _, c := range raw {
		switch {
		case c == '\r' || c == '\n' || c == '\t' || c == '\f':
			b.WriteByte(c)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		}
	}

	return strings.TrimSpace(b.String())
}
