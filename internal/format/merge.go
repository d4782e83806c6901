package format

import (
	"bufio"
	"io"
	"strings"
	"unicode"
)

// MergeTo merges processed units into a single stream:
//
//   - CRLF/CR are normalized to LF.
//   - Adjacent non-blank lines get a blank line between them (paragraph
//     separation), in particular across unit boundaries.
//   - Explicit blank lines inside a unit are preserved; an empty unit
//     contributes one blank line.
//   - The final newline is preserved only if the last unit ended with one.
func MergeTo(w io.Writer, parts []string) error {
	bw := bufio.NewWriter(w)
	prevNonblank := false

	for pi, part := range parts {
		isLast := pi == len(parts)-1
		keepFinalNewline := strings.HasSuffix(part, "\n") || strings.HasSuffix(part, "\r")
		lines := mergeLines(part)
		lastIdx := len(lines) - 1

		for j, line := range lines {
			if line == "" {
				if _, err := bw.WriteString("\n"); err != nil {
					return err
				}
				prevNonblank = false
				continue
			}

			if prevNonblank {
				if _, err := bw.WriteString("\n"); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(line); err != nil {
				return err
			}
			if !(isLast && !keepFinalNewline && j == lastIdx) {
				if _, err := bw.WriteString("\n"); err != nil {
					return err
				}
			}
			prevNonblank = true
		}
	}

	return bw.Flush()
}

// MergeParts is MergeTo into a string.
func MergeParts(parts []string) string {
	var b strings.Builder
	_ = MergeTo(&b, parts)
	return b.String()
}

// mergeLines normalizes a unit for merging: LF line endings, blank lines
// reduced to "", trailing whitespace trimmed from non-blank lines. The
// implicit empty element after a trailing newline is dropped.
func mergeLines(part string) []string {
	part = normalizeNewlines(part)
	hadTrailing := strings.HasSuffix(part, "\n")
	lines := strings.Split(part, "\n")
	if hadTrailing && len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}

	out := make([]string, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			out[i] = ""
		} else {
			out[i] = strings.TrimRightFunc(line, unicode.IsSpace)
		}
	}
	return out
}
