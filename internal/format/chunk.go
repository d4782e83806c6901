package format

import "strings"

// ChunkByLines splits text into units that never break inside a line,
// preferring the most recent blank line (a paragraph boundary) when a unit
// fills up. The first unit may use a larger budget, firstMax, so that a
// completion pass sees the document head (front matter, title block) in a
// single call; firstMax <= max means no special treatment.
//
// Sizes are measured in bytes of the UTF-8 encoding, matching the budgets
// used for length-ratio validation downstream.
func ChunkByLines(text string, max, firstMax int) []string {
	if max <= 0 {
		return []string{text}
	}
	if firstMax < max {
		firstMax = max
	}

	lines := splitKeepEnds(text)
	if len(lines) == 0 {
		return []string{""}
	}

	var (
		chunks       []string
		buf          []string
		size         int
		lastBlankIdx = -1
	)

	budget := func() int {
		if len(chunks) == 0 {
			return firstMax
		}
		return max
	}

	flushAll := func() {
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, ""))
		}
		buf = buf[:0]
		size = 0
		lastBlankIdx = -1
	}

	flushUpto := func(end int) {
		if end < 0 {
			return
		}
		head := buf[:end+1]
		tail := append([]string(nil), buf[end+1:]...)
		if len(head) > 0 {
			chunks = append(chunks, strings.Join(head, ""))
		}
		buf = tail
		size = 0
		lastBlankIdx = -1
		for i, line := range buf {
			size += len(line)
			if strings.TrimSpace(line) == "" {
				lastBlankIdx = i
			}
		}
	}

	for _, line := range lines {
		if len(buf) > 0 && size+len(line) > budget() {
			// Prefer breaking at the last paragraph boundary.
			if lastBlankIdx >= 0 {
				flushUpto(lastBlankIdx)
			} else {
				flushAll()
			}
		}

		buf = append(buf, line)
		size += len(line)
		if strings.TrimSpace(line) == "" {
			lastBlankIdx = len(buf) - 1
		}

		// Already over budget: flush at the next boundary we have.
		if size >= budget() && lastBlankIdx >= 0 {
			flushUpto(lastBlankIdx)
		}
	}

	flushAll()
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// splitKeepEnds splits on "\n" keeping the newline attached to each line,
// so that joining the pieces reproduces the input byte for byte.
func splitKeepEnds(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			lines = append(lines, text)
			return lines
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
		if text == "" {
			return lines
		}
	}
}
