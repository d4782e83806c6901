package llm

import (
	"regexp"
	"strings"
)

// ThinkTagFilter strips <think>...</think> spans from streamed model
// output. It is a two-state machine with a nesting depth counter and a
// small carry buffer for tags split across stream chunks, so the output
// is identical no matter how the stream is fragmented.
//
// Matching is case-insensitive. Nested opens are tracked greedily; hidden
// content is only re-exposed when the depth returns to zero.
type ThinkTagFilter struct {
	inThink bool
	depth   int
	buffer  string
}

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// indexFold finds tag (lowercase ASCII) in s at or after from. It folds
// ASCII case byte by byte rather than searching a ToLower copy, because
// Unicode case folding can change byte lengths and shift every position
// after the first multibyte fold.
func indexFold(s, tag string, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+len(tag) <= len(s); i++ {
		if s[i] == tag[0] && asciiFoldEqual(s[i:i+len(tag)], tag) {
			return i
		}
	}
	return -1
}

// asciiFoldEqual reports whether s equals lower after folding ASCII
// letters in s to lowercase. len(s) must be len(lower).
func asciiFoldEqual(s, lower string) bool {
	for i := 0; i < len(lower); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}

// Feed processes a stream chunk and returns the visible content so far.
// Content that might be the start of a split tag is withheld until the
// next Feed or Flush resolves it.
func (f *ThinkTagFilter) Feed(chunk string) string {
	if chunk == "" {
		return ""
	}

	text := f.buffer + chunk
	f.buffer = ""

	var out strings.Builder
	i := 0

	for i < len(text) {
		if !f.inThink {
			open := indexFold(text, openTag, i)
			if open >= 0 {
				out.WriteString(text[i:open])
				f.inThink = true
				f.depth = 1
				i = open + len(openTag)
				continue
			}
			// A trailing '<' within the last len("<think>")-1 bytes could
			// be a split open tag; hold it back.
			if lt := lastLtAfter(text, len(text)-len(openTag)); lt >= i {
				out.WriteString(text[i:lt])
				f.buffer = text[lt:]
			} else {
				out.WriteString(text[i:])
			}
			break
		}

		close_ := indexFold(text, closeTag, i)
		open := indexFold(text, openTag, i)

		switch {
		case close_ >= 0 && (open < 0 || open > close_):
			f.depth--
			if f.depth <= 0 {
				f.inThink = false
				f.depth = 0
			}
			i = close_ + len(closeTag)
		case open >= 0:
			f.depth++
			i = open + len(openTag)
		default:
			// Hidden content is discarded; keep a possible split close tag.
			if lt := lastLtAfter(text, len(text)-len(closeTag)); lt >= i {
				f.buffer = text[lt:]
			}
			i = len(text)
		}
	}

	return out.String()
}

// lastLtAfter returns the index of the last '<' strictly after pos, or -1.
func lastLtAfter(text string, pos int) int {
	if pos < 0 {
		pos = -1
	}
	lt := strings.LastIndexByte(text, '<')
	if lt > pos {
		return lt
	}
	return -1
}

// Flush returns any held-back content once the stream ends. Inside an
// unclosed think span the buffer is dropped. The filter resets either way.
func (f *ThinkTagFilter) Flush() string {
	var result string
	if !f.inThink {
		result = f.buffer
	}
	f.Reset()
	return result
}

// Reset clears all state so the filter can be reused.
func (f *ThinkTagFilter) Reset() {
	f.inThink = false
	f.depth = 0
	f.buffer = ""
}

// FilterThinkTags filters a complete text in one shot.
func FilterThinkTags(text string) string {
	var f ThinkTagFilter
	return f.Feed(text) + f.Flush()
}

var (
	openMarkerRe  = regexp.MustCompile(`(?i)<\s*think\b[^>]*>`)
	closeMarkerRe = regexp.MustCompile(`(?i)</\s*think\s*>`)
)

// StripThinkMarkers removes tag markers but keeps their content. Used as
// the degraded fallback when spans are unbalanced and full filtering
// would eat real output.
func StripThinkMarkers(text string) string {
	text = openMarkerRe.ReplaceAllString(text, "")
	return closeMarkerRe.ReplaceAllString(text, "")
}

// hasUnclosedThink reports whether text opens more think spans than it
// closes.
func hasUnclosedThink(text string) bool {
	opens := len(openMarkerRe.FindAllStringIndex(text, -1))
	closes := len(closeMarkerRe.FindAllStringIndex(text, -1))
	return opens > closes
}

// Fallback thresholds: when filtering leaves implausibly little text for
// the given input, the model most likely wrapped real output in think
// markers.
const (
	thinkFilterMinLen = 200
	thinkFilterRatio  = 0.2
)

// maybeFilterThink filters think spans from raw, falling back to marker
// stripping when the tags are unbalanced or the filtered text is
// implausibly short relative to the input.
func maybeFilterThink(raw, input string) string {
	if !strings.Contains(raw, "<") {
		return raw
	}
	if openMarkerRe.FindStringIndex(raw) == nil {
		return raw
	}

	if hasUnclosedThink(raw) {
		return StripThinkMarkers(raw)
	}

	filtered := FilterThinkTags(raw)
	if input != "" && len(input) >= thinkFilterMinLen {
		floor := thinkFilterMinLen
		if r := int(float64(len(input)) * thinkFilterRatio); r > floor {
			floor = r
		}
		if len(strings.TrimSpace(filtered)) < floor {
			return StripThinkMarkers(raw)
		}
	}
	return filtered
}
