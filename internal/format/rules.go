package format

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const fullwidthSpace = '　'

var (
	trailingSpaceRe = regexp.MustCompile(`[ \t]+\n`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
	asciiEllipsisRe = regexp.MustCompile(`\.{3,}`)
	cjkEllipsisRe   = regexp.MustCompile(`[。．｡]{3,}`)
	longEllipsisRe  = regexp.MustCompile(`…{3,}`)
	emDashRe        = regexp.MustCompile(`[-—]{2,}`)

	// Chapter and section headings common in Chinese novels.
	chapterLikeRe = regexp.MustCompile(`^[\s　]*(第[\s　]*[0-9一二三四五六七八九十百千两零〇]+[\s　]*[章节回卷部集幕]|楔子|序章|序|后记|尾声|番外)`)
)

func isCJK(r rune) bool {
	return (r >= 0x3400 && r <= 0x4dbf) ||
		(r >= 0x4e00 && r <= 0x9fff) ||
		(r >= 0x3040 && r <= 0x30ff) ||
		(r >= 0xac00 && r <= 0xd7af)
}

func hasCJK(s string) bool {
	for _, r := range s {
		if isCJK(r) {
			return true
		}
	}
	return false
}

// ApplyRules runs the enabled local normalization rules over text and
// returns the result with per-rule application counts. Rules are pure and
// idempotent; running them again over their own output is a no-op.
func ApplyRules(text string, cfg Config) (string, Stats) {
	stats := Stats{}

	if strings.ContainsRune(text, '\r') {
		text = normalizeNewlines(text)
		stats["normalize_newlines"]++
	}

	if cfg.TrimTrailingSpaces {
		text = countedReplace(text, trailingSpaceRe, "\n", stats, "trim_trailing_spaces")
	}

	if cfg.NormalizeBlankLines {
		// Collapse 2+ blank lines into one.
		text = countedReplace(text, blankRunRe, "\n\n", stats, "normalize_blank_lines")
	}

	if cfg.NormalizeEllipsis {
		// Chinese ellipsis is two U+2026. Normalize common variants.
		text = countedReplace(text, asciiEllipsisRe, "……", stats, "normalize_ellipsis")
		text = countedReplace(text, cjkEllipsisRe, "……", stats, "normalize_ellipsis")
		text = countedReplace(text, longEllipsisRe, "……", stats, "normalize_ellipsis")
	}

	if cfg.NormalizeEmDash {
		// Chinese em dash is conventionally two U+2014.
		text = countedReplace(text, emDashRe, "——", stats, "normalize_em_dash")
	}

	if cfg.NormalizeCJKPunctuation {
		var n int
		text, n = normalizeCJKPunctuation(text)
		if n > 0 {
			stats["normalize_cjk_punctuation"] += n
		}
	}

	if cfg.FixCJKPunctSpacing {
		var n int
		text, n = fixCJKPunctSpacing(text)
		if n > 0 {
			stats["fix_cjk_punct_spacing"] += n
		}
	}

	if cfg.NormalizeQuotes {
		var n int
		text, n = normalizeQuotes(text)
		if n > 0 {
			stats["normalize_quotes"] += n
		}
	}

	if cfg.ParagraphIndent {
		var changed bool
		text, changed = normalizeParagraphIndent(text, cfg)
		if changed {
			stats["paragraph_indent"]++
		}
	}

	return text, stats
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func countedReplace(text string, re *regexp.Regexp, repl string, stats Stats, key string) string {
	n := len(re.FindAllStringIndex(text, -1))
	if n == 0 {
		return text
	}
	stats[key] += n
	return re.ReplaceAllString(text, repl)
}

// normalizeCJKPunctuation converts common ASCII punctuation to fullwidth
// when adjacent to CJK characters. Decimals like 3.14 and numbers like
// 1,000 are left alone.
func normalizeCJKPunctuation(text string) (string, int) {
	rs := []rune(text)
	at := func(i int) rune {
		if i < 0 || i >= len(rs) {
			return 0
		}
		return rs[i]
	}

	const closers = "\"”’)]】》」』"
	count := 0
	for i, r := range rs {
		prev, next := at(i-1), at(i+1)
		var rep rune
		switch r {
		case ',':
			if (isCJK(prev) && !unicode.IsDigit(next)) || (!unicode.IsDigit(prev) && isCJK(next)) {
				rep = '，'
			}
		case ';':
			if isCJK(prev) {
				rep = '；'
			}
		case ':':
			if isCJK(prev) {
				rep = '：'
			}
		case '?':
			if isCJK(prev) {
				rep = '？'
			}
		case '!':
			if isCJK(prev) {
				rep = '！'
			}
		case '.':
			// Only when followed by CJK, whitespace, end of text or a
			// closing mark, so URLs and decimals survive.
			if isCJK(prev) && (next == 0 || isCJK(next) || unicode.IsSpace(next) || strings.ContainsRune(closers, next)) {
				rep = '。'
			}
		case '(':
			if isCJK(prev) || isCJK(next) {
				rep = '（'
			}
		case ')':
			if isCJK(prev) || isCJK(next) {
				rep = '）'
			}
		}
		if rep != 0 {
			rs[i] = rep
			count++
		}
	}
	if count == 0 {
		return text, 0
	}
	return string(rs), count
}

// fixCJKPunctSpacing removes stray spaces between CJK characters and
// punctuation in CJK context.
func fixCJKPunctSpacing(text string) (string, int) {
	const punct = "，。！？；：、,.!?;:"
	rs := []rune(text)
	out := make([]rune, 0, len(rs))
	count := 0

	for i := 0; i < len(rs); {
		r := rs[i]
		if r != ' ' && r != '\t' {
			out = append(out, r)
			i++
			continue
		}
		j := i
		for j < len(rs) && (rs[j] == ' ' || rs[j] == '\t') {
			j++
		}
		var before, after rune
		if len(out) > 0 {
			before = out[len(out)-1]
		}
		if j < len(rs) {
			after = rs[j]
		}
		if (isCJK(before) && strings.ContainsRune(punct, after)) ||
			(strings.ContainsRune(punct, before) && isCJK(after)) {
			count++
		} else {
			out = append(out, rs[i:j]...)
		}
		i = j
	}
	if count == 0 {
		return text, 0
	}
	return string(out), count
}

// normalizeQuotes converts straight double quotes to Chinese quotes on
// lines that contain CJK and an even, non-zero number of quotes.
func normalizeQuotes(text string) (string, int) {
	lines := strings.Split(text, "\n")
	changed := 0

	for i, line := range lines {
		if !strings.Contains(line, `"`) || !hasCJK(line) {
			continue
		}
		n := strings.Count(line, `"`)
		if n < 2 || n%2 != 0 {
			continue
		}

		var b strings.Builder
		b.Grow(len(line) + n*2)
		open := true
		for _, r := range line {
			if r != '"' {
				b.WriteRune(r)
				continue
			}
			if open {
				b.WriteRune('“')
			} else {
				b.WriteRune('”')
			}
			open = !open
		}
		if out := b.String(); out != line {
			lines[i] = out
			changed += n
		}
	}

	return strings.Join(lines, "\n"), changed
}

func stripLeadingSpace(line string) string {
	return strings.TrimLeftFunc(line, unicode.IsSpace)
}

func isChapterTitle(line string) bool {
	s := strings.TrimSpace(line)
	if s == "" {
		return false
	}
	rs := []rune(s)
	last := rs[len(rs)-1]

	// Book title brackets (keeps the very first title unindented).
	if len(rs) <= 80 && !strings.ContainsRune("。！？…", last) {
		switch {
		case strings.HasPrefix(s, "《") && strings.HasSuffix(s, "》"),
			strings.HasPrefix(s, "【") && strings.HasSuffix(s, "】"),
			strings.HasSuffix(s, "】") && strings.Contains(s, "【"),
			strings.HasSuffix(s, "》") && strings.Contains(s, "《"):
			return true
		}
	}

	if chapterLikeRe.MatchString(line) {
		return true
	}

	// Short all-caps ASCII headings; never lines with CJK.
	if len(rs) <= 40 && strings.ToUpper(s) == s && !hasCJK(s) {
		for _, r := range s {
			if r < utf8.RuneSelf && unicode.IsLetter(r) {
				return true
			}
		}
	}
	return false
}

const separatorChars = "-=*_—"

// IsSeparatorLine reports whether line is a visual separator (---, ***).
func IsSeparatorLine(line string) bool {
	s := strings.TrimSpace(line)
	if utf8.RuneCountInString(s) < 3 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(separatorChars, r) {
			return false
		}
	}
	return true
}

func normalizeParagraphIndent(text string, cfg Config) (string, bool) {
	indent := "  "
	if cfg.IndentWithFullwidth {
		indent = string([]rune{fullwidthSpace, fullwidthSpace})
	}

	lines := strings.Split(text, "\n")
	changed := false

	for i, line := range lines {
		if line == "" {
			continue
		}

		if isChapterTitle(line) {
			if nl := stripLeadingSpace(line); nl != line {
				lines[i] = nl
				changed = true
			}
			continue
		}

		if IsSeparatorLine(line) {
			continue
		}

		paraStart := i == 0 || strings.TrimSpace(lines[i-1]) == ""
		if !paraStart {
			// Mid-paragraph lines carry no indent.
			if nl := stripLeadingSpace(line); nl != line {
				lines[i] = nl
				changed = true
			}
			continue
		}

		if strings.HasPrefix(line, indent) {
			continue
		}
		nl := stripLeadingSpace(line)
		// Leave very short fragments (single punctuation) alone.
		if nl == "" || utf8.RuneCountInString(nl) < 2 {
			continue
		}
		nl = indent + nl
		if nl != line {
			lines[i] = nl
			changed = true
		}
	}

	return strings.Join(lines, "\n"), changed
}
