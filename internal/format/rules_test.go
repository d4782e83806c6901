package format

import (
	"testing"
)

func onlyRule(set func(*Config)) Config {
	cfg := Config{MaxChunkChars: 2000}
	set(&cfg)
	return cfg
}

func TestTrimTrailingSpaces(t *testing.T) {
	cfg := onlyRule(func(c *Config) { c.TrimTrailingSpaces = true })
	got, stats := ApplyRules("你好  \nworld\t\nclean\n", cfg)
	if got != "你好\nworld\nclean\n" {
		t.Errorf("got %q", got)
	}
	if stats["trim_trailing_spaces"] != 2 {
		t.Errorf("stats = %v, want 2 trims", stats)
	}
}

func TestNormalizeBlankLines(t *testing.T) {
	cfg := onlyRule(func(c *Config) { c.NormalizeBlankLines = true })
	got, stats := ApplyRules("a\n\n\n\nb\n\nc", cfg)
	if got != "a\n\nb\n\nc" {
		t.Errorf("got %q", got)
	}
	if stats["normalize_blank_lines"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestNormalizeEllipsis(t *testing.T) {
	cfg := onlyRule(func(c *Config) { c.NormalizeEllipsis = true })
	cases := map[string]string{
		"他说.....":  "他说……",
		"他说。。。":    "他说……",
		"等等……………":  "等等……",
		"version 1.2": "version 1.2",
	}
	for in, want := range cases {
		if got, _ := ApplyRules(in, cfg); got != want {
			t.Errorf("ApplyRules(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeEmDash(t *testing.T) {
	cfg := onlyRule(func(c *Config) { c.NormalizeEmDash = true })
	if got, _ := ApplyRules("你--好", cfg); got != "你——好" {
		t.Errorf("got %q", got)
	}
	// Already-normalized dashes stay put.
	if got, stats := ApplyRules("你——好", cfg); got != "你——好" || stats["normalize_em_dash"] != 1 {
		t.Errorf("got %q stats %v", got, stats)
	}
}

func TestNormalizeCJKPunctuation(t *testing.T) {
	cfg := onlyRule(func(c *Config) { c.NormalizeCJKPunctuation = true })
	cases := map[string]string{
		"你好,世界":   "你好，世界",
		"完了.":     "完了。",
		"真的?":     "真的？",
		"快跑!":     "快跑！",
		"他说(小声)":  "他说（小声）",
		"3.14":    "3.14",
		"共1,000人": "共1,000人",
		"见 http://a.b/c": "见 http://a.b/c",
	}
	for in, want := range cases {
		if got, _ := ApplyRules(in, cfg); got != want {
			t.Errorf("ApplyRules(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFixCJKPunctSpacing(t *testing.T) {
	cfg := onlyRule(func(c *Config) { c.FixCJKPunctSpacing = true })
	if got, _ := ApplyRules("你好 ，世界", cfg); got != "你好，世界" {
		t.Errorf("got %q", got)
	}
	// ASCII prose keeps its spaces.
	if got, _ := ApplyRules("hello , world", cfg); got != "hello , world" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeQuotes(t *testing.T) {
	cfg := onlyRule(func(c *Config) { c.NormalizeQuotes = true })
	if got, _ := ApplyRules(`他说"你好"。`, cfg); got != "他说“你好”。" {
		t.Errorf("got %q", got)
	}
	// Odd quote counts are left alone.
	odd := `他说"你好。`
	if got, _ := ApplyRules(odd, cfg); got != odd {
		t.Errorf("got %q", got)
	}
	// Lines without CJK are left alone.
	ascii := `say "hi" now`
	if got, _ := ApplyRules(ascii, cfg); got != ascii {
		t.Errorf("got %q", got)
	}
}

func TestParagraphIndent(t *testing.T) {
	cfg := onlyRule(func(c *Config) {
		c.ParagraphIndent = true
		c.IndentWithFullwidth = true
	})

	in := "第一章 相遇\n\n他来了。\n她也来了。\n\n---\n\n　　已经缩进的段落。"
	want := "第一章 相遇\n\n　　他来了。\n她也来了。\n\n---\n\n　　已经缩进的段落。"
	got, _ := ApplyRules(in, cfg)
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestApplyRulesIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	in := "第3章 夜里\n\n他说....天黑了,走吧 。\n\n\n\n完了.\n"
	once, _ := ApplyRules(in, cfg)
	twice, stats := ApplyRules(once, cfg)
	if once != twice {
		t.Errorf("rules not idempotent:\nonce  %q\ntwice %q", once, twice)
	}
	_ = stats
}

func TestIsSeparatorLine(t *testing.T) {
	for _, line := range []string{"---", "****", "  ===  ", "———"} {
		if !IsSeparatorLine(line) {
			t.Errorf("IsSeparatorLine(%q) = false", line)
		}
	}
	for _, line := range []string{"--", "a---", "第一章"} {
		if IsSeparatorLine(line) {
			t.Errorf("IsSeparatorLine(%q) = true", line)
		}
	}
}
