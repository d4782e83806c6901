// Package format holds the deterministic text collaborators: splitting a
// document into line-aligned units, local normalization rules, and the
// boundary-restoring merge of processed units.
package format

// Config selects which normalization rules run and how the document is
// split. It is snapshotted onto each job so resume and retry use the
// options the job was created with.
type Config struct {
	// Unit size matters mainly for the completion step; local rules are
	// cheap at any size. Smaller units lower gateway-timeout risk.
	MaxChunkChars int `json:"max_chunk_chars" mapstructure:"max_chunk_chars" yaml:"max_chunk_chars"`

	// Layout rules.
	ParagraphIndent         bool `json:"paragraph_indent" mapstructure:"paragraph_indent" yaml:"paragraph_indent"`
	IndentWithFullwidth     bool `json:"indent_with_fullwidth_space" mapstructure:"indent_with_fullwidth_space" yaml:"indent_with_fullwidth_space"`
	NormalizeBlankLines     bool `json:"normalize_blank_lines" mapstructure:"normalize_blank_lines" yaml:"normalize_blank_lines"`
	TrimTrailingSpaces      bool `json:"trim_trailing_spaces" mapstructure:"trim_trailing_spaces" yaml:"trim_trailing_spaces"`

	// Punctuation rules.
	NormalizeEllipsis       bool `json:"normalize_ellipsis" mapstructure:"normalize_ellipsis" yaml:"normalize_ellipsis"`
	NormalizeEmDash         bool `json:"normalize_em_dash" mapstructure:"normalize_em_dash" yaml:"normalize_em_dash"`
	NormalizeCJKPunctuation bool `json:"normalize_cjk_punctuation" mapstructure:"normalize_cjk_punctuation" yaml:"normalize_cjk_punctuation"`
	FixCJKPunctSpacing      bool `json:"fix_cjk_punct_spacing" mapstructure:"fix_cjk_punct_spacing" yaml:"fix_cjk_punct_spacing"`

	// Quote conversion is ambiguous in mixed-language text; off unless asked.
	NormalizeQuotes bool `json:"normalize_quotes" mapstructure:"normalize_quotes" yaml:"normalize_quotes"`
}

// DefaultConfig returns the rule set used when a job carries no options.
func DefaultConfig() Config {
	return Config{
		MaxChunkChars:           2000,
		ParagraphIndent:         true,
		IndentWithFullwidth:     true,
		NormalizeBlankLines:     true,
		TrimTrailingSpaces:      true,
		NormalizeEllipsis:       true,
		NormalizeEmDash:         true,
		NormalizeCJKPunctuation: true,
		FixCJKPunctSpacing:      true,
		NormalizeQuotes:         false,
	}
}

// Stats counts rule applications. Counters are best-effort diagnostics and
// never affect control flow.
type Stats map[string]int

// Add merges other into s.
func (s Stats) Add(other Stats) {
	for k, v := range other {
		s[k] += v
	}
}
