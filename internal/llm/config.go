// Package llm implements the streaming chat-completions client: one
// attempt loop per input unit with retry on transient statuses, think-tag
// filtering and output-length validation.
package llm

import "time"

// DefaultSystemPrompt instructs the model to fix layout and punctuation
// only, never rewrite content.
const DefaultSystemPrompt = `你是小说排版校对器。输入是长篇小说的一个片段（已切分），你只做“排版与标点统一”，不要改写内容。你需要：
1. 统一标点符号（中文使用全角标点）
2. 正确分段：对话、动作描写、场景转换应各自成段
3. 空行规则：段落之间只保留 1 个空行（禁止连续两个空行）；章节/卷标题前后也只保留 1 个空行
4. 缩进规则：每个正文段落开头用两个全角空格（　　，U+3000×2）缩进；不要使用半角空格、Tab 作为缩进
5. 标题规则：章节/卷/序章/楔子/番外/后记/尾声等标题必须单独成行，且不缩进

只输出处理后的纯文本，不要任何解释。`

// Config holds endpoint, model and validation parameters for the client.
type Config struct {
	Enabled bool `json:"enabled" mapstructure:"enabled" yaml:"enabled"`

	// Endpoint and auth. BaseURL points at an OpenAI-compatible API root;
	// APIKey may reference an environment variable as ${VAR}.
	BaseURL string `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key,omitempty" mapstructure:"api_key" yaml:"api_key"`

	// Model parameters.
	Model          string  `json:"model" mapstructure:"model" yaml:"model"`
	Temperature    float64 `json:"temperature" mapstructure:"temperature" yaml:"temperature"`
	SystemPrompt   string  `json:"system_prompt,omitempty" mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds" mapstructure:"timeout_seconds" yaml:"timeout_seconds"`

	// Passthrough for provider-specific fields (thinking config etc.),
	// merged into the request payload as-is.
	ExtraParams map[string]any `json:"extra_params,omitempty" mapstructure:"extra_params" yaml:"extra_params,omitempty"`

	// Concurrency and retry.
	MaxConcurrency      int     `json:"max_concurrency" mapstructure:"max_concurrency" yaml:"max_concurrency"`
	MaxRetries          int     `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoffSeconds float64 `json:"retry_backoff_seconds" mapstructure:"retry_backoff_seconds" yaml:"retry_backoff_seconds"`

	// Output-length validation. Ratios are measured on trimmed byte
	// lengths and only enforced when the input is at least
	// MinValidateLen bytes; empty output is always rejected.
	MinValidateLen int     `json:"min_validate_len" mapstructure:"min_validate_len" yaml:"min_validate_len"`
	ShrinkFloor    float64 `json:"shrink_floor" mapstructure:"shrink_floor" yaml:"shrink_floor"`
	GrowthCeiling  float64 `json:"growth_ceiling" mapstructure:"growth_ceiling" yaml:"growth_ceiling"`

	// DebugRaw keeps the unfiltered response artifact for successful
	// chunks, not only failed ones.
	DebugRaw bool `json:"debug_raw,omitempty" mapstructure:"debug_raw" yaml:"debug_raw,omitempty"`
}

// DefaultConfig returns the client defaults; the endpoint and model must
// still be configured before the client is usable.
func DefaultConfig() Config {
	return Config{
		Temperature:         0.0,
		SystemPrompt:        DefaultSystemPrompt,
		TimeoutSeconds:      180,
		MaxConcurrency:      20,
		MaxRetries:          2,
		RetryBackoffSeconds: 1,
		MinValidateLen:      200,
		ShrinkFloor:         0.85,
		GrowthCeiling:       1.15,
	}
}

// WithDefaults fills zero-valued tuning fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = d.TimeoutSeconds
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoffSeconds <= 0 {
		c.RetryBackoffSeconds = d.RetryBackoffSeconds
	}
	if c.MinValidateLen <= 0 {
		c.MinValidateLen = d.MinValidateLen
	}
	if c.ShrinkFloor <= 0 {
		c.ShrinkFloor = d.ShrinkFloor
	}
	if c.GrowthCeiling <= 0 {
		c.GrowthCeiling = d.GrowthCeiling
	}
	return c
}

// Timeout returns the per-attempt timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// RetryBackoff returns the base backoff as a duration.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds * float64(time.Second))
}
