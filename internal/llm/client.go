package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const doneSentinel = "[DONE]"

// Client calls an OpenAI-compatible chat-completions endpoint with
// streaming enabled and collects the full response per attempt.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client. The per-attempt timeout comes from cfg; the
// underlying http.Client carries no timeout of its own so streaming reads
// are bounded by the request context only.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger.With("component", "llm"),
	}
}

// AttemptOptions tunes a single Attempt call.
type AttemptOptions struct {
	// AllowShrink skips the shrink-floor check. Set for the first unit of
	// a document, where removing boilerplate legitimately shortens text.
	AllowShrink bool

	// ShouldStop is polled before each attempt and between stream frames.
	// When it returns true the attempt is abandoned with the cancelled
	// kind and retry counters are left untouched.
	ShouldStop func() bool

	// OnRetry is invoked before each retry attempt with the retry number
	// (1-based) and the previous failure's code and message.
	OnRetry func(retry int, code int, message string)
}

// Result is the outcome of an Attempt, including diagnostics from the
// retry loop.
type Result struct {
	Text        string
	RawText     string
	Retries     int
	LastCode    int
	LastMessage string
}

// Attempt sends input through the completion endpoint, retrying transient
// transport failures with exponential backoff, then filters think spans
// and validates the output length. The returned error is always *Error.
func (c *Client) Attempt(ctx context.Context, input string, opts AttemptOptions) (*Result, error) {
	if c.cfg.BaseURL == "" {
		return nil, &Error{Kind: KindLocal, Message: "base_url is empty"}
	}
	if c.cfg.Model == "" {
		return nil, &Error{Kind: KindLocal, Message: "model is empty"}
	}

	res := &Result{}
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			if attempt > 1 && opts.OnRetry != nil {
				opts.OnRetry(attempt-1, res.LastCode, res.LastMessage)
			}
			if opts.ShouldStop != nil && opts.ShouldStop() {
				return retry.Unrecoverable(error(cancelledErr()))
			}

			c.logger.Info("completion request", "model", c.cfg.Model, "chars", len(input), "attempt", attempt)
			raw, err := c.streamOnce(ctx, input, opts.ShouldStop)
			if err != nil {
				le := asError(err)
				res.LastCode = le.Code
				res.LastMessage = le.Message
				if !le.Retryable() {
					return retry.Unrecoverable(error(le))
				}
				return le
			}

			text := maybeFilterThink(raw, input)
			res.RawText = raw
			if verr := c.validate(input, text, opts.AllowShrink); verr != nil {
				res.LastCode = verr.Code
				res.LastMessage = verr.Message
				return retry.Unrecoverable(error(verr))
			}
			res.Text = text
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxRetries)+1),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.cfg.RetryBackoff() << n
		}),
	)

	res.Retries = attempt - 1
	if err != nil {
		return res, asError(err)
	}
	return res, nil
}

// validate enforces the output-length contract: empty output is always an
// error; once the input reaches MinValidateLen the trimmed output must
// stay within [ShrinkFloor, GrowthCeiling] of the trimmed input, with the
// floor waived when allowShrink is set.
func (c *Client) validate(input, output string, allowShrink bool) *Error {
	inTrim := len(strings.TrimSpace(input))
	outTrim := len(strings.TrimSpace(output))

	if inTrim > 0 && outTrim == 0 {
		return contentErr("output empty; likely token-limit or stream-parse issue")
	}
	if inTrim < c.cfg.MinValidateLen {
		return nil
	}

	ratio := float64(outTrim) / float64(inTrim)
	if !allowShrink && ratio < c.cfg.ShrinkFloor {
		return contentErr("output too short (in=%d, out=%d, ratio=%.2f)", inTrim, outTrim, ratio)
	}
	if ratio > c.cfg.GrowthCeiling {
		return contentErr("output too long (in=%d, out=%d, ratio=%.2f)", inTrim, outTrim, ratio)
	}
	return nil
}

// streamOnce performs one streaming request and concatenates the delta
// content frames. Reading stops the moment the [DONE] sentinel arrives.
func (c *Client) streamOnce(ctx context.Context, input string, shouldStop func() bool) (string, error) {
	payload := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"stream":      true,
		"messages": []map[string]string{
			{"role": "system", "content": c.cfg.SystemPrompt},
			{"role": "user", "content": input},
		},
	}
	for k, v := range c.cfg.ExtraParams {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Kind: KindLocal, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", &Error{Kind: KindLocal, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportErr(0, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", transportErr(resp.StatusCode, "HTTP %d from model endpoint: %s",
			resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if shouldStop != nil && shouldStop() {
			return "", cancelledErr()
		}
		data, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == doneSentinel {
			// Stop reading immediately; anything after the sentinel is
			// not ours to consume.
			return content.String(), nil
		}
		appendDelta(&content, data)
	}
	if err := scanner.Err(); err != nil {
		return "", transportErr(0, "stream read failed: %v", err)
	}
	return content.String(), nil
}

// parseSSELine extracts the payload of a `data:` frame. Non-data lines
// (comments, event names, keep-alives) report ok=false.
func parseSSELine(line string) (data string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(line[len("data:"):]), true
}

// appendDelta collects choices[].delta.content from one frame. Malformed
// frames are skipped.
func appendDelta(content *strings.Builder, data string) {
	if data == "" {
		return
	}
	var frame struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return
	}
	for _, choice := range frame.Choices {
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
		}
	}
}

// asError normalizes any error to *Error.
func asError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transportErr(0, "context ended: %v", err)
	}
	return transportErr(0, "%v", err)
}
