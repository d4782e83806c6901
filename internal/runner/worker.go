package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/home"
	"github.com/jackzampolin/galley/internal/jobs"
	"github.com/jackzampolin/galley/internal/llm"
	"github.com/jackzampolin/galley/internal/states"
)

// processIndices feeds the given chunk indexes through the completion
// pool. Submission is incremental so a cancel or pause is observed at
// bounded latency; chunks already handed to a worker finish either way.
func (r *Runner) processIndices(ctx context.Context, jobID string, indices []int, lcfg llm.Config, fcfg format.Config) {
	r.markRunning(jobID)

	lcfg = lcfg.WithDefaults()
	client := llm.New(lcfg, r.logger)

	probes := jobs.PoolProbes{
		Cancelled: func() bool { return r.store.IsCancelled(jobID) },
		Paused:    func() bool { return r.store.IsPaused(jobID) },
	}

	remaining := jobs.RunPool(ctx, indices, lcfg.MaxConcurrency, probes,
		func(ctx context.Context, index int) {
			r.processChunk(ctx, jobID, index, client, lcfg, fcfg)
		},
		func(index int, recovered any) {
			r.recordChunkError(jobID, index, nil, fmt.Sprintf("worker panic: %v", recovered))
		},
	)

	if len(remaining) > 0 {
		r.logger.Info("processing interrupted", "job_id", jobID, "unsubmitted", len(remaining))
	}
}

// processChunk runs one unit through the completion client and records
// the outcome on the chunk.
func (r *Runner) processChunk(ctx context.Context, jobID string, index int, client *llm.Client, lcfg llm.Config, fcfg format.Config) {
	if r.store.IsCancelled(jobID) {
		return
	}

	now := time.Now()
	processing := states.ChunkProcessing
	zero := 0
	model := lcfg.Model
	r.store.UpdateChunk(jobID, index, jobs.ChunkUpdate{
		State:       &processing,
		ClearTimes:  true,
		StartedAt:   &now,
		ClearError:  true,
		Model:       &model,
		InputChars:  &zero,
		OutputChars: &zero,
	})

	ts := time.Now().UnixMilli()

	pre, err := os.ReadFile(r.home.PreChunkPath(jobID, index))
	if err != nil {
		r.writeErrorSnapshot(jobID, index, ts, string(llm.KindLocal), nil, err.Error())
		r.recordChunkError(jobID, index, nil, fmt.Sprintf("read unit: %v", err))
		return
	}
	input := string(pre)

	r.writeRequestSnapshot(jobID, index, ts, lcfg, input)
	inChars := len(input)
	r.store.UpdateChunk(jobID, index, jobs.ChunkUpdate{InputChars: &inChars})

	retrying := states.ChunkRetrying
	res, attemptErr := client.Attempt(ctx, input, llm.AttemptOptions{
		AllowShrink: index == 0,
		ShouldStop:  func() bool { return r.store.IsCancelled(jobID) },
		OnRetry: func(retryN, code int, msg string) {
			r.store.UpdateChunk(jobID, index, jobs.ChunkUpdate{State: &retrying})
			var codePtr *int
			if code != 0 {
				codePtr = &code
			}
			r.store.AddRetry(jobID, index, 1, codePtr, msg)
		},
	})

	if attemptErr != nil {
		le := asLLMError(attemptErr)
		if le.Kind == llm.KindCancelled || r.store.IsCancelled(jobID) {
			return
		}
		var codePtr *int
		if le.Code != 0 {
			code := le.Code
			codePtr = &code
		}
		if res != nil && res.RawText != "" {
			r.writeRawResponse(jobID, index, ts, res.RawText)
		}
		r.writeErrorSnapshot(jobID, index, ts, string(le.Kind), codePtr, le.Message)
		r.recordChunkError(jobID, index, codePtr, le.Message)
		return
	}

	if r.store.IsCancelled(jobID) {
		return
	}

	// Model output goes through the local rules once more so layout
	// stays deterministic regardless of what the model returned.
	out, _ := format.ApplyRules(res.Text, fcfg)

	if lcfg.DebugRaw {
		r.writeRawResponse(jobID, index, ts, res.RawText)
	}
	if err := home.WriteFileAtomic(r.home.OutChunkPath(jobID, index), []byte(out)); err != nil {
		r.recordChunkError(jobID, index, nil, fmt.Sprintf("write unit output: %v", err))
		return
	}

	finished := time.Now()
	done := states.ChunkDone
	outChars := len(out)
	r.store.UpdateChunk(jobID, index, jobs.ChunkUpdate{
		State:       &done,
		FinishedAt:  &finished,
		OutputChars: &outChars,
	})
	r.store.AddStat(jobID, "llm_chunks", 1)
	r.store.Update(jobID, jobs.JobUpdate{LastModel: &model})
}

func (r *Runner) recordChunkError(jobID string, index int, code *int, msg string) {
	now := time.Now()
	errState := states.ChunkError
	r.store.UpdateChunk(jobID, index, jobs.ChunkUpdate{
		State:            &errState,
		FinishedAt:       &now,
		LastErrorCode:    code,
		LastErrorMessage: &msg,
	})
}

// writeRequestSnapshot records what would be sent for this unit, for
// offline inspection of failures.
func (r *Runner) writeRequestSnapshot(jobID string, index int, ts int64, lcfg llm.Config, input string) {
	payload := map[string]any{
		"model":       lcfg.Model,
		"temperature": lcfg.Temperature,
		"stream":      true,
		"messages": []map[string]string{
			{"role": "system", "content": lcfg.SystemPrompt},
			{"role": "user", "content": input},
		},
	}
	for k, v := range lcfg.ExtraParams {
		payload[k] = v
	}
	snapshot := map[string]any{
		"url":     strings.TrimRight(lcfg.BaseURL, "/") + "/chat/completions",
		"payload": payload,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := home.WriteFileAtomic(r.home.RequestSnapshotPath(jobID, index, ts), data); err != nil {
		r.logger.Error("write request snapshot", "job_id", jobID, "chunk", index, "error", err)
	}
}

func (r *Runner) writeRawResponse(jobID string, index int, ts int64, raw string) {
	if err := home.WriteFileAtomic(r.home.RawResponsePath(jobID, index, ts), []byte(raw)); err != nil {
		r.logger.Error("write raw response", "job_id", jobID, "chunk", index, "error", err)
	}
}

func (r *Runner) writeErrorSnapshot(jobID string, index int, ts int64, kind string, code *int, msg string) {
	snapshot := map[string]any{
		"type":        kind,
		"job_id":      jobID,
		"chunk_index": index,
		"message":     msg,
	}
	if code != nil {
		snapshot["status_code"] = *code
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := home.WriteFileAtomic(r.home.ErrorSnapshotPath(jobID, index, ts), data); err != nil {
		r.logger.Error("write error snapshot", "job_id", jobID, "chunk", index, "error", err)
	}
}

func asLLMError(err error) *llm.Error {
	var le *llm.Error
	if errors.As(err, &le) {
		return le
	}
	return &llm.Error{Kind: llm.KindLocal, Message: err.Error()}
}
