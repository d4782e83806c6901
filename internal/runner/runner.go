// Package runner orchestrates a job through its phases: validate (split
// and normalize), process (completion per chunk under the worker pool)
// and merge. It owns the per-job background execution and keeps the
// store's state machine honest while doing so.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/home"
	"github.com/jackzampolin/galley/internal/jobs"
	"github.com/jackzampolin/galley/internal/llm"
	"github.com/jackzampolin/galley/internal/states"
)

var (
	// ErrNotFound marks operations against unknown jobs.
	ErrNotFound = errors.New("job not found")

	// ErrConflict marks operations invalid for the job's current state.
	ErrConflict = errors.New("job state conflict")

	// ErrInFlight marks a second submission while the job is executing.
	ErrInFlight = errors.New("job already in flight")
)

// Runner drives jobs through the pipeline.
type Runner struct {
	store  *jobs.Store
	home   *home.Dir
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Runner over the given store and home layout.
func New(store *jobs.Store, h *home.Dir, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		home:     h,
		logger:   logger.With("component", "runner"),
		inFlight: make(map[string]struct{}),
	}
}

// Start runs fn for jobID on a background goroutine. At most one
// execution per job may be in flight; a second submission fails with
// ErrInFlight.
func (r *Runner) Start(jobID string, fn func(ctx context.Context)) error {
	r.mu.Lock()
	if _, busy := r.inFlight[jobID]; busy {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInFlight, jobID)
	}
	r.inFlight[jobID] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background job crashed", "job_id", jobID, "panic", rec)
			}
			r.mu.Lock()
			delete(r.inFlight, jobID)
			r.mu.Unlock()
		}()
		// Jobs outlive the HTTP request that submitted them.
		fn(context.Background())
	}()
	return nil
}

// InFlight reports whether the job is currently executing.
func (r *Runner) InFlight(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inFlight[jobID]
	return busy
}

// Run executes the validate and process phases for a freshly created job:
// split the cached input into units, normalize each, then feed them
// through the completion pool. All chunks done parks the job at the merge
// gate; any chunk error parks it as a retryable failure.
func (r *Runner) Run(ctx context.Context, jobID string, lcfg llm.Config) {
	sum, ok := r.store.Summary(jobID)
	if !ok || sum.State == states.JobCancelled || r.store.IsCancelled(jobID) {
		return
	}

	if err := r.home.EnsureJobDirs(jobID); err != nil {
		r.failJob(jobID, fmt.Sprintf("create work dirs: %v", err))
		return
	}

	input, err := os.ReadFile(r.home.JobInputPath(jobID))
	if err != nil {
		r.failJob(jobID, fmt.Sprintf("read cached input: %v", err))
		return
	}

	r.markRunning(jobID)

	maxChars := sum.Format.MaxChunkChars
	if maxChars < 2000 {
		maxChars = 2000
	}
	// The first unit gets a double budget so front-matter cleanup sees
	// the document head in one call.
	chunks := format.ChunkByLines(string(input), maxChars, 2*maxChars)
	r.store.InitChunks(jobID, len(chunks), lcfg.Model)

	stats := format.Stats{}
	for i, chunk := range chunks {
		if r.store.IsCancelled(jobID) {
			return
		}
		fixed, s := format.ApplyRules(chunk, sum.Format)
		if err := home.WriteFileAtomic(r.home.PreChunkPath(jobID, i), []byte(fixed)); err != nil {
			r.failJob(jobID, fmt.Sprintf("write unit %d: %v", i, err))
			return
		}
		stats.Add(s)
	}
	for k, v := range stats {
		r.store.AddStat(jobID, k, v)
	}

	if r.store.IsCancelled(jobID) {
		return
	}

	phase := states.PhaseProcess
	r.store.Update(jobID, jobs.JobUpdate{Phase: &phase})

	indices := make([]int, len(chunks))
	for i := range indices {
		indices[i] = i
	}

	if lcfg.Enabled {
		r.processIndices(ctx, jobID, indices, lcfg, sum.Format)
	} else {
		r.processLocally(jobID, indices)
	}

	r.finalizeProcessing(jobID)
}

// RetryFailed resets failed chunks to pending and reprocesses only those.
// Chunks the caller already flipped to retrying for visibility count as
// failed too, so the visible flip and the worker pass agree on the set.
func (r *Runner) RetryFailed(ctx context.Context, jobID string, lcfg llm.Config) {
	job, ok := r.store.Get(jobID)
	if !ok || job.State == states.JobCancelled || r.store.IsCancelled(jobID) {
		return
	}
	if len(job.Chunks) == 0 {
		r.failJob(jobID, "job has no chunk statuses")
		return
	}

	var failed []int
	for i := range job.Chunks {
		switch job.Chunks[i].State {
		case states.ChunkError, states.ChunkRetrying:
			failed = append(failed, job.Chunks[i].Index)
		}
	}
	if len(failed) == 0 {
		r.finalizeProcessing(jobID)
		return
	}

	pending := states.ChunkPending
	zero := 0
	for _, i := range failed {
		r.store.UpdateChunk(jobID, i, jobs.ChunkUpdate{
			State:       &pending,
			ClearTimes:  true,
			ClearError:  true,
			InputChars:  &zero,
			OutputChars: &zero,
		})
	}

	if lcfg.Enabled {
		r.processIndices(ctx, jobID, failed, lcfg, job.Format)
	} else {
		r.markRunning(jobID)
		r.processLocally(jobID, failed)
	}
	r.finalizeProcessing(jobID)
}

// Resume continues a resumed job from its recorded phase. The store has
// already flipped it back to queued.
func (r *Runner) Resume(ctx context.Context, jobID string, lcfg llm.Config) {
	job, ok := r.store.Get(jobID)
	if !ok || job.State == states.JobCancelled || r.store.IsCancelled(jobID) {
		return
	}

	switch job.Phase {
	case states.PhaseValidate:
		r.Run(ctx, jobID, lcfg)
	case states.PhaseProcess:
		var pending []int
		for i := range job.Chunks {
			if job.Chunks[i].State == states.ChunkPending {
				pending = append(pending, job.Chunks[i].Index)
			}
		}
		if len(pending) > 0 {
			if lcfg.Enabled {
				r.processIndices(ctx, jobID, pending, lcfg, job.Format)
			} else {
				r.processLocally(jobID, pending)
			}
		}
		r.finalizeProcessing(jobID)
	case states.PhaseMerge:
		// Merging is explicit; park the job at the gate again.
		r.finalizeProcessing(jobID)
	case states.PhaseDone:
	}
}

// Merge runs the explicit merge step: concatenate the processed units
// with paragraph boundaries restored and write the final document.
func (r *Runner) Merge(ctx context.Context, jobID string) error {
	job, ok := r.store.Get(jobID)
	if !ok {
		return ErrNotFound
	}
	if job.State == states.JobCancelled || r.store.IsCancelled(jobID) {
		return fmt.Errorf("%w: job is cancelled", ErrConflict)
	}
	if job.Phase != states.PhaseMerge {
		return fmt.Errorf("%w: phase is %s, merge requires all chunks done", ErrConflict, job.Phase)
	}
	for i := range job.Chunks {
		if job.Chunks[i].State != states.ChunkDone {
			return fmt.Errorf("%w: chunk %d is %s", ErrConflict, job.Chunks[i].Index, job.Chunks[i].State)
		}
	}

	r.markRunning(jobID)

	parts := make([]string, len(job.Chunks))
	for i := range job.Chunks {
		data, err := os.ReadFile(r.home.OutChunkPath(jobID, i))
		if err != nil {
			r.failJob(jobID, fmt.Sprintf("read unit output %d: %v", i, err))
			return fmt.Errorf("read unit output %d: %w", i, err)
		}
		parts[i] = string(data)
	}

	merged := format.MergeParts(parts)
	outPath := r.home.OutputPath(jobID, job.OutputName)
	if err := home.WriteFileAtomic(outPath, []byte(merged)); err != nil {
		r.failJob(jobID, fmt.Sprintf("write output: %v", err))
		return fmt.Errorf("write output: %w", err)
	}

	now := time.Now()
	done := states.JobDone
	phase := states.PhaseDone
	r.store.Update(jobID, jobs.JobUpdate{State: &done, Phase: &phase, FinishedAt: &now})
	r.logger.Info("job merged", "job_id", jobID, "output", outPath, "chunks", len(parts))
	return nil
}

// markRunning transitions the job to running, stamping the start time
// once and clearing stale completion data.
func (r *Runner) markRunning(jobID string) {
	now := time.Now()
	running := states.JobRunning
	empty := ""
	r.store.Update(jobID, jobs.JobUpdate{
		State:         &running,
		StartedAt:     &now,
		ClearFinished: true,
		Error:         &empty,
	})
}

func (r *Runner) failJob(jobID, msg string) {
	now := time.Now()
	errState := states.JobError
	r.store.Update(jobID, jobs.JobUpdate{State: &errState, FinishedAt: &now, Error: &msg})
	r.logger.Error("job failed", "job_id", jobID, "error", msg)
}

// finalizeProcessing decides where the job lands after a processing pass:
// error if any chunk failed, the merge gate if every chunk is done, or
// paused when interrupted with work remaining.
func (r *Runner) finalizeProcessing(jobID string) {
	if r.store.IsCancelled(jobID) {
		return
	}
	job, ok := r.store.Get(jobID)
	if !ok || job.State.Terminal() {
		return
	}

	hasError := false
	allDone := len(job.Chunks) > 0
	for i := range job.Chunks {
		switch job.Chunks[i].State {
		case states.ChunkError:
			hasError = true
			allDone = false
		case states.ChunkDone:
		default:
			allDone = false
		}
	}

	now := time.Now()
	switch {
	case hasError:
		errState := states.JobError
		msg := "some chunks failed; adjust the model config and retry failed chunks"
		r.store.Update(jobID, jobs.JobUpdate{State: &errState, FinishedAt: &now, Error: &msg})
	case allDone:
		// All processed; wait for the explicit merge action.
		paused := states.JobPaused
		phase := states.PhaseMerge
		r.store.Update(jobID, jobs.JobUpdate{State: &paused, Phase: &phase, ClearFinished: true})
	default:
		// Interrupted with pending work; park as paused for resume.
		paused := states.JobPaused
		r.store.Update(jobID, jobs.JobUpdate{State: &paused, ClearFinished: true})
	}
}

// processLocally treats the normalized unit as the final output, used
// when the completion step is disabled.
func (r *Runner) processLocally(jobID string, indices []int) {
	done := states.ChunkDone
	for _, i := range indices {
		if r.store.IsCancelled(jobID) {
			return
		}
		data, err := os.ReadFile(r.home.PreChunkPath(jobID, i))
		if err != nil {
			r.recordChunkError(jobID, i, nil, fmt.Sprintf("read unit: %v", err))
			continue
		}
		if err := home.WriteFileAtomic(r.home.OutChunkPath(jobID, i), data); err != nil {
			r.recordChunkError(jobID, i, nil, fmt.Sprintf("write unit output: %v", err))
			continue
		}
		now := time.Now()
		n := len(data)
		r.store.UpdateChunk(jobID, i, jobs.ChunkUpdate{
			State:       &done,
			FinishedAt:  &now,
			InputChars:  &n,
			OutputChars: &n,
		})
	}
}
