package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackzampolin/galley/internal/jobs"
	"github.com/jackzampolin/galley/internal/llm"
	"github.com/jackzampolin/galley/internal/runner"
	"github.com/jackzampolin/galley/internal/states"
	"github.com/jackzampolin/galley/internal/svcctx"
)

// ActionRequest optionally overrides the completion settings for a
// resume or retry pass.
type ActionRequest struct {
	LLM *llm.Config `json:"llm,omitempty"`
}

func decodeActionRequest(r *http.Request) ActionRequest {
	var req ActionRequest
	if r.Body != nil {
		// Empty bodies are fine; actions take no required input.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}

	id := r.PathValue("id")
	if _, ok := store.Summary(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	store.Cancel(id)
	sum, _ := store.Summary(id)
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Job: sum})
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}

	id := r.PathValue("id")
	sum, ok := store.Summary(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !store.Pause(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot pause job in state=%s", sum.State))
		return
	}
	sum, _ = store.Summary(id)
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Job: sum})
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	run := svcctx.RunnerFrom(r.Context())
	if store == nil || run == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}

	id := r.PathValue("id")
	sum, ok := store.Summary(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	switch sum.State {
	case states.JobRunning:
		writeError(w, http.StatusConflict, "job is running")
		return
	case states.JobCancelled:
		writeError(w, http.StatusConflict, "job is cancelled")
		return
	case states.JobPaused:
	default:
		writeError(w, http.StatusConflict, "job is not paused")
		return
	}
	if !store.Resume(id) {
		writeError(w, http.StatusConflict, "failed to resume job")
		return
	}

	req := decodeActionRequest(r)
	lcfg := resolveLLM(r, req.LLM)
	if err := run.Start(id, func(ctx context.Context) {
		run.Resume(ctx, id, lcfg)
	}); err != nil {
		// The previous pass is still winding down; park the job again
		// and let the client retry.
		store.Pause(id)
		writeError(w, actionErrorStatus(err), err.Error())
		return
	}
	sum, _ = store.Summary(id)
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Job: sum})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	run := svcctx.RunnerFrom(r.Context())
	if store == nil || run == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}

	id := r.PathValue("id")
	job, ok := store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	// Refuse while the previous pass is still winding down, before any
	// visible state is touched.
	if run.InFlight(id) {
		writeError(w, http.StatusConflict, "job is running")
		return
	}
	switch job.State {
	case states.JobRunning:
		writeError(w, http.StatusConflict, "job is running")
		return
	case states.JobCancelled:
		writeError(w, http.StatusConflict, "job is cancelled")
		return
	case states.JobError:
	default:
		writeError(w, http.StatusConflict, fmt.Sprintf("job is not in error state (state=%s)", job.State))
		return
	}

	var failed []int
	for i := range job.Chunks {
		if job.Chunks[i].State == states.ChunkError {
			failed = append(failed, job.Chunks[i].Index)
		}
	}
	if len(failed) == 0 {
		writeError(w, http.StatusConflict, "no failed chunks to retry")
		return
	}

	// Flip the visible states before the worker starts so a poll does
	// not bounce the client back to the error view.
	queued := states.JobQueued
	store.Update(id, jobs.JobUpdate{State: &queued, ClearFinished: true, Error: strPtr("")})
	retrying := states.ChunkRetrying
	for _, i := range failed {
		store.UpdateChunk(id, i, jobs.ChunkUpdate{State: &retrying, ClearTimes: true})
	}

	req := decodeActionRequest(r)
	lcfg := resolveLLM(r, req.LLM)
	if err := run.Start(id, func(ctx context.Context) {
		run.RetryFailed(ctx, id, lcfg)
	}); err != nil {
		writeError(w, actionErrorStatus(err), err.Error())
		return
	}
	sum, _ := store.Summary(id)
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Job: sum})
}

func (s *Server) handleMergeJob(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	run := svcctx.RunnerFrom(r.Context())
	if store == nil || run == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}

	id := r.PathValue("id")
	if run.InFlight(id) {
		writeError(w, http.StatusConflict, "job is running")
		return
	}
	if err := run.Merge(r.Context(), id); err != nil {
		writeError(w, actionErrorStatus(err), err.Error())
		return
	}
	sum, _ := store.Summary(id)
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Job: sum})
}

// actionErrorStatus maps runner errors onto HTTP status codes.
func actionErrorStatus(err error) int {
	switch {
	case errors.Is(err, runner.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrConflict), errors.Is(err, runner.ErrInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func strPtr(s string) *string { return &s }
