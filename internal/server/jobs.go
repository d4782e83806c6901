package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackzampolin/galley/internal/config"
	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/home"
	"github.com/jackzampolin/galley/internal/jobs"
	"github.com/jackzampolin/galley/internal/llm"
	"github.com/jackzampolin/galley/internal/states"
	"github.com/jackzampolin/galley/internal/svcctx"
)

// maxCreateBodyBytes bounds the create request body; inputs are whole
// documents so the limit is generous.
const maxCreateBodyBytes = 64 << 20

// JobOptions carries per-job overrides supplied at creation time.
type JobOptions struct {
	Format       *format.Config `json:"format,omitempty"`
	LLM          *llm.Config    `json:"llm,omitempty"`
	OutputSuffix string         `json:"output_suffix,omitempty"`
}

// CreateJobRequest is the body for POST /api/v1/jobs.
type CreateJobRequest struct {
	InputFilename string     `json:"input_filename"`
	Text          string     `json:"text"`
	Options       JobOptions `json:"options"`
}

// JobResponse wraps a single job summary.
type JobResponse struct {
	Job *jobs.Summary `json:"job"`
}

// JobListResponse is the response for the job listing.
type JobListResponse struct {
	Jobs []*jobs.Summary `json:"jobs"`
}

// JobDetailResponse is a job summary plus an optional page of chunk
// statuses.
type JobDetailResponse struct {
	Job    *jobs.Summary   `json:"job"`
	Chunks *jobs.ChunkPage `json:"chunks,omitempty"`
}

// ActionResponse reports the job state after a lifecycle action.
type ActionResponse struct {
	OK  bool          `json:"ok"`
	Job *jobs.Summary `json:"job,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	run := svcctx.RunnerFrom(r.Context())
	hd := svcctx.HomeFrom(r.Context())
	if store == nil || run == nil || hd == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}

	var req CreateJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxCreateBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	inputName := safeFilename(req.InputFilename)
	outputName := deriveOutputName(inputName, req.Options.OutputSuffix)

	fcfg := format.DefaultConfig()
	if cm := svcctx.ConfigFrom(r.Context()); cm != nil {
		fcfg = cm.Get().Format
	}
	if req.Options.Format != nil {
		fcfg = *req.Options.Format
	}

	job := store.Create(inputName, outputName, fcfg)

	if err := home.WriteFileAtomic(hd.JobInputPath(job.ID), []byte(req.Text)); err != nil {
		store.Delete(job.ID)
		writeError(w, http.StatusInternalServerError, "failed to cache input: "+err.Error())
		return
	}

	lcfg := resolveLLM(r, req.Options.LLM)
	if err := run.Start(job.ID, func(ctx context.Context) {
		run.Run(ctx, job.ID, lcfg)
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sum, _ := store.Summary(job.ID)
	writeJSON(w, http.StatusCreated, JobResponse{Job: sum})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: store.ListSummaries()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
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

	resp := JobDetailResponse{Job: sum}
	q := r.URL.Query()
	if q.Get("chunks") != "0" {
		filter := chunkStateFilter(q.Get("chunk_state"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if page, ok := store.ChunksPage(id, filter, offset, limit); ok {
			resp.Chunks = page
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	hd := svcctx.HomeFrom(r.Context())
	if store == nil || hd == nil {
		writeError(w, http.StatusServiceUnavailable, "server not initialized")
		return
	}

	id := r.PathValue("id")
	if _, ok := store.Summary(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	// Cancel first so in-flight workers stop writing into the work dir.
	store.Cancel(id)
	store.Delete(id)
	if err := hd.RemoveJobDirs(id); err != nil {
		s.logger.Error("remove job dirs", "job_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, ActionResponse{OK: true})
}

// chunkStateFilter maps the query value to a store filter. Unknown
// values fall back to no filter, matching the lenient original API.
func chunkStateFilter(v string) states.ChunkState {
	st := states.ChunkState(strings.ToLower(strings.TrimSpace(v)))
	if st.Valid() {
		return st
	}
	return ""
}

// safeFilename reduces a client-supplied name to a bare file name.
func safeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "input.txt"
	}
	return name
}

// deriveOutputName inserts the suffix before the extension, defaulting
// to "_rev" and ".txt".
func deriveOutputName(inputName, suffix string) string {
	if suffix == "" {
		suffix = "_rev"
	}
	ext := filepath.Ext(inputName)
	stem := strings.TrimSuffix(inputName, ext)
	if stem == "" {
		stem = "output"
	}
	if ext == "" {
		ext = ".txt"
	}
	return stem + suffix + ext
}

// resolveLLM picks the completion settings for a job: the request
// override when present, otherwise the current configuration. API key
// ${ENV_VAR} references are expanded either way.
func resolveLLM(r *http.Request, override *llm.Config) llm.Config {
	if override != nil {
		lcfg := *override
		lcfg.APIKey = config.ResolveEnvVars(lcfg.APIKey)
		return lcfg.WithDefaults()
	}
	if cm := svcctx.ConfigFrom(r.Context()); cm != nil {
		return cm.ResolvedLLM().WithDefaults()
	}
	return llm.DefaultConfig()
}
