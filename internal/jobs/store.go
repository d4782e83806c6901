package jobs

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/states"
)

// Store is the single source of truth for job and chunk state. All reads
// return deep copies; all writes go through explicit operations under one
// mutex. Unknown job ids make every operation a no-op (or false).
//
// A cancelled job is a tombstone: Update and UpdateChunk refuse to touch
// it, so late worker writes after a cancel cannot resurrect state.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	cancelled map[string]struct{}
	paused    map[string]struct{}

	logger *slog.Logger

	// Persistence; see persist.go.
	persistMu  sync.Mutex
	persistDir string
	interval   time.Duration
	dirtySince map[string]time.Time
	seq        map[string]int
	stopCh     chan struct{}
	wakeCh     chan struct{}
	loopDone   chan struct{}
}

// NewStore creates an empty store. Persistence is off until
// ConfigurePersistence is called.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		jobs:       make(map[string]*Job),
		cancelled:  make(map[string]struct{}),
		paused:     make(map[string]struct{}),
		logger:     logger.With("component", "jobstore"),
		interval:   DefaultPersistInterval,
		dirtySince: make(map[string]time.Time),
		seq:        make(map[string]int),
	}
}

// Create registers a new queued job in the validate phase and persists it
// immediately. The returned snapshot carries the generated id.
func (s *Store) Create(inputName, outputName string, fcfg format.Config) *Job {
	now := time.Now()
	job := &Job{
		ID:         newJobID(),
		State:      states.JobQueued,
		Phase:      states.PhaseValidate,
		CreatedAt:  now,
		InputName:  inputName,
		OutputName: outputName,
		Format:     fcfg,
		Stats:      make(map[string]int),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	snap := job.clone()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	return snap
}

func newJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Get returns a deep copy of the job including chunks.
func (s *Store) Get(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Summary returns the job without its chunk list.
func (s *Store) Summary(jobID string) (*Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return summarize(job), true
}

// ListSummaries returns all jobs, newest first.
func (s *Store) ListSummaries() []*Summary {
	s.mu.Lock()
	out := make([]*Summary, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, summarize(job))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func summarize(job *Job) *Summary {
	stats := make(map[string]int, len(job.Stats))
	for k, v := range job.Stats {
		stats[k] = v
	}
	return &Summary{
		ID:             job.ID,
		State:          job.State,
		Phase:          job.Phase,
		CreatedAt:      job.CreatedAt,
		StartedAt:      copyTime(job.StartedAt),
		FinishedAt:     copyTime(job.FinishedAt),
		InputName:      job.InputName,
		OutputName:     job.OutputName,
		TotalChunks:    job.TotalChunks,
		DoneChunks:     job.DoneChunks,
		Format:         job.Format,
		LastErrorCode:  copyInt(job.LastErrorCode),
		LastRetryCount: job.LastRetryCount,
		LastModel:      job.LastModel,
		Stats:          stats,
		Error:          job.Error,
		ChunkCounts:    chunkCounts(job),
	}
}

func chunkCounts(job *Job) map[states.ChunkState]int {
	counts := map[states.ChunkState]int{
		states.ChunkPending:    0,
		states.ChunkProcessing: 0,
		states.ChunkRetrying:   0,
		states.ChunkDone:       0,
		states.ChunkError:      0,
	}
	for i := range job.Chunks {
		counts[job.Chunks[i].State]++
	}
	return counts
}

// ChunksPage returns a filtered, paged view of a job's chunks together
// with total counts per state.
func (s *Store) ChunksPage(jobID string, stateFilter states.ChunkState, offset, limit int) (*ChunkPage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}

	var filtered []Chunk
	for i := range job.Chunks {
		if stateFilter != "" && job.Chunks[i].State != stateFilter {
			continue
		}
		filtered = append(filtered, job.Chunks[i].clone())
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := len(filtered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return &ChunkPage{
		Chunks:      filtered[offset:end],
		ChunkCounts: chunkCounts(job),
		Total:       len(filtered),
		Offset:      offset,
		HasMore:     end < len(filtered),
	}, true
}

// Update applies a partial update. Cancelled jobs are never touched;
// StartedAt is write-once; a paused job is not silently downgraded back
// to queued/running (resume is explicit). Reaching a terminal state
// drops the paused flag and flushes the snapshot immediately.
func (s *Store) Update(jobID string, u JobUpdate) {
	flushNow := false

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.State == states.JobCancelled {
		s.mu.Unlock()
		return
	}

	if u.State != nil {
		next := *u.State
		switch {
		case job.State == states.JobPaused && (next == states.JobQueued || next == states.JobRunning):
			// Paused wins; only Resume moves the job forward.
		default:
			if next.Terminal() {
				delete(s.paused, jobID)
			}
			job.State = next
		}
	}
	if u.Phase != nil {
		job.Phase = *u.Phase
	}
	if u.StartedAt != nil && job.StartedAt == nil {
		job.StartedAt = copyTime(u.StartedAt)
	}
	if u.ClearFinished {
		job.FinishedAt = nil
	} else if u.FinishedAt != nil {
		job.FinishedAt = copyTime(u.FinishedAt)
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.LastModel != nil {
		job.LastModel = *u.LastModel
	}

	s.markDirtyLocked(jobID)
	flushNow = job.State.Terminal()
	s.mu.Unlock()

	if flushNow {
		s.flushJob(jobID, false)
	}
}

// InitChunks resets the chunk list to total pending chunks and persists
// immediately; the chunk list defines the shape of the whole process
// phase.
func (s *Store) InitChunks(jobID string, total int, model string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.TotalChunks = total
	job.DoneChunks = 0
	job.Chunks = make([]Chunk, total)
	for i := range job.Chunks {
		job.Chunks[i] = Chunk{Index: i, State: states.ChunkPending, Model: model}
	}
	s.markDirtyLocked(jobID)
	s.mu.Unlock()

	s.flushJob(jobID, false)
}

// UpdateChunk applies a partial update to one chunk, maintaining the
// job's done count incrementally. No-op for cancelled jobs and
// out-of-range indexes.
func (s *Store) UpdateChunk(jobID string, index int, u ChunkUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.State == states.JobCancelled {
		return
	}
	if _, gone := s.cancelled[jobID]; gone {
		return
	}
	if index < 0 || index >= len(job.Chunks) {
		return
	}

	chunk := &job.Chunks[index]
	prev := chunk.State
	dirty := false

	if u.State != nil {
		chunk.State = *u.State
	}
	if u.ClearTimes {
		chunk.StartedAt = nil
		chunk.FinishedAt = nil
	}
	if u.StartedAt != nil {
		chunk.StartedAt = copyTime(u.StartedAt)
	}
	if u.FinishedAt != nil {
		chunk.FinishedAt = copyTime(u.FinishedAt)
	}
	if u.ClearError {
		chunk.LastErrorCode = nil
		chunk.LastErrorMessage = ""
		dirty = true
	} else {
		if u.LastErrorCode != nil {
			chunk.LastErrorCode = copyInt(u.LastErrorCode)
			dirty = true
		}
		if u.LastErrorMessage != nil {
			chunk.LastErrorMessage = *u.LastErrorMessage
			dirty = true
		}
	}
	if u.Model != nil {
		chunk.Model = *u.Model
	}
	if u.InputChars != nil {
		chunk.InputChars = *u.InputChars
	}
	if u.OutputChars != nil {
		chunk.OutputChars = *u.OutputChars
	}

	if u.State != nil && chunk.State != prev {
		dirty = true
		if prev == states.ChunkDone && job.DoneChunks > 0 {
			job.DoneChunks--
		}
		if chunk.State == states.ChunkDone {
			job.DoneChunks++
		}
	}

	if dirty {
		s.markDirtyLocked(jobID)
	}
}

// AddRetry bumps retry counters after a transient failure. The job-level
// counter moves even when the index is out of range, so diagnostics never
// silently vanish.
func (s *Store) AddRetry(jobID string, index, inc int, code *int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.LastRetryCount += inc
	if code != nil {
		job.LastErrorCode = copyInt(code)
	}
	if index >= 0 && index < len(job.Chunks) {
		chunk := &job.Chunks[index]
		chunk.Retries += inc
		chunk.LastErrorCode = copyInt(code)
		chunk.LastErrorMessage = message
	}
	s.markDirtyLocked(jobID)
}

// AddStat increments a best-effort counter. Not persisted eagerly.
func (s *Store) AddStat(jobID, key string, inc int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if job.Stats == nil {
		job.Stats = make(map[string]int)
	}
	job.Stats[key] += inc
}

// Cancel tombstones the job. The visible state flips right away (unless
// already done or error), and in-flight chunks fall back to pending in
// the same critical section so no observer sees a cancelled job with
// running chunks. Reports whether the job exists.
func (s *Store) Cancel(jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	now := time.Now()
	s.cancelled[jobID] = struct{}{}
	delete(s.paused, jobID)

	if job.State != states.JobDone && job.State != states.JobError {
		job.State = states.JobCancelled
		job.FinishedAt = &now
	}

	for i := range job.Chunks {
		chunk := &job.Chunks[i]
		if chunk.State.InFlight() {
			chunk.State = states.ChunkPending
			chunk.StartedAt = nil
			chunk.FinishedAt = nil
			if chunk.LastErrorMessage == "" {
				chunk.LastErrorMessage = "cancelled"
			}
		}
	}
	s.markDirtyLocked(jobID)
	s.mu.Unlock()

	s.flushJob(jobID, false)
	return true
}

// Pause requests a pause. Only queued or running jobs can pause; the
// second call in a row reports false.
func (s *Store) Pause(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	if job.State != states.JobQueued && job.State != states.JobRunning {
		return false
	}

	s.paused[jobID] = struct{}{}
	job.State = states.JobPaused
	job.FinishedAt = nil
	s.markDirtyLocked(jobID)
	return true
}

// Resume moves a paused job back to queued. Reports false when the job
// is not paused.
func (s *Store) Resume(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	if _, paused := s.paused[jobID]; !paused && job.State != states.JobPaused {
		return false
	}

	delete(s.paused, jobID)
	if job.State == states.JobPaused {
		job.State = states.JobQueued
		job.FinishedAt = nil
	}
	s.markDirtyLocked(jobID)
	return true
}

// Delete removes the job and its snapshot file. Reports whether the job
// existed.
func (s *Store) Delete(jobID string) bool {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	_, existed := s.jobs[jobID]
	path := ""
	if existed {
		path = s.snapshotPathLocked(jobID)
	}
	delete(s.jobs, jobID)
	delete(s.cancelled, jobID)
	delete(s.paused, jobID)
	delete(s.dirtySince, jobID)
	delete(s.seq, jobID)
	s.mu.Unlock()

	if path != "" {
		s.removeSnapshot(path)
	}
	return existed
}

// IsCancelled reports whether the job carries the cancel tombstone.
func (s *Store) IsCancelled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[jobID]
	return ok
}

// IsPaused reports whether a pause has been requested for the job.
func (s *Store) IsPaused(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paused[jobID]
	return ok
}
