// Package jobs implements the in-memory job store, its snapshot
// persistence and the bounded worker pool that processes chunks.
package jobs

import (
	"time"

	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/states"
)

// Chunk is the per-unit processing record. "retrying" is informational:
// the chunk stays owned by the worker that is retrying it.
type Chunk struct {
	Index            int               `json:"index"`
	State            states.ChunkState `json:"state"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	Retries          int               `json:"retries"`
	LastErrorCode    *int              `json:"last_error_code,omitempty"`
	LastErrorMessage string            `json:"last_error_message,omitempty"`
	Model            string            `json:"model,omitempty"`

	// Diagnostics.
	InputChars  int `json:"input_chars,omitempty"`
	OutputChars int `json:"output_chars,omitempty"`
}

// Job is the full job record including chunk statuses.
type Job struct {
	ID        string          `json:"job_id"`
	State     states.JobState `json:"state"`
	Phase     states.JobPhase `json:"phase"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	// FinishedAt is cleared again when a paused job resumes.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	InputName   string `json:"input_filename"`
	OutputName  string `json:"output_filename"`
	TotalChunks int    `json:"total_chunks"`
	DoneChunks  int    `json:"done_chunks"`

	// Options snapshot so resume and retry behave as the job was created.
	Format format.Config `json:"format"`

	// Diagnostics.
	LastErrorCode  *int           `json:"last_error_code,omitempty"`
	LastRetryCount int            `json:"last_retry_count"`
	LastModel      string         `json:"last_model,omitempty"`
	Stats          map[string]int `json:"stats,omitempty"`
	Error          string         `json:"error,omitempty"`

	Chunks []Chunk `json:"chunk_statuses"`
}

// clone returns a deep copy safe to hand to callers.
func (j *Job) clone() *Job {
	cp := *j
	cp.StartedAt = copyTime(j.StartedAt)
	cp.FinishedAt = copyTime(j.FinishedAt)
	cp.LastErrorCode = copyInt(j.LastErrorCode)
	if j.Stats != nil {
		cp.Stats = make(map[string]int, len(j.Stats))
		for k, v := range j.Stats {
			cp.Stats[k] = v
		}
	}
	cp.Chunks = make([]Chunk, len(j.Chunks))
	for i := range j.Chunks {
		cp.Chunks[i] = j.Chunks[i].clone()
	}
	return &cp
}

func (c Chunk) clone() Chunk {
	c.StartedAt = copyTime(c.StartedAt)
	c.FinishedAt = copyTime(c.FinishedAt)
	c.LastErrorCode = copyInt(c.LastErrorCode)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyInt(n *int) *int {
	if n == nil {
		return nil
	}
	cp := *n
	return &cp
}

// Summary is a job without its chunk list, for listings and polling.
type Summary struct {
	ID             string                    `json:"job_id"`
	State          states.JobState           `json:"state"`
	Phase          states.JobPhase           `json:"phase"`
	CreatedAt      time.Time                 `json:"created_at"`
	StartedAt      *time.Time                `json:"started_at,omitempty"`
	FinishedAt     *time.Time                `json:"finished_at,omitempty"`
	InputName      string                    `json:"input_filename"`
	OutputName     string                    `json:"output_filename"`
	TotalChunks    int                       `json:"total_chunks"`
	DoneChunks     int                       `json:"done_chunks"`
	Format         format.Config             `json:"format"`
	LastErrorCode  *int                      `json:"last_error_code,omitempty"`
	LastRetryCount int                       `json:"last_retry_count"`
	LastModel      string                    `json:"last_model,omitempty"`
	Stats          map[string]int            `json:"stats,omitempty"`
	Error          string                    `json:"error,omitempty"`
	ChunkCounts    map[states.ChunkState]int `json:"chunk_counts"`
}

// JobUpdate is a partial update applied by Store.Update. Nil fields are
// left untouched.
type JobUpdate struct {
	State *states.JobState
	Phase *states.JobPhase

	// StartedAt is write-once: ignored if the job already started.
	StartedAt  *time.Time
	FinishedAt *time.Time
	// ClearFinished resets FinishedAt to unset, used on resume.
	ClearFinished bool

	Error     *string
	LastModel *string
}

// ChunkUpdate is a partial update applied by Store.UpdateChunk.
type ChunkUpdate struct {
	State      *states.ChunkState
	StartedAt  *time.Time
	FinishedAt *time.Time
	// ClearTimes resets both timestamps, used when a chunk returns to
	// pending.
	ClearTimes bool

	LastErrorCode    *int
	LastErrorMessage *string
	// ClearError resets the error diagnostics before a fresh attempt.
	ClearError bool

	Model       *string
	InputChars  *int
	OutputChars *int
}

// ChunkPage is one page of chunk statuses plus aggregate counts.
type ChunkPage struct {
	Chunks      []Chunk                   `json:"chunks"`
	ChunkCounts map[states.ChunkState]int `json:"chunk_counts"`
	Total       int                       `json:"total"`
	Offset      int                       `json:"offset"`
	HasMore     bool                      `json:"has_more"`
}
