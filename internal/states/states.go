// Package states defines the job and chunk state machines shared by the
// store, the runner and the HTTP API.
package states

// JobState is the run-state of a job as a whole.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobDone      JobState = "done"
	JobError     JobState = "error"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
// Cancelled is a tombstone: once set, every mutation becomes a no-op.
func (s JobState) Terminal() bool {
	switch s {
	case JobDone, JobError, JobCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobPaused, JobDone, JobError, JobCancelled:
		return true
	}
	return false
}

// JobPhase tracks which stage of the pipeline a job is in. A paused job
// keeps its phase so resume knows where to pick up.
type JobPhase string

const (
	PhaseValidate JobPhase = "validate"
	PhaseProcess  JobPhase = "process"
	PhaseMerge    JobPhase = "merge"
	PhaseDone     JobPhase = "done"
)

// Valid reports whether p is a known job phase.
func (p JobPhase) Valid() bool {
	switch p {
	case PhaseValidate, PhaseProcess, PhaseMerge, PhaseDone:
		return true
	}
	return false
}

// ChunkState is the per-chunk processing state. "retrying" is purely
// informational for observers: the chunk is still owned by its original
// worker and is never scheduled independently.
type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkProcessing ChunkState = "processing"
	ChunkRetrying   ChunkState = "retrying"
	ChunkDone       ChunkState = "done"
	ChunkError      ChunkState = "error"
)

// Terminal reports whether the chunk has reached a final state.
func (s ChunkState) Terminal() bool {
	return s == ChunkDone || s == ChunkError
}

// InFlight reports whether a worker currently owns the chunk.
func (s ChunkState) InFlight() bool {
	return s == ChunkProcessing || s == ChunkRetrying
}

// Valid reports whether s is a known chunk state.
func (s ChunkState) Valid() bool {
	switch s {
	case ChunkPending, ChunkProcessing, ChunkRetrying, ChunkDone, ChunkError:
		return true
	}
	return false
}
