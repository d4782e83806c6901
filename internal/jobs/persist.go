package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jackzampolin/galley/internal/home"
	"github.com/jackzampolin/galley/internal/states"
)

// DefaultPersistInterval is the throttle window for snapshot writes.
// Mutations mark a job dirty; the flusher writes at most once per window
// per job. Terminal transitions bypass the throttle.
const DefaultPersistInterval = 5 * time.Second

// snapshotVersion is bumped when the snapshot schema changes; older files
// are rewritten in the current schema after a successful load.
const snapshotVersion = 2

const flusherPoll = 500 * time.Millisecond

type snapshotEnvelope struct {
	Version int  `json:"version"`
	Job     *Job `json:"job"`
}

// Snapshot filenames come from job ids; anything unexpected stays out of
// the filesystem.
var safeJobIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ConfigurePersistence enables snapshot persistence under dir and starts
// the background flusher. interval <= 0 selects the default.
func (s *Store) ConfigurePersistence(dir string, interval time.Duration) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	s.mu.Lock()
	s.persistDir = dir
	s.interval = interval
	running := s.stopCh != nil
	var stop, done chan struct{}
	if !running {
		s.stopCh = make(chan struct{})
		s.loopDone = make(chan struct{})
		stop, done = s.stopCh, s.loopDone
	}
	s.mu.Unlock()

	if !running {
		go s.flushLoop(stop, done)
	}
	return nil
}

// ShutdownPersistence stops the flusher and writes out all dirty jobs.
func (s *Store) ShutdownPersistence() {
	s.mu.Lock()
	stop := s.stopCh
	done := s.loopDone
	s.stopCh = nil
	s.loopDone = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.FlushAll()
}

// flushLoop writes dirty jobs whose throttle window has elapsed. It polls
// rather than waking per mutation; the poll bound keeps snapshot latency
// well under the window.
func (s *Store) flushLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(flusherPoll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		s.mu.Lock()
		interval := s.interval
		var due []string
		for jobID, since := range s.dirtySince {
			if now.Sub(since) >= interval {
				due = append(due, jobID)
			}
		}
		s.mu.Unlock()

		for _, jobID := range due {
			s.flushJob(jobID, true)
		}
	}
}

// markDirtyLocked records a mutation for the flusher. The sequence number
// lets a concurrent flush detect that it wrote a stale snapshot. Caller
// holds s.mu.
func (s *Store) markDirtyLocked(jobID string) {
	s.seq[jobID]++
	if s.persistDir == "" {
		return
	}
	if _, ok := s.dirtySince[jobID]; !ok {
		s.dirtySince[jobID] = time.Now()
	}
}

// Flush writes the job's snapshot now, dirty or not.
func (s *Store) Flush(jobID string) {
	s.flushJob(jobID, false)
}

// FlushAll writes out every dirty job.
func (s *Store) FlushAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirtySince))
	for jobID := range s.dirtySince {
		ids = append(ids, jobID)
	}
	s.mu.Unlock()

	for _, jobID := range ids {
		s.flushJob(jobID, true)
	}
}

// flushJob snapshots the job under the state lock, writes it outside the
// lock, then re-checks the sequence number: if the job mutated while the
// write was in flight it stays dirty instead of losing the update.
func (s *Store) flushJob(jobID string, requireDirty bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.persistDir == "" {
		delete(s.dirtySince, jobID)
		s.mu.Unlock()
		return
	}
	if requireDirty {
		if _, dirty := s.dirtySince[jobID]; !dirty {
			s.mu.Unlock()
			return
		}
	}
	job, ok := s.jobs[jobID]
	if !ok {
		delete(s.dirtySince, jobID)
		delete(s.seq, jobID)
		s.mu.Unlock()
		return
	}
	seq := s.seq[jobID]
	snap := job.clone()
	s.mu.Unlock()

	s.writeSnapshot(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		delete(s.dirtySince, jobID)
		delete(s.seq, jobID)
		return
	}
	if s.seq[jobID] == seq {
		delete(s.dirtySince, jobID)
		return
	}
	s.dirtySince[jobID] = time.Now()
}

// persistSnapshot writes a snapshot directly, serialized with other disk
// writers. Used for create and load-time schema rewrites.
func (s *Store) persistSnapshot(snap *Job) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.writeSnapshot(snap)
}

// writeSnapshot marshals and atomically writes one snapshot file. Caller
// holds s.persistMu.
func (s *Store) writeSnapshot(snap *Job) {
	s.mu.Lock()
	path := s.snapshotPathLocked(snap.ID)
	s.mu.Unlock()
	if path == "" {
		return
	}

	data, err := json.MarshalIndent(snapshotEnvelope{Version: snapshotVersion, Job: snap}, "", "  ")
	if err != nil {
		s.logger.Error("marshal job snapshot", "job_id", snap.ID, "error", err)
		return
	}
	if err := home.WriteFileAtomic(path, data); err != nil {
		s.logger.Error("write job snapshot", "job_id", snap.ID, "error", err)
	}
}

// snapshotPathLocked returns the snapshot file path, or "" when
// persistence is off or the id is unsafe as a filename. Caller holds s.mu.
func (s *Store) snapshotPathLocked(jobID string) string {
	if s.persistDir == "" || !safeJobIDRe.MatchString(jobID) {
		return ""
	}
	return filepath.Join(s.persistDir, jobID+".json")
}

func (s *Store) removeSnapshot(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Error("delete job snapshot", "path", path, "error", err)
	}
}

// LoadPersisted reads every snapshot in the persistence directory into
// the store, healing each job for the fact that no in-flight work
// survived the restart. Returns the number of jobs loaded.
func (s *Store) LoadPersisted() int {
	s.mu.Lock()
	dir := s.persistDir
	s.mu.Unlock()
	if dir == "" {
		return 0
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		s.logger.Error("scan snapshot dir", "dir", dir, "error", err)
		return 0
	}

	type loadedJob struct {
		job     *Job
		rewrite bool
	}
	var loaded []loadedJob

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Error("read job snapshot", "path", path, "error", err)
			continue
		}
		var env snapshotEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Job == nil || env.Job.ID == "" {
			s.logger.Error("decode job snapshot", "path", path, "error", err)
			continue
		}
		healLoadedJob(env.Job)
		loaded = append(loaded, loadedJob{job: env.Job, rewrite: env.Version != snapshotVersion})
	}

	s.mu.Lock()
	for _, l := range loaded {
		s.jobs[l.job.ID] = l.job
		if l.job.State == states.JobCancelled {
			s.cancelled[l.job.ID] = struct{}{}
		}
		if l.job.State == states.JobPaused {
			s.paused[l.job.ID] = struct{}{}
		}
	}
	s.mu.Unlock()

	// Rewrite older schemas so the migration completes on disk too.
	for _, l := range loaded {
		if l.rewrite {
			s.persistSnapshot(l.job.clone())
		}
	}

	if len(loaded) > 0 {
		s.logger.Info("loaded persisted jobs", "count", len(loaded))
	}
	return len(loaded)
}

// healLoadedJob makes a restored job explicit and resumable: nothing is
// in flight after a restart, so active jobs park as paused and in-flight
// chunks return to pending. Counters and phase are re-derived in case the
// snapshot was written mid-transition.
func healLoadedJob(job *Job) {
	if job.State == states.JobQueued || job.State == states.JobRunning {
		job.State = states.JobPaused
		job.FinishedAt = nil
	}

	done := 0
	for i := range job.Chunks {
		chunk := &job.Chunks[i]
		if chunk.State.InFlight() {
			chunk.State = states.ChunkPending
			chunk.StartedAt = nil
			chunk.FinishedAt = nil
		}
		if chunk.State == states.ChunkDone {
			done++
		}
	}

	if job.TotalChunks < len(job.Chunks) {
		job.TotalChunks = len(job.Chunks)
	}
	job.DoneChunks = done

	if !job.Phase.Valid() {
		job.Phase = states.PhaseValidate
	}

	switch {
	case job.State == states.JobDone:
		job.Phase = states.PhaseDone
	case len(job.Chunks) == 0:
		job.Phase = states.PhaseValidate
	case done == len(job.Chunks):
		// Everything processed but the merged output may not exist yet;
		// leave the explicit merge step available.
		job.Phase = states.PhaseMerge
	default:
		job.Phase = states.PhaseProcess
	}
}
