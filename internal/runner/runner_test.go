package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/home"
	"github.com/jackzampolin/galley/internal/jobs"
	"github.com/jackzampolin/galley/internal/llm"
	"github.com/jackzampolin/galley/internal/states"
)

func newTestRunner(t *testing.T) (*jobs.Store, *home.Dir, *Runner) {
	t.Helper()
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := jobs.NewStore(nil)
	return store, h, New(store, h, nil)
}

func createJobWithInput(t *testing.T, store *jobs.Store, h *home.Dir, input string) *jobs.Job {
	t.Helper()
	job := store.Create("novel.txt", "novel_rev.txt", format.DefaultConfig())
	if err := home.WriteFileAtomic(h.JobInputPath(job.ID), []byte(input)); err != nil {
		t.Fatal(err)
	}
	return job
}

func testLLMConfig(baseURL string, concurrency int) llm.Config {
	return llm.Config{
		Enabled:             true,
		BaseURL:             baseURL,
		Model:               "test-model",
		MaxConcurrency:      concurrency,
		RetryBackoffSeconds: 0.001,
	}
}

// echoHandler streams the user message straight back, so length
// validation always passes.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var content string
	for _, m := range payload.Messages {
		if m.Role == "user" {
			content = m.Content
		}
	}
	frame := map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": content}},
		},
	}
	data, _ := json.Marshal(frame)
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// fiveParagraphs is sized so the default chunk budget splits it into
// exactly four units (the first unit gets a double budget).
func fiveParagraphs() string {
	para := strings.Repeat("字", 600)
	return strings.Repeat(para+"\n\n", 5)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunLocalModeReachesMergeGate(t *testing.T) {
	store, h, r := newTestRunner(t)
	job := createJobWithInput(t, store, h, "第一章 测试\n\n正文内容。\n")

	r.Run(context.Background(), job.ID, llm.Config{Enabled: false})

	got, _ := store.Get(job.ID)
	if got.State != states.JobPaused || got.Phase != states.PhaseMerge {
		t.Fatalf("state=%s phase=%s, want paused/merge", got.State, got.Phase)
	}
	if got.TotalChunks != 1 || got.DoneChunks != 1 {
		t.Errorf("chunks %d/%d, want 1/1", got.DoneChunks, got.TotalChunks)
	}

	if err := r.Merge(context.Background(), job.ID); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got, _ = store.Get(job.ID)
	if got.State != states.JobDone || got.Phase != states.PhaseDone {
		t.Errorf("state=%s phase=%s, want done/done", got.State, got.Phase)
	}
	out, err := os.ReadFile(h.OutputPath(job.ID, got.OutputName))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(out), "正文内容。") {
		t.Errorf("output missing body: %q", out)
	}
}

func TestMergeRequiresAllChunksDone(t *testing.T) {
	store, h, r := newTestRunner(t)
	job := createJobWithInput(t, store, h, "内容。\n")

	if err := r.Merge(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := r.Merge(context.Background(), job.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict before processing", err)
	}
}

func TestStartDedupesInFlightJobs(t *testing.T) {
	_, _, r := newTestRunner(t)
	release := make(chan struct{})

	if err := r.Start("job-1", func(ctx context.Context) { <-release }); err != nil {
		t.Fatal(err)
	}
	err := r.Start("job-1", func(ctx context.Context) {})
	if !errors.Is(err, ErrInFlight) {
		t.Errorf("err = %v, want ErrInFlight", err)
	}
	close(release)
	waitFor(t, "first execution to finish", func() bool { return !r.InFlight("job-1") })
}

func TestPauseResumeMergeFlow(t *testing.T) {
	var started atomic.Int32
	gate := make(chan struct{})
	var open atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started.Add(1)
		if !open.Load() {
			<-gate
		}
		echoHandler(w, r)
	}))
	defer srv.Close()

	store, h, r := newTestRunner(t)
	job := createJobWithInput(t, store, h, fiveParagraphs())
	lcfg := testLLMConfig(srv.URL, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), job.ID, lcfg)
	}()

	// Two workers hold the pool; pause while they are mid-request.
	waitFor(t, "two in-flight requests", func() bool { return started.Load() == 2 })
	if !store.Pause(job.ID) {
		t.Error("pause should succeed while running")
	}
	// Let any slot wait in progress time out and observe the pause
	// before the in-flight requests are released.
	time.Sleep(400 * time.Millisecond)
	open.Store(true)
	close(gate)
	<-done

	got, _ := store.Get(job.ID)
	if got.State != states.JobPaused || got.Phase != states.PhaseProcess {
		t.Fatalf("state=%s phase=%s, want paused/process", got.State, got.Phase)
	}
	if got.TotalChunks != 4 {
		t.Fatalf("total chunks = %d, want 4", got.TotalChunks)
	}
	counts := map[states.ChunkState]int{}
	for _, c := range got.Chunks {
		counts[c.State]++
	}
	if counts[states.ChunkDone] != 2 || counts[states.ChunkPending] != 2 {
		t.Fatalf("chunk counts = %v, want 2 done 2 pending", counts)
	}

	// Resume picks up only the pending units.
	if !store.Resume(job.ID) {
		t.Fatal("store resume failed")
	}
	r.Resume(context.Background(), job.ID, lcfg)

	got, _ = store.Get(job.ID)
	if got.State != states.JobPaused || got.Phase != states.PhaseMerge {
		t.Fatalf("state=%s phase=%s, want paused/merge after resume", got.State, got.Phase)
	}
	if got.DoneChunks != 4 {
		t.Fatalf("done chunks = %d, want 4", got.DoneChunks)
	}
	if n := started.Load(); n != 4 {
		t.Errorf("server requests = %d, want 4 (no reprocessing of done chunks)", n)
	}

	if err := r.Merge(context.Background(), job.ID); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	out, err := os.ReadFile(h.OutputPath(job.ID, got.OutputName))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	merged := string(out)
	if n := strings.Count(merged, "　　"); n != 5 {
		t.Errorf("indented paragraphs = %d, want 5", n)
	}
	if strings.Contains(merged, "\n\n\n") {
		t.Error("merged output contains double blank lines")
	}
}

func TestRetryFailedAfterChunkErrors(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		echoHandler(w, r)
	}))
	defer srv.Close()

	store, h, r := newTestRunner(t)
	job := createJobWithInput(t, store, h, "测试内容。\n")
	lcfg := testLLMConfig(srv.URL, 2)
	lcfg.MaxRetries = 0

	r.Run(context.Background(), job.ID, lcfg)

	got, _ := store.Get(job.ID)
	if got.State != states.JobError {
		t.Fatalf("state = %s, want error", got.State)
	}
	if got.Chunks[0].State != states.ChunkError {
		t.Fatalf("chunk state = %s, want error", got.Chunks[0].State)
	}
	if got.Chunks[0].LastErrorCode == nil || *got.Chunks[0].LastErrorCode != http.StatusInternalServerError {
		t.Errorf("chunk error code = %v, want 500", got.Chunks[0].LastErrorCode)
	}

	failing.Store(false)
	// Callers flip failed chunks to retrying for visibility before the
	// pass starts; the retry must still pick them up.
	retrying := states.ChunkRetrying
	store.UpdateChunk(job.ID, 0, jobs.ChunkUpdate{State: &retrying, ClearTimes: true})
	r.RetryFailed(context.Background(), job.ID, lcfg)

	got, _ = store.Get(job.ID)
	if got.State != states.JobPaused || got.Phase != states.PhaseMerge {
		t.Fatalf("state=%s phase=%s, want paused/merge after retry", got.State, got.Phase)
	}
	if got.Chunks[0].State != states.ChunkDone {
		t.Errorf("chunk state = %s, want done", got.Chunks[0].State)
	}
}

func TestCancelledJobStopsProcessing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		echoHandler(w, r)
	}))
	defer srv.Close()

	store, h, r := newTestRunner(t)
	job := createJobWithInput(t, store, h, "内容。\n")
	store.Cancel(job.ID)

	r.Run(context.Background(), job.ID, testLLMConfig(srv.URL, 2))

	if n := calls.Load(); n != 0 {
		t.Errorf("server calls = %d, want 0 for cancelled job", n)
	}
	got, _ := store.Get(job.ID)
	if got.State != states.JobCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
}

func TestRunRecordsArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	store, h, r := newTestRunner(t)
	job := createJobWithInput(t, store, h, "第一章\n\n他来了。\n")

	r.Run(context.Background(), job.ID, testLLMConfig(srv.URL, 1))

	if _, err := os.Stat(h.PreChunkPath(job.ID, 0)); err != nil {
		t.Errorf("missing pre artifact: %v", err)
	}
	if _, err := os.Stat(h.OutChunkPath(job.ID, 0)); err != nil {
		t.Errorf("missing out artifact: %v", err)
	}
	reqs, err := os.ReadDir(filepath.Join(h.JobWorkDir(job.ID), "req"))
	if err != nil || len(reqs) == 0 {
		t.Errorf("missing request snapshot (err=%v)", err)
	}

	got, _ := store.Get(job.ID)
	if got.Stats["llm_chunks"] != 1 {
		t.Errorf("stats = %v, want llm_chunks=1", got.Stats)
	}
	if got.LastModel != "test-model" {
		t.Errorf("last model = %q", got.LastModel)
	}
	if got.Chunks[0].InputChars == 0 || got.Chunks[0].OutputChars == 0 {
		t.Errorf("char diagnostics not recorded: %+v", got.Chunks[0])
	}
}
