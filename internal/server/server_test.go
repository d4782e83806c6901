package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/home"
	"github.com/jackzampolin/galley/internal/jobs"
	"github.com/jackzampolin/galley/internal/llm"
	"github.com/jackzampolin/galley/internal/runner"
	"github.com/jackzampolin/galley/internal/states"
)

func newTestServer(t *testing.T) (*httptest.Server, *jobs.Store) {
	t.Helper()
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := jobs.NewStore(nil)
	run := runner.New(store, h, nil)

	srv, err := New(Config{Store: store, Runner: run, Home: h})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, url, err)
	}
	return resp, fields
}

func jobFromResponse(t *testing.T, fields map[string]json.RawMessage) *jobs.Summary {
	t.Helper()
	var sum jobs.Summary
	if err := json.Unmarshal(fields["job"], &sum); err != nil {
		t.Fatal(err)
	}
	return &sum
}

func waitForState(t *testing.T, url string, want states.JobState) *jobs.Summary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, fields := doJSON(t, http.MethodGet, url, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", url, resp.StatusCode)
		}
		sum := jobFromResponse(t, fields)
		if sum.State == want {
			return sum
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached state %s", want)
	return nil
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	// Create a job processed locally (no model endpoint configured).
	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", CreateJobRequest{
		InputFilename: "novel.txt",
		Text:          "第一章 开始\n\n他来了。\n",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := jobFromResponse(t, fields)
	if created.OutputName != "novel_rev.txt" {
		t.Errorf("output name = %q, want novel_rev.txt", created.OutputName)
	}
	jobURL := fmt.Sprintf("%s/api/v1/jobs/%s", ts.URL, created.ID)

	// All chunks done parks the job at the merge gate.
	sum := waitForState(t, jobURL, states.JobPaused)
	if sum.Phase != states.PhaseMerge {
		t.Fatalf("phase = %s, want merge", sum.Phase)
	}

	// Listing includes the job.
	resp, fields = doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list []jobs.Summary
	if err := json.Unmarshal(fields["jobs"], &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	// Merge is explicit.
	resp, _ = doJSON(t, http.MethodPost, jobURL+"/merge", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("merge status = %d", resp.StatusCode)
	}
	sum = waitForState(t, jobURL, states.JobDone)
	if sum.Phase != states.PhaseDone {
		t.Errorf("phase = %s, want done", sum.Phase)
	}

	// Lifecycle actions conflict with a finished job.
	resp, _ = doJSON(t, http.MethodPost, jobURL+"/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pause on done job: status = %d, want 409", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, jobURL+"/merge", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second merge: status = %d, want 409", resp.StatusCode)
	}

	// Delete removes the job.
	resp, _ = doJSON(t, http.MethodDelete, jobURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, jobURL, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateJobValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", CreateJobRequest{
		InputFilename: "a.txt",
		Text:          "   ",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank text: status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownJobIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, action := range []string{"", "/cancel", "/pause", "/resume", "/retry-failed"} {
		method := http.MethodPost
		if action == "" {
			method = http.MethodGet
		}
		resp, _ := doJSON(t, method, ts.URL+"/api/v1/jobs/nope"+action, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s jobs/nope%s: status = %d, want 404", method, action, resp.StatusCode)
		}
	}
}

// echoModel streams the user message straight back as SSE so length
// validation passes once the failure switch is off.
func echoModel(w http.ResponseWriter, r *http.Request) {
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
	frame, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": content}}},
	})
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "data: %s\n\n", frame)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestRetryFailedOverHTTP(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		echoModel(w, r)
	}))
	defer model.Close()

	ts, _ := newTestServer(t)
	lcfg := &llm.Config{
		Enabled:             true,
		BaseURL:             model.URL,
		Model:               "test-model",
		RetryBackoffSeconds: 0.001,
	}

	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", CreateJobRequest{
		InputFilename: "novel.txt",
		Text:          "第一章\n\n他来了。\n",
		Options:       JobOptions{LLM: lcfg},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := jobFromResponse(t, fields)
	jobURL := fmt.Sprintf("%s/api/v1/jobs/%s", ts.URL, created.ID)

	waitForState(t, jobURL, states.JobError)

	// With the model healthy again the retry pass must carry the job all
	// the way to the merge gate, not leave chunks parked mid-retry.
	failing.Store(false)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, _ = doJSON(t, http.MethodPost, jobURL+"/retry-failed", ActionRequest{LLM: lcfg})
		if resp.StatusCode == http.StatusOK {
			break
		}
		// The failed pass may still be winding down; only that conflict
		// is transient.
		if resp.StatusCode != http.StatusConflict || time.Now().After(deadline) {
			t.Fatalf("retry-failed status = %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sum := waitForState(t, jobURL, states.JobPaused)
	if sum.Phase != states.PhaseMerge {
		t.Fatalf("phase = %s, want merge after retry", sum.Phase)
	}
	if sum.DoneChunks != sum.TotalChunks || sum.TotalChunks == 0 {
		t.Errorf("chunks %d/%d, want all done", sum.DoneChunks, sum.TotalChunks)
	}

	resp, _ = doJSON(t, http.MethodPost, jobURL+"/merge", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("merge status = %d", resp.StatusCode)
	}
	waitForState(t, jobURL, states.JobDone)
}

func TestChunkPagingOverHTTP(t *testing.T) {
	ts, store := newTestServer(t)

	job := store.Create("in.txt", "out.txt", format.DefaultConfig())
	store.InitChunks(job.ID, 5, "m")

	resp, fields := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/jobs/%s?chunk_state=pending&limit=2&offset=1", ts.URL, job.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var page jobs.ChunkPage
	if err := json.Unmarshal(fields["chunks"], &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Chunks) != 2 || page.Chunks[0].Index != 1 {
		t.Errorf("page = %+v", page)
	}
	if !page.HasMore || page.Total != 5 {
		t.Errorf("has_more=%v total=%d, want true/5", page.HasMore, page.Total)
	}

	// chunks=0 omits the chunk page entirely.
	_, fields = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/jobs/%s?chunks=0", ts.URL, job.ID), nil)
	if _, present := fields["chunks"]; present {
		t.Error("chunks=0 should omit chunk statuses")
	}
}
