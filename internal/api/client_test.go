package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pdxseg/internal/api"
	"pdxseg/internal/jobs"
	"pdxseg/internal/services"
)

func TestClientStartJobRoundTrip(t *testing.T) {
	var got api.StartRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/segment/start" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(api.StartResponse{JobID: "job-1"})
	}))
	defer srv.Close()

	client := api.NewClient(srv.URL)
	resp, err := client.StartJob(context.Background(), api.StartRequest{StudyID: "s1", Threshold: 0.4})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if resp.JobID != "job-1" {
		t.Fatalf("unexpected job id %q", resp.JobID)
	}
	if diff := cmp.Diff(api.StartRequest{StudyID: "s1", Threshold: 0.4}, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestClientMapsErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/results/missing":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "not found: job"})
		case "/api/segment/start":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "invalid input: study_id is required"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	client := api.NewClient(srv.URL)

	_, err := client.Result(context.Background(), "missing")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var statusErr *api.StatusError
	if !errors.As(err, &statusErr) || statusErr.Message != "not found: job" {
		t.Fatalf("expected decoded message, got %v", err)
	}

	_, err = client.StartJob(context.Background(), api.StartRequest{})
	if !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	_, err = client.Jobs(context.Background())
	if err == nil || api.IsUnavailable(err) {
		t.Fatalf("a 500 is a daemon error, not unavailability: %v", err)
	}
}

func TestClientUploadsMultipart(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.png", "b.png"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var names []string
		for _, fh := range r.MultipartForm.File["files"] {
			names = append(names, fh.Filename)
		}
		_ = json.NewEncoder(w).Encode(api.StudyResponse{StudyID: "up", Files: names})
	}))
	defer srv.Close()

	resp, err := api.NewClient(srv.URL).Upload(context.Background(), paths)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if diff := cmp.Diff([]string{"a.png", "b.png"}, resp.Files); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestClientWaitForJob(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := api.JobStatus{JobID: "j", Status: "running", Progress: 40}
		if polls.Add(1) >= 3 {
			status = api.JobStatus{JobID: "j", Status: "done", Progress: 100}
		}
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer srv.Close()

	var seen []int
	final, err := api.NewClient(srv.URL).WaitForJob(context.Background(), "j", time.Millisecond, func(s api.JobStatus) {
		seen = append(seen, s.Progress)
	})
	if err != nil {
		t.Fatalf("WaitForJob: %v", err)
	}
	if final.Status != "done" {
		t.Fatalf("expected done, got %s", final.Status)
	}
	if diff := cmp.Diff([]int{40, 40, 100}, seen); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestClientDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/export/s1/volumes.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("Slice,Area (cc)\n"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if err := api.NewClient(srv.URL).Export(context.Background(), "s1", "volumes.csv", nil, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if buf.String() != "Slice,Area (cc)\n" {
		t.Fatalf("unexpected body %q", buf.String())
	}
}

func TestClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	_, err := api.NewClient(addr).Health(context.Background())
	if !api.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestFromJob(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := jobs.Job{
		ID:        "j1",
		Status:    jobs.StatusError,
		Progress:  30,
		Payload:   jobs.Payload{StudyID: "s", Threshold: 0.5},
		Error:     "model failure",
		CreatedAt: created,
		UpdatedAt: created,
	}
	want := api.JobStatus{
		JobID:     "j1",
		Status:    "error",
		Progress:  30,
		Error:     "model failure",
		StudyID:   "s",
		Threshold: 0.5,
		CreatedAt: "2026-03-01T12:00:00.000Z",
		UpdatedAt: "2026-03-01T12:00:00.000Z",
	}
	if diff := cmp.Diff(want, api.FromJob(job)); diff != "" {
		t.Fatalf("FromJob mismatch (-want +got):\n%s", diff)
	}
	counts := api.CountByStatus([]jobs.Job{job, {Status: jobs.StatusDone}, {Status: jobs.StatusDone}})
	if diff := cmp.Diff(map[string]int{"error": 1, "done": 2}, counts); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
}
