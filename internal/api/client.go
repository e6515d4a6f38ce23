package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pdxseg/internal/results"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
)

const userAgent = "pdxseg-cli/0.1.0"

// Client talks to a running daemon over its HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient builds a client for a bind address ("127.0.0.1:7490") or a base URL.
func NewClient(addr string, opts ...ClientOption) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{baseURL: base, http: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	return &out, c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
}

// Status fetches the daemon status summary.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	return &out, c.doJSON(ctx, http.MethodGet, "/api/status", nil, &out)
}

// Ingest registers a directory the daemon can read.
func (c *Client) Ingest(ctx context.Context, path string) (*StudyResponse, error) {
	var out StudyResponse
	return &out, c.doJSON(ctx, http.MethodPost, "/api/studies/ingest", IngestRequest{Path: path}, &out)
}

// Upload sends local slice files as a multipart form.
func (c *Client) Upload(ctx context.Context, paths []string) (*StudyResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, path := range paths {
		if err := attachFile(mw, path); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish upload form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/studies/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out StudyResponse
	return &out, c.do(req, &out)
}

func attachFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// StudyInfo fetches study metadata.
func (c *Client) StudyInfo(ctx context.Context, studyID string) (*studies.Info, error) {
	var out studies.Info
	return &out, c.doJSON(ctx, http.MethodGet, "/api/studies/"+url.PathEscape(studyID)+"/info", nil, &out)
}

// StartJob starts segmentation of a study.
func (c *Client) StartJob(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var out StartResponse
	return &out, c.doJSON(ctx, http.MethodPost, "/api/segment/start", req, &out)
}

// Jobs lists every job.
func (c *Client) Jobs(ctx context.Context) ([]JobStatus, error) {
	var out JobListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/segment", nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// JobStatus polls one job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	return &out, c.doJSON(ctx, http.MethodGet, "/api/segment/"+url.PathEscape(jobID)+"/status", nil, &out)
}

// Resegment re-runs the segmenter on selected slices.
func (c *Client) Resegment(ctx context.Context, req ResegmentRequest) (*ResegmentResponse, error) {
	var out ResegmentResponse
	return &out, c.doJSON(ctx, http.MethodPost, "/api/segment/resegment", req, &out)
}

// Result fetches the composed result of a finished job.
func (c *Client) Result(ctx context.Context, jobID string) (*results.Result, error) {
	var out results.Result
	return &out, c.doJSON(ctx, http.MethodGet, "/api/results/"+url.PathEscape(jobID), nil, &out)
}

// WaitForJob polls until the job reaches a terminal status or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration, onProgress func(JobStatus)) (*JobStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(*status)
		}
		if status.Status == "done" || status.Status == "error" {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SlicePNG downloads a rendered slice.
func (c *Client) SlicePNG(ctx context.Context, studyID string, index int, w io.Writer) error {
	return c.Download(ctx, fmt.Sprintf("/api/images/%s/%d", url.PathEscape(studyID), index), nil, w)
}

// OverlayPNG downloads a slice with its mask overlaid.
func (c *Client) OverlayPNG(ctx context.Context, studyID string, index int, alpha float64, w io.Writer) error {
	query := url.Values{"alpha": {strconv.FormatFloat(alpha, 'f', -1, 64)}}
	return c.Download(ctx, fmt.Sprintf("/api/images/%s/%d/overlay", url.PathEscape(studyID), index), query, w)
}

// Export downloads one of the study export files: "images.zip",
// "volumes.csv", "volumes.png", "volumes.xlsx", "images.npz" or "masks"
// (with a format query of npz or mat).
func (c *Client) Export(ctx context.Context, studyID, file string, query url.Values, w io.Writer) error {
	return c.Download(ctx, "/api/export/"+url.PathEscape(studyID)+"/"+file, query, w)
}

// Download streams a binary response body into w.
func (c *Client) Download(ctx context.Context, path string, query url.Values, w io.Writer) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "api", "download", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "api", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// decodeError maps a failed response back onto the services markers.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(data))
	var payload ErrorResponse
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = resp.Status
	}
	var marker error
	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusRequestEntityTooLarge:
		marker = services.ErrInvalidInput
	case resp.StatusCode == http.StatusNotFound:
		marker = services.ErrNotFound
	default:
		marker = services.ErrTransient
	}
	return &StatusError{Code: resp.StatusCode, Message: message, marker: marker}
}

// StatusError reports a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
	marker  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Code, e.Message)
}

// Unwrap exposes the services marker for errors.Is.
func (e *StatusError) Unwrap() error { return e.marker }

// IsUnavailable reports whether err means the daemon could not be reached.
func IsUnavailable(err error) bool {
	var statusErr *StatusError
	return err != nil && !errors.As(err, &statusErr) && errors.Is(err, services.ErrTransient)
}
