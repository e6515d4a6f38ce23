package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pdxseg/internal/imaging"
)

const (
	defaultHTTPTimeout    = 120 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	maxErrorBodyBytes     = 2048
)

// HTTPConfig captures the settings for a TensorFlow Serving compatible REST endpoint.
type HTTPConfig struct {
	BaseURL        string
	TimeoutSeconds int
	// Geometry is the segmenter input size; ClassifierGeometry the classifier's.
	Geometry           imaging.Size
	ClassifierGeometry imaging.Size
}

// HTTPBackend talks to a model server exposing
// GET {base}/v1/models/{name} and POST {base}/v1/models/{name}:predict.
type HTTPBackend struct {
	cfg            HTTPConfig
	httpClient     *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
}

// HTTPOption customizes the backend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// WithRetry overrides retry attempts and base backoff.
func WithRetry(attempts int, baseDelay time.Duration) HTTPOption {
	return func(b *HTTPBackend) {
		b.retryAttempts = attempts
		b.retryBaseDelay = baseDelay
	}
}

// NewHTTPBackend constructs a REST inference backend.
func NewHTTPBackend(cfg HTTPConfig, opts ...HTTPOption) *HTTPBackend {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	b := &HTTPBackend{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: timeout},
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.retryAttempts < 1 {
		b.retryAttempts = 1
	}
	return b
}

func (b *HTTPBackend) Name() string { return "http" }

func (b *HTTPBackend) LoadClassifier(ctx context.Context, weightsID string) (Classifier, error) {
	if err := b.checkModel(ctx, weightsID); err != nil {
		return nil, err
	}
	return &httpClassifier{backend: b, model: weightsID, size: b.cfg.ClassifierGeometry}, nil
}

func (b *HTTPBackend) LoadSegmenter(ctx context.Context, weightsID string) (Segmenter, error) {
	if err := b.checkModel(ctx, weightsID); err != nil {
		return nil, err
	}
	return &httpSegmenter{backend: b, model: weightsID, size: b.cfg.Geometry}, nil
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

// checkModel verifies the model is served and has an available version.
func (b *HTTPBackend) checkModel(ctx context.Context, model string) error {
	if strings.TrimSpace(model) == "" {
		return errors.New("model name required")
	}
	body, err := b.do(ctx, http.MethodGet, b.modelURL(model), nil)
	if err != nil {
		return fmt.Errorf("model status %s: %w", model, err)
	}
	var status modelStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("model status %s: decode: %w", model, err)
	}
	if len(status.ModelVersionStatus) == 0 {
		return nil
	}
	for _, v := range status.ModelVersionStatus {
		if strings.EqualFold(v.State, "AVAILABLE") {
			return nil
		}
	}
	return fmt.Errorf("model %s has no available version", model)
}

func (b *HTTPBackend) modelURL(model string) string {
	return b.cfg.BaseURL + "/v1/models/" + url.PathEscape(model)
}

type predictRequest struct {
	Instances [][][][1]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
}

func (b *HTTPBackend) predict(ctx context.Context, model string, slice *imaging.Grid) ([]float64, error) {
	if err := slice.Validate(); err != nil {
		return nil, err
	}
	instance := make([][][1]float32, slice.Height)
	for y := 0; y < slice.Height; y++ {
		row := make([][1]float32, slice.Width)
		for x := 0; x < slice.Width; x++ {
			row[x] = [1]float32{slice.At(x, y)}
		}
		instance[y] = row
	}
	payload, err := json.Marshal(predictRequest{Instances: [][][][1]float32{instance}})
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}
	body, err := b.do(ctx, http.MethodPost, b.modelURL(model)+":predict", payload)
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", model, err)
	}
	var resp predictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("predict %s: decode: %w", model, err)
	}
	if len(resp.Predictions) == 0 {
		return nil, fmt.Errorf("predict %s: empty predictions", model)
	}
	var nested any
	if err := json.Unmarshal(resp.Predictions[0], &nested); err != nil {
		return nil, fmt.Errorf("predict %s: decode prediction: %w", model, err)
	}
	values := flatten(nested, nil)
	if len(values) == 0 {
		return nil, fmt.Errorf("predict %s: prediction has no numeric values", model)
	}
	return values, nil
}

// flatten walks arbitrarily nested JSON arrays in row-major order.
func flatten(v any, dst []float64) []float64 {
	switch t := v.(type) {
	case float64:
		return append(dst, t)
	case []any:
		for _, item := range t {
			dst = flatten(item, dst)
		}
	}
	return dst
}

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (b *HTTPBackend) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= b.retryAttempts; attempt++ {
		body, err := b.doOnce(ctx, method, target, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if attempt == b.retryAttempts || !retryable(err) {
			break
		}
		delay := b.retryBaseDelay << (attempt - 1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (b *HTTPBackend) doOnce(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &statusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type httpClassifier struct {
	backend *HTTPBackend
	model   string
	size    imaging.Size
}

func (c *httpClassifier) Geometry() imaging.Size { return c.size }

func (c *httpClassifier) Predict(ctx context.Context, slice *imaging.Grid) (bool, error) {
	if err := slice.Validate(); err != nil {
		return false, err
	}
	input := slice
	if !c.size.Empty() && slice.Size() != c.size {
		input = imaging.Resize(slice, c.size)
	}
	values, err := c.backend.predict(ctx, c.model, input)
	if err != nil {
		return false, err
	}
	// Single sigmoid output or a [negative, positive] softmax pair.
	score := values[0]
	if len(values) == 2 {
		score = values[1]
	}
	return score >= ClassifierThreshold, nil
}

type httpSegmenter struct {
	backend *HTTPBackend
	model   string
	size    imaging.Size
}

func (s *httpSegmenter) Geometry() imaging.Size { return s.size }

func (s *httpSegmenter) Predict(ctx context.Context, slice *imaging.Grid, _ float64) (*imaging.Grid, error) {
	values, err := s.backend.predict(ctx, s.model, slice)
	if err != nil {
		return nil, err
	}
	if len(values) != slice.Width*slice.Height {
		return nil, fmt.Errorf("predict %s: got %d scores for %dx%d slice", s.model, len(values), slice.Width, slice.Height)
	}
	out := imaging.NewGrid(slice.Width, slice.Height)
	for i, v := range values {
		out.Pix[i] = float32(v)
	}
	return out, nil
}
