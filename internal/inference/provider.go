package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pdxseg/internal/imaging"
	"pdxseg/internal/logging"
	"pdxseg/internal/services"
)

// Provider caches model handles per weights identifier. Concurrent first
// loads of the same identifier collapse into one backend call.
type Provider struct {
	backend Backend
	logger  *slog.Logger

	mu          sync.Mutex
	classifiers map[string]Classifier
	segmenters  map[string]Segmenter
	loads       singleflight.Group
}

// NewProvider wraps a backend with a load-once cache.
func NewProvider(backend Backend, logger *slog.Logger) *Provider {
	return &Provider{
		backend:     backend,
		logger:      logging.NewComponentLogger(logger, "inference"),
		classifiers: make(map[string]Classifier),
		segmenters:  make(map[string]Segmenter),
	}
}

// Backend returns the underlying backend name.
func (p *Provider) Backend() string {
	return p.backend.Name()
}

// Classifier returns the cached classifier for weightsID, loading it on first use.
func (p *Provider) Classifier(ctx context.Context, weightsID string) (Classifier, error) {
	weightsID = strings.TrimSpace(weightsID)
	p.mu.Lock()
	cached, ok := p.classifiers[weightsID]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	value, err := p.shared(ctx, "classifier:"+weightsID, func(ctx context.Context) (any, error) {
		p.mu.Lock()
		if existing, ok := p.classifiers[weightsID]; ok {
			p.mu.Unlock()
			return existing, nil
		}
		p.mu.Unlock()

		started := time.Now()
		loaded, err := p.backend.LoadClassifier(ctx, weightsID)
		if err != nil {
			return nil, services.Wrap(services.ErrModelFailure, "inference", "load classifier", weightsID, err)
		}
		handle := &serialClassifier{inner: loaded}
		p.mu.Lock()
		p.classifiers[weightsID] = handle
		p.mu.Unlock()
		p.logger.Info("classifier loaded",
			logging.String("weights", weightsID),
			logging.String("backend", p.backend.Name()),
			logging.Duration("elapsed", time.Since(started)),
		)
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(Classifier), nil
}

// Segmenter returns the cached segmenter for weightsID, loading it on first use.
func (p *Provider) Segmenter(ctx context.Context, weightsID string) (Segmenter, error) {
	weightsID = strings.TrimSpace(weightsID)
	p.mu.Lock()
	cached, ok := p.segmenters[weightsID]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	value, err := p.shared(ctx, "segmenter:"+weightsID, func(ctx context.Context) (any, error) {
		p.mu.Lock()
		if existing, ok := p.segmenters[weightsID]; ok {
			p.mu.Unlock()
			return existing, nil
		}
		p.mu.Unlock()

		started := time.Now()
		loaded, err := p.backend.LoadSegmenter(ctx, weightsID)
		if err != nil {
			return nil, services.Wrap(services.ErrModelFailure, "inference", "load segmenter", weightsID, err)
		}
		geometry := loaded.Geometry()
		if geometry.Empty() {
			return nil, services.Wrap(services.ErrModelFailure, "inference", "load segmenter",
				fmt.Sprintf("%s reports empty geometry %s", weightsID, geometry), nil)
		}
		handle := &serialSegmenter{inner: loaded}
		p.mu.Lock()
		p.segmenters[weightsID] = handle
		p.mu.Unlock()
		p.logger.Info("segmenter loaded",
			logging.String("weights", weightsID),
			logging.String("backend", p.backend.Name()),
			logging.String("geometry", geometry.String()),
			logging.Duration("elapsed", time.Since(started)),
		)
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(Segmenter), nil
}

// shared runs load once per key. The load itself is detached from the
// caller's cancellation so one waiter giving up cannot fail the others; each
// caller still stops waiting when its own ctx ends.
func (p *Provider) shared(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := p.loads.DoChan(key, func() (any, error) { return load(detached) })
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type serialClassifier struct {
	mu    sync.Mutex
	inner Classifier
}

func (c *serialClassifier) Geometry() imaging.Size {
	return c.inner.Geometry()
}

func (c *serialClassifier) Predict(ctx context.Context, slice *imaging.Grid) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Predict(ctx, slice)
}

type serialSegmenter struct {
	mu    sync.Mutex
	inner Segmenter
}

func (s *serialSegmenter) Geometry() imaging.Size {
	return s.inner.Geometry()
}

func (s *serialSegmenter) Predict(ctx context.Context, slice *imaging.Grid, threshold float64) (*imaging.Grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Predict(ctx, slice, threshold)
}
