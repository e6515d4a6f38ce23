package logging

import (
	"math"
	"strings"
	"sync"
)

// ProgressSampler thins job progress logging to one line per stage change or
// per crossed step percent. Safe for concurrent use.
type ProgressSampler struct {
	step float64

	mu     sync.Mutex
	stage  string
	bucket int
}

// NewProgressSampler returns a sampler emitting every step percent.
func NewProgressSampler(step float64) *ProgressSampler {
	if step <= 0 || math.IsNaN(step) {
		step = 10
	}
	return &ProgressSampler{step: step, bucket: -1}
}

// ShouldLog reports whether the given progress deserves a log line. A nil
// sampler never suppresses anything.
func (s *ProgressSampler) ShouldLog(percent float64, stage string) bool {
	if s == nil {
		return true
	}
	stage = strings.TrimSpace(stage)

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := stage != "" && stage != s.stage
	if changed {
		s.stage = stage
		s.bucket = -1
	}
	if percent < 0 {
		return changed
	}
	bucket := int(math.Min(percent, 100) / s.step)
	if bucket <= s.bucket {
		return changed
	}
	s.bucket = bucket
	return true
}

// Reset forgets the last stage and bucket.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.stage, s.bucket = "", -1
	s.mu.Unlock()
}
