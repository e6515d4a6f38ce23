package logging

import (
	"sync"
	"testing"
)

func TestNewProgressSamplerDefaults(t *testing.T) {
	if s := NewProgressSampler(0); s.step != 10 {
		t.Fatalf("step = %v, want 10", s.step)
	}
	if s := NewProgressSampler(25); s.step != 25 || s.bucket != -1 {
		t.Fatalf("unexpected sampler state: %+v", s)
	}
}

func TestProgressSamplerNil(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog(50, "segment") {
		t.Fatal("nil sampler should always log")
	}
	s.Reset()
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(25)
	if !s.ShouldLog(0, "classify") {
		t.Fatal("first event should log")
	}
	if s.ShouldLog(10, "classify") {
		t.Fatal("same bucket should not log")
	}
	if !s.ShouldLog(26, "classify") {
		t.Fatal("new bucket should log")
	}
	if !s.ShouldLog(5, "segment") {
		t.Fatal("stage change should log")
	}
	if !s.ShouldLog(150, "segment") {
		t.Fatal("completion should log")
	}
	if s.ShouldLog(100, "segment") {
		t.Fatal("completion should only log once")
	}
}

func TestProgressSamplerConcurrent(t *testing.T) {
	s := NewProgressSampler(10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	emitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ShouldLog(95, "classify") {
				mu.Lock()
				emitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if emitted != 1 {
		t.Fatalf("expected exactly one emission, got %d", emitted)
	}
}
